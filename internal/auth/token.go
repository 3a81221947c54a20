package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/spec-kit/as-dispatch/internal/config"
	"github.com/spec-kit/as-dispatch/internal/domain"
)

// TokenManager handles issuing and validating JWT tokens. It is the service's
// AuthProvider: a valid token resolves to an Actor.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager builds a new manager.
func NewTokenManager(cfg config.AuthConfig) *TokenManager {
	ttl := cfg.AccessTokenTTL()
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, ttl: ttl, now: time.Now}
}

// Claims describes JWT payload. The actor id travels as the registered subject.
type Claims struct {
	Role        domain.Role `json:"role"`
	DisplayName string      `json:"name,omitempty"`
	Contact     string      `json:"contact,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken builds and signs a JWT for actor.
func (tm *TokenManager) GenerateToken(actor domain.Actor) (string, time.Time, error) {
	if actor.ID == "" || !actor.Role.Valid() {
		return "", time.Time{}, errors.New("actor id and valid role required")
	}
	now := tm.now()
	expiresAt := now.Add(tm.ttl)
	claims := &Claims{
		Role:        actor.Role,
		DisplayName: actor.DisplayName,
		Contact:     actor.Contact,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    tm.issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// ParseToken validates and returns claims.
func (tm *TokenManager) ParseToken(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tm.now),
	}
	if tm.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tm.issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return tm.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ResolveActor turns a bearer token into the authenticated actor.
func (tm *TokenManager) ResolveActor(tokenStr string) (domain.Actor, error) {
	claims, err := tm.ParseToken(tokenStr)
	if err != nil {
		return domain.Actor{}, err
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return domain.Actor{}, errors.New("token lacks subject or role")
	}
	return domain.Actor{
		ID:          claims.Subject,
		Role:        claims.Role,
		DisplayName: claims.DisplayName,
		Contact:     claims.Contact,
	}, nil
}
