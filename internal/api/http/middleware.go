package http

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/observability"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// RegisterMiddlewares attaches global middlewares such as error handling and logging.
func RegisterMiddlewares(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, timeout time.Duration) {
	if timeout > 0 {
		app.Use(requestTimeoutMiddleware(timeout))
	}
	// The request logger wraps the error handler so it sees the final status.
	app.Use(observability.RequestLogger(logger, metrics))
	app.Use(errorHandlingMiddleware(logger, metrics))
}

// TrustProxies makes c.IP() honor X-Forwarded-For, but only for requests
// whose peer is one of proxies. With no proxies the peer address is used.
func TrustProxies(fc fiber.Config, proxies []string) fiber.Config {
	if len(proxies) == 0 {
		return fc
	}
	fc.ProxyHeader = fiber.HeaderXForwardedFor
	fc.EnableTrustedProxyCheck = true
	fc.TrustedProxies = proxies
	fc.EnableIPValidation = true
	return fc
}

func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func errorHandlingMiddleware(logger *zap.Logger, metrics *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = apperrors.NewInternalError(nil)
			}
			if err != nil {
				domainErr := toDomainError(err)
				if metrics != nil {
					metrics.RecordError(c.Path(), c.Method(), domainErr.Code)
				}
				response := fiber.Map{"error": fiber.Map{
					"code":    domainErr.Code,
					"message": domainErr.Message,
				}}
				if len(domainErr.Details) > 0 {
					response["error"].(fiber.Map)["details"] = domainErr.Details
				}
				if domainErr.HTTPStatus >= 500 {
					logger.Error("request failed", zap.Error(domainErr))
				}
				c.Status(domainErr.HTTPStatus)
				_ = c.JSON(response)
				err = nil
			}
		}()
		return c.Next()
	}
}

// toDomainError also keeps the status of fiber's own errors, such as an
// unmatched route.
func toDomainError(err error) *apperrors.DomainError {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code := apperrors.CodeInternal
		switch fiberErr.Code {
		case fiber.StatusNotFound:
			code = apperrors.CodeNotFound
		case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge, fiber.StatusUnprocessableEntity:
			code = apperrors.CodeValidation
		case fiber.StatusUnauthorized:
			code = apperrors.CodeUnauthorized
		case fiber.StatusForbidden:
			code = apperrors.CodeForbidden
		}
		return apperrors.NewDomainError(code, fiberErr.Message, fiberErr.Code, nil)
	}
	return apperrors.ToDomainError(err)
}
