package eventstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

const topIPLimit = 10

// AuditFilter narrows activity queries over the event log. Zero values match
// everything.
type AuditFilter struct {
	ActorIP string
	ActorID string
	Kind    domain.EventKind
	Since   *time.Time
	Limit   int
	Offset  int
}

// AuditPage is one page of events, newest first, with the unpaged total.
type AuditPage struct {
	Total  int
	Events []domain.Event
}

// Count is one ranked bucket.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// AuditStats summarizes activity across the whole event log.
type AuditStats struct {
	TotalEvents int                      `json:"total_events"`
	UniqueIPs   int                      `json:"unique_ips"`
	ByKind      map[domain.EventKind]int `json:"by_kind"`
	TopIPs      []Count                  `json:"top_ips"`
	Today       int                      `json:"today"`
	// Hourly holds the last 24 hours, oldest first, keyed by hour start.
	Hourly []Count `json:"hourly"`
}

// IPActivity is the footprint of one client address.
type IPActivity struct {
	IP          string     `json:"ip"`
	Total       int        `json:"total"`
	UniqueKinds int        `json:"unique_kinds"`
	Actors      int        `json:"actors"`
	FirstSeen   *time.Time `json:"first_seen,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

// binder collects query arguments and renders the backend's placeholder.
type binder struct {
	args     []any
	numbered bool
}

func (b *binder) bind(v any) string {
	b.args = append(b.args, v)
	if b.numbered {
		return fmt.Sprintf("$%d", len(b.args))
	}
	return "?"
}

func auditWhere(f AuditFilter, b *binder, timeArg func(time.Time) any) string {
	clauses := []string{"1=1"}
	if f.ActorIP != "" {
		clauses = append(clauses, "actor_ip="+b.bind(f.ActorIP))
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id="+b.bind(f.ActorID))
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind="+b.bind(string(f.Kind)))
	}
	if f.Since != nil {
		clauses = append(clauses, "created_at>="+b.bind(timeArg(*f.Since)))
	}
	return strings.Join(clauses, " AND ")
}

func hourlyWindow(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour).Add(-23 * time.Hour)
}

// hourlyBuckets counts stamps into the 24 hourly slots starting at
// hourlyWindow(now). Stamps outside the window are ignored.
func hourlyBuckets(now time.Time, stamps []time.Time) []Count {
	start := hourlyWindow(now)
	out := make([]Count, 24)
	for i := range out {
		out[i].Key = start.Add(time.Duration(i) * time.Hour).Format(time.RFC3339)
	}
	for _, ts := range stamps {
		if ts.Before(start) {
			continue
		}
		if i := int(ts.Sub(start) / time.Hour); i < len(out) {
			out[i].Count++
		}
	}
	return out
}
