package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore is the embedded single-node backend. The *sql.DB must be capped
// at one open connection; that connection is the write lock.
type SQLiteStore struct {
	db  *sql.DB
	Now func() time.Time
}

// NewSQLiteStore wraps an opened and migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, Now: time.Now}
}

func (s *SQLiteStore) Append(ctx context.Context, in AppendInput) (Appended, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Appended{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	current, err := s.loadSnapshot(ctx, tx, in.RequestID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Appended{}, err
	}
	evt, next, err := prepare(current, in, s.Now())
	if err != nil {
		return Appended{}, err
	}
	side, err := deriveSideRows(evt, next)
	if err != nil {
		return Appended{}, err
	}

	if current == nil {
		err = s.insertRequest(ctx, tx, next)
	} else {
		err = s.updateRequest(ctx, tx, next)
	}
	if err != nil {
		return Appended{}, err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO as_events (request_id, sequence, kind, status, actor_id, actor_role, actor_ip, payload, created_at)
        VALUES (?,?,?,?,?,?,?,?,?)`,
		evt.RequestID, evt.Sequence, evt.Kind, evt.Status, evt.ActorID, evt.ActorRole, evt.ActorIP,
		string(evt.Payload), formatTime(evt.Timestamp),
	); err != nil {
		return Appended{}, sqliteErr("insert event", err)
	}
	if side.chat != nil {
		m := side.chat
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO chat_messages (id, request_id, sequence, sender_id, recipient_id, body, sent_at)
            VALUES (?,?,?,?,?,?,?)`,
			m.ID, m.RequestID, m.Sequence, m.SenderID, m.RecipientID, m.Body, formatTime(m.SentAt),
		); err != nil {
			return Appended{}, sqliteErr("insert chat message", err)
		}
	}
	if side.attachment != nil {
		a := side.attachment
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO attachments (request_id, sequence, filename, size, uploaded_by, uploaded_at)
            VALUES (?,?,?,?,?,?)`,
			evt.RequestID, evt.Sequence, a.Filename, a.Size, a.UploadedBy, formatTime(a.UploadedAt),
		); err != nil {
			return Appended{}, sqliteErr("insert attachment", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Appended{}, fmt.Errorf("commit append: %w", err)
	}
	return Appended{Event: evt, Request: next}, nil
}

func (s *SQLiteStore) insertRequest(ctx context.Context, tx *sql.Tx, req *domain.AsRequest) error {
	snapshot, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO as_requests (id, customer_id, bay_id, equipment_id, priority, status, assigned_technician_id,
            scheduled_at, sequence, snapshot, created_at, updated_at, resolved_at)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.CustomerID, req.BayID, req.EquipmentID, req.Priority, req.Status, req.AssignedTechnicianID,
		formatTimePtr(req.Schedule), req.Sequence, string(snapshot), formatTime(req.CreatedAt),
		formatTime(req.UpdatedAt), formatTimePtr(req.ResolvedAt),
	)
	return sqliteErr("insert request", err)
}

func (s *SQLiteStore) updateRequest(ctx context.Context, tx *sql.Tx, req *domain.AsRequest) error {
	snapshot, err := json.Marshal(req)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE as_requests SET status=?, assigned_technician_id=?, scheduled_at=?, sequence=?, snapshot=?,
            updated_at=?, resolved_at=?
        WHERE id=?`,
		req.Status, req.AssignedTechnicianID, formatTimePtr(req.Schedule), req.Sequence, string(snapshot),
		formatTime(req.UpdatedAt), formatTimePtr(req.ResolvedAt), req.ID,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) loadSnapshot(ctx context.Context, q querier, id string) (*domain.AsRequest, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT snapshot FROM as_requests WHERE id=?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	var req domain.AsRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &req, nil
}

func (s *SQLiteStore) LoadRequest(ctx context.Context, id string) (*domain.AsRequest, error) {
	return s.loadSnapshot(ctx, s.db, id)
}

func (s *SQLiteStore) History(ctx context.Context, id string, afterSeq int64) ([]domain.Event, error) {
	return s.history(ctx, s.db, id, afterSeq)
}

func (s *SQLiteStore) history(ctx context.Context, q querier, id string, afterSeq int64) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, `
        SELECT request_id, sequence, kind, status, actor_id, actor_role, actor_ip, payload, created_at
        FROM as_events WHERE request_id=? AND sequence>? ORDER BY sequence ASC`, id, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return scanSQLiteEvents(rows)
}

func scanSQLiteEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			evt     domain.Event
			payload string
			created string
		)
		if err := rows.Scan(&evt.RequestID, &evt.Sequence, &evt.Kind, &evt.Status, &evt.ActorID,
			&evt.ActorRole, &evt.ActorIP, &payload, &created); err != nil {
			return nil, err
		}
		evt.Payload = json.RawMessage(payload)
		var err error
		if evt.Timestamp, err = parseTime(created); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Messages(ctx context.Context, id string) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT m.id, m.request_id, m.sequence, m.sender_id, m.recipient_id, m.body, m.sent_at,
               r.actor_id, r.delivered_at
        FROM chat_messages m
        LEFT JOIN chat_receipts r ON r.message_id = m.id
        WHERE m.request_id=? ORDER BY m.sequence ASC, r.actor_id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		var (
			msg         domain.ChatMessage
			sent        string
			receiptBy   sql.NullString
			deliveredAt sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.RequestID, &msg.Sequence, &msg.SenderID, &msg.RecipientID,
			&msg.Body, &sent, &receiptBy, &deliveredAt); err != nil {
			return nil, err
		}
		if msg.SentAt, err = parseTime(sent); err != nil {
			return nil, err
		}
		if n := len(messages); n > 0 && messages[n-1].ID == msg.ID {
			msg = messages[n-1]
			messages = messages[:n-1]
		}
		if receiptBy.Valid {
			at, err := parseTime(deliveredAt.String)
			if err != nil {
				return nil, err
			}
			if msg.Delivered == nil {
				msg.Delivered = map[string]time.Time{}
			}
			msg.Delivered[receiptBy.String] = at
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, requestID, messageID, actorID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO chat_receipts (message_id, actor_id, delivered_at)
        SELECT id, ?, ? FROM chat_messages WHERE id=? AND request_id=?
        ON CONFLICT (message_id, actor_id) DO NOTHING`,
		actorID, formatTime(storeTime(at)), messageID, requestID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chat_messages WHERE id=? AND request_id=?`, messageID, requestID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) Rebuild(ctx context.Context, id string) (*domain.AsRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	events, err := s.history(ctx, tx, id, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	req, err := domain.Fold(events)
	if err != nil {
		return nil, err
	}
	if err := s.updateRequest(ctx, tx, req); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rebuild: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]domain.AsRequest, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, filter.Status)
	}
	if filter.CustomerID != "" {
		clauses = append(clauses, "customer_id=?")
		args = append(args, filter.CustomerID)
	}
	if filter.TechnicianID != "" {
		clauses = append(clauses, "assigned_technician_id=?")
		args = append(args, filter.TechnicianID)
	}
	if filter.Unassigned {
		clauses = append(clauses, "assigned_technician_id IS NULL")
	}
	if filter.UpdatedSince != nil {
		clauses = append(clauses, "updated_at>=?")
		args = append(args, formatTime(*filter.UpdatedSince))
	}
	query := "SELECT snapshot FROM as_requests WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, listLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []domain.AsRequest
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var req domain.AsRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	stats := Stats{ByStatus: map[domain.RequestStatus]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM as_requests GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var (
			status domain.RequestStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	dayStart := now.UTC().Truncate(24 * time.Hour)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM as_requests WHERE created_at>=?`,
		formatTime(dayStart)).Scan(&stats.CreatedToday); err != nil {
		return stats, fmt.Errorf("count today: %w", err)
	}

	resolved, err := s.db.QueryContext(ctx, `SELECT created_at, resolved_at FROM as_requests WHERE resolved_at IS NOT NULL`)
	if err != nil {
		return stats, fmt.Errorf("query resolutions: %w", err)
	}
	defer resolved.Close()
	var (
		total time.Duration
		count int
	)
	for resolved.Next() {
		var created, done string
		if err := resolved.Scan(&created, &done); err != nil {
			return stats, err
		}
		c, err := parseTime(created)
		if err != nil {
			return stats, err
		}
		d, err := parseTime(done)
		if err != nil {
			return stats, err
		}
		total += d.Sub(c)
		count++
	}
	if count > 0 {
		stats.AvgResolutionMinutes = total.Minutes() / float64(count)
	}
	return stats, resolved.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AuditEvents pages through the event log across requests, newest first.
func (s *SQLiteStore) AuditEvents(ctx context.Context, filter AuditFilter) (AuditPage, error) {
	b := &binder{}
	where := auditWhere(filter, b, func(t time.Time) any { return formatTime(t) })

	var page AuditPage
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM as_events WHERE "+where, b.args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count audit events: %w", err)
	}
	args := append(b.args, listLimit(filter.Limit), filter.Offset)
	rows, err := s.db.QueryContext(ctx, `
        SELECT request_id, sequence, kind, status, actor_id, actor_role, actor_ip, payload, created_at
        FROM as_events WHERE `+where+`
        ORDER BY created_at DESC, request_id ASC, sequence DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return page, fmt.Errorf("query audit events: %w", err)
	}
	if page.Events, err = scanSQLiteEvents(rows); err != nil {
		return page, err
	}
	return page, nil
}

func (s *SQLiteStore) AuditStats(ctx context.Context, now time.Time) (AuditStats, error) {
	stats := AuditStats{ByKind: map[domain.EventKind]int{}}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT NULLIF(actor_ip, '')) FROM as_events`,
	).Scan(&stats.TotalEvents, &stats.UniqueIPs); err != nil {
		return stats, fmt.Errorf("count events: %w", err)
	}

	kinds, err := s.counts(ctx, `SELECT kind, COUNT(*) FROM as_events GROUP BY kind`)
	if err != nil {
		return stats, fmt.Errorf("count by kind: %w", err)
	}
	for _, k := range kinds {
		stats.ByKind[domain.EventKind(k.Key)] = k.Count
	}

	if stats.TopIPs, err = s.counts(ctx, `
        SELECT actor_ip, COUNT(*) AS n FROM as_events WHERE actor_ip <> ''
        GROUP BY actor_ip ORDER BY n DESC, actor_ip ASC LIMIT ?`, topIPLimit); err != nil {
		return stats, fmt.Errorf("top ips: %w", err)
	}

	dayStart := now.UTC().Truncate(24 * time.Hour)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM as_events WHERE created_at>=?`,
		formatTime(dayStart)).Scan(&stats.Today); err != nil {
		return stats, fmt.Errorf("count today: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT created_at FROM as_events WHERE created_at>=?`,
		formatTime(hourlyWindow(now)))
	if err != nil {
		return stats, fmt.Errorf("hourly activity: %w", err)
	}
	defer rows.Close()
	var stamps []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return stats, err
		}
		ts, err := parseTime(raw)
		if err != nil {
			return stats, err
		}
		stamps = append(stamps, ts)
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	stats.Hourly = hourlyBuckets(now, stamps)
	return stats, nil
}

func (s *SQLiteStore) IPActivity(ctx context.Context, ip string) (IPActivity, error) {
	out := IPActivity{IP: ip}
	var first, last sql.NullString
	if err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*), COUNT(DISTINCT kind), COUNT(DISTINCT actor_id), MIN(created_at), MAX(created_at)
        FROM as_events WHERE actor_ip=?`, ip,
	).Scan(&out.Total, &out.UniqueKinds, &out.Actors, &first, &last); err != nil {
		return out, fmt.Errorf("ip activity: %w", err)
	}
	for _, pair := range []struct {
		raw sql.NullString
		dst **time.Time
	}{{first, &out.FirstSeen}, {last, &out.LastSeen}} {
		if !pair.raw.Valid {
			continue
		}
		ts, err := parseTime(pair.raw.String)
		if err != nil {
			return out, err
		}
		*pair.dst = &ts
	}
	return out, nil
}

func (s *SQLiteStore) counts(ctx context.Context, query string, args ...any) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Count{}
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func sqliteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return ErrConflict
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t, nil
}
