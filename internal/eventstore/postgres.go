package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresStore is the multi-process backend. Appends lock the materialized
// row with SELECT ... FOR UPDATE so writers on one request serialize.
type PostgresStore struct {
	pool *pgxpool.Pool
	Now  func() time.Time
}

// NewPostgresStore wraps a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, Now: time.Now}
}

func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Appended, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Appended{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.loadSnapshot(ctx, tx, in.RequestID, true)
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

	batch := &pgx.Batch{}
	batch.Queue(`
        INSERT INTO as_events (request_id, sequence, kind, status, actor_id, actor_role, actor_ip, payload, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		evt.RequestID, evt.Sequence, evt.Kind, evt.Status, evt.ActorID, evt.ActorRole, evt.ActorIP,
		[]byte(evt.Payload), evt.Timestamp,
	)
	if m := side.chat; m != nil {
		batch.Queue(`
            INSERT INTO chat_messages (id, request_id, sequence, sender_id, recipient_id, body, sent_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			m.ID, m.RequestID, m.Sequence, m.SenderID, m.RecipientID, m.Body, m.SentAt,
		)
	}
	if a := side.attachment; a != nil {
		batch.Queue(`
            INSERT INTO attachments (request_id, sequence, filename, size, uploaded_by, uploaded_at)
            VALUES ($1,$2,$3,$4,$5,$6)`,
			evt.RequestID, evt.Sequence, a.Filename, a.Size, a.UploadedBy, a.UploadedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Appended{}, pgErr("insert event rows", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Appended{}, pgErr("commit append", err)
	}
	return Appended{Event: evt, Request: next}, nil
}

func (s *PostgresStore) insertRequest(ctx context.Context, tx pgx.Tx, req *domain.AsRequest) error {
	snapshot, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
        INSERT INTO as_requests (id, customer_id, bay_id, equipment_id, priority, status, assigned_technician_id,
            scheduled_at, sequence, snapshot, created_at, updated_at, resolved_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		req.ID, req.CustomerID, req.BayID, req.EquipmentID, req.Priority, req.Status, req.AssignedTechnicianID,
		req.Schedule, req.Sequence, snapshot, req.CreatedAt, req.UpdatedAt, req.ResolvedAt,
	)
	if err != nil {
		return pgErr("insert request", err)
	}
	return nil
}

func (s *PostgresStore) updateRequest(ctx context.Context, tx pgx.Tx, req *domain.AsRequest) error {
	snapshot, err := json.Marshal(req)
	if err != nil {
		return err
	}
	cmd, err := tx.Exec(ctx, `
        UPDATE as_requests SET status=$1, assigned_technician_id=$2, scheduled_at=$3, sequence=$4, snapshot=$5,
            updated_at=$6, resolved_at=$7
        WHERE id=$8`,
		req.Status, req.AssignedTechnicianID, req.Schedule, req.Sequence, snapshot,
		req.UpdatedAt, req.ResolvedAt, req.ID,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) loadSnapshot(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*domain.AsRequest, error) {
	query := `SELECT snapshot FROM as_requests WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var raw []byte
	err := q.QueryRow(ctx, query, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	var req domain.AsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &req, nil
}

func (s *PostgresStore) LoadRequest(ctx context.Context, id string) (*domain.AsRequest, error) {
	return s.loadSnapshot(ctx, s.pool, id, false)
}

func (s *PostgresStore) History(ctx context.Context, id string, afterSeq int64) ([]domain.Event, error) {
	return s.history(ctx, s.pool, id, afterSeq)
}

func (s *PostgresStore) history(ctx context.Context, q pgQuerier, id string, afterSeq int64) ([]domain.Event, error) {
	rows, err := q.Query(ctx, `
        SELECT request_id, sequence, kind, status, actor_id, actor_role, actor_ip, payload, created_at
        FROM as_events WHERE request_id=$1 AND sequence>$2 ORDER BY sequence ASC`, id, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return scanPgEvents(rows)
}

func scanPgEvents(rows pgx.Rows) ([]domain.Event, error) {
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			evt     domain.Event
			payload []byte
		)
		if err := rows.Scan(&evt.RequestID, &evt.Sequence, &evt.Kind, &evt.Status, &evt.ActorID,
			&evt.ActorRole, &evt.ActorIP, &payload, &evt.Timestamp); err != nil {
			return nil, err
		}
		evt.Payload = json.RawMessage(payload)
		evt.Timestamp = evt.Timestamp.UTC()
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Messages(ctx context.Context, id string) ([]domain.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT m.id, m.request_id, m.sequence, m.sender_id, m.recipient_id, m.body, m.sent_at,
               r.actor_id, r.delivered_at
        FROM chat_messages m
        LEFT JOIN chat_receipts r ON r.message_id = m.id
        WHERE m.request_id=$1 ORDER BY m.sequence ASC, r.actor_id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		var (
			msg         domain.ChatMessage
			receiptBy   *string
			deliveredAt *time.Time
		)
		if err := rows.Scan(&msg.ID, &msg.RequestID, &msg.Sequence, &msg.SenderID, &msg.RecipientID,
			&msg.Body, &msg.SentAt, &receiptBy, &deliveredAt); err != nil {
			return nil, err
		}
		msg.SentAt = msg.SentAt.UTC()
		if n := len(messages); n > 0 && messages[n-1].ID == msg.ID {
			msg = messages[n-1]
			messages = messages[:n-1]
		}
		if receiptBy != nil && deliveredAt != nil {
			if msg.Delivered == nil {
				msg.Delivered = map[string]time.Time{}
			}
			msg.Delivered[*receiptBy] = deliveredAt.UTC()
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, requestID, messageID, actorID string, at time.Time) error {
	cmd, err := s.pool.Exec(ctx, `
        INSERT INTO chat_receipts (message_id, actor_id, delivered_at)
        SELECT id, $1, $2 FROM chat_messages WHERE id=$3 AND request_id=$4
        ON CONFLICT (message_id, actor_id) DO NOTHING`,
		actorID, storeTime(at), messageID, requestID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM chat_messages WHERE id=$1 AND request_id=$2`, messageID, requestID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Rebuild(ctx context.Context, id string) (*domain.AsRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.loadSnapshot(ctx, tx, id, true); err != nil {
		return nil, err
	}
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
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rebuild: %w", err)
	}
	return req, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]domain.AsRequest, error) {
	clauses := []string{"1=1"}
	args := []any{}
	idx := 1
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status=$%d", idx))
		args = append(args, filter.Status)
		idx++
	}
	if filter.CustomerID != "" {
		clauses = append(clauses, fmt.Sprintf("customer_id=$%d", idx))
		args = append(args, filter.CustomerID)
		idx++
	}
	if filter.TechnicianID != "" {
		clauses = append(clauses, fmt.Sprintf("assigned_technician_id=$%d", idx))
		args = append(args, filter.TechnicianID)
		idx++
	}
	if filter.Unassigned {
		clauses = append(clauses, "assigned_technician_id IS NULL")
	}
	if filter.UpdatedSince != nil {
		clauses = append(clauses, fmt.Sprintf("updated_at>=$%d", idx))
		args = append(args, *filter.UpdatedSince)
		idx++
	}
	query := fmt.Sprintf("SELECT snapshot FROM as_requests WHERE %s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d",
		strings.Join(clauses, " AND "), idx, idx+1)
	args = append(args, listLimit(filter.Limit), filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []domain.AsRequest
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var req domain.AsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	stats := Stats{ByStatus: map[domain.RequestStatus]int{}}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM as_requests GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[domain.RequestStatus(status)] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var avg *float64
	dayStart := now.UTC().Truncate(24 * time.Hour)
	if err := s.pool.QueryRow(ctx, `
        SELECT
            (SELECT COUNT(*) FROM as_requests WHERE created_at >= $1),
            (SELECT AVG(EXTRACT(EPOCH FROM resolved_at - created_at)) / 60.0 FROM as_requests WHERE resolved_at IS NOT NULL)`,
		dayStart,
	).Scan(&stats.CreatedToday, &avg); err != nil {
		return stats, fmt.Errorf("dashboard stats: %w", err)
	}
	if avg != nil {
		stats.AvgResolutionMinutes = *avg
	}
	return stats, nil
}

// AuditEvents pages through the event log across requests, newest first.
func (s *PostgresStore) AuditEvents(ctx context.Context, filter AuditFilter) (AuditPage, error) {
	b := &binder{numbered: true}
	where := auditWhere(filter, b, func(t time.Time) any { return t.UTC() })

	var page AuditPage
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM as_events WHERE "+where, b.args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count audit events: %w", err)
	}
	limit := b.bind(listLimit(filter.Limit))
	offset := b.bind(filter.Offset)
	rows, err := s.pool.Query(ctx, `
        SELECT request_id, sequence, kind, status, actor_id, actor_role, actor_ip, payload, created_at
        FROM as_events WHERE `+where+`
        ORDER BY created_at DESC, request_id ASC, sequence DESC LIMIT `+limit+` OFFSET `+offset, b.args...)
	if err != nil {
		return page, fmt.Errorf("query audit events: %w", err)
	}
	if page.Events, err = scanPgEvents(rows); err != nil {
		return page, err
	}
	return page, nil
}

func (s *PostgresStore) AuditStats(ctx context.Context, now time.Time) (AuditStats, error) {
	stats := AuditStats{ByKind: map[domain.EventKind]int{}}
	dayStart := now.UTC().Truncate(24 * time.Hour)
	if err := s.pool.QueryRow(ctx, `
        SELECT COUNT(*), COUNT(DISTINCT NULLIF(actor_ip, '')), COUNT(*) FILTER (WHERE created_at >= $1)
        FROM as_events`, dayStart,
	).Scan(&stats.TotalEvents, &stats.UniqueIPs, &stats.Today); err != nil {
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
        GROUP BY actor_ip ORDER BY n DESC, actor_ip ASC LIMIT $1`, topIPLimit); err != nil {
		return stats, fmt.Errorf("top ips: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT created_at FROM as_events WHERE created_at >= $1`, hourlyWindow(now))
	if err != nil {
		return stats, fmt.Errorf("hourly activity: %w", err)
	}
	stamps, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return stats, fmt.Errorf("hourly activity: %w", err)
	}
	stats.Hourly = hourlyBuckets(now, stamps)
	return stats, nil
}

func (s *PostgresStore) IPActivity(ctx context.Context, ip string) (IPActivity, error) {
	out := IPActivity{IP: ip}
	if err := s.pool.QueryRow(ctx, `
        SELECT COUNT(*), COUNT(DISTINCT kind), COUNT(DISTINCT actor_id), MIN(created_at), MAX(created_at)
        FROM as_events WHERE actor_ip=$1`, ip,
	).Scan(&out.Total, &out.UniqueKinds, &out.Actors, &out.FirstSeen, &out.LastSeen); err != nil {
		return out, fmt.Errorf("ip activity: %w", err)
	}
	for _, ts := range []*time.Time{out.FirstSeen, out.LastSeen} {
		if ts != nil {
			*ts = ts.UTC()
		}
	}
	return out, nil
}

func (s *PostgresStore) counts(ctx context.Context, query string, args ...any) ([]Count, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgErr(op string, err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == pgUniqueViolation {
		return ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}
