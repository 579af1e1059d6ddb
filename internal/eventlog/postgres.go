package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/arenaguard/internal/threat"
	"go.uber.org/zap"
)

// PostgresStore persists events to the security_events table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Record implements Store.
func (s *PostgresStore) Record(ctx context.Context, ev threat.Event) (string, error) {
	if err := prepare(&ev); err != nil {
		return "", err
	}
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO security_events
		   (id, occurred_at, type, severity, message, origin_ip, user_id, endpoint, method, status_code, details)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, 0), $11)`,
		ev.ID, ev.Timestamp, string(ev.Type), string(ev.Severity), ev.Message, ev.OriginIP,
		ev.UserID, ev.Endpoint, ev.Method, ev.StatusCode, details,
	); err != nil {
		return "", fmt.Errorf("insert security event: %w", err)
	}
	return ev.ID, nil
}

// Query implements Store.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]threat.Event, error) {
	sql, args := buildQuery(f)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("scan security events: %w", err)
	}
	// Rows come back newest first so LIMIT keeps the newest.
	return finish(events, Filter{}), nil
}

// buildQuery renders f as a parameterised SELECT.
func buildQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OriginIP != "" {
		add("origin_ip = $%d", f.OriginIP)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at <= $%d", f.Until)
	}

	var b strings.Builder
	b.WriteString(`SELECT id::text, occurred_at, type, severity, message, origin_ip,
	       COALESCE(user_id, ''), COALESCE(endpoint, ''), COALESCE(method, ''),
	       COALESCE(status_code, 0), details
	  FROM security_events`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY occurred_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanEvent(row pgx.CollectableRow) (threat.Event, error) {
	var (
		ev       threat.Event
		typ, sev string
		details  []byte
	)
	if err := row.Scan(
		&ev.ID, &ev.Timestamp, &typ, &sev, &ev.Message, &ev.OriginIP,
		&ev.UserID, &ev.Endpoint, &ev.Method, &ev.StatusCode, &details,
	); err != nil {
		return ev, err
	}
	ev.Type, ev.Severity = threat.EventType(typ), threat.Severity(sev)
	ev.Timestamp = ev.Timestamp.UTC()
	if len(details) > 0 && string(details) != "null" {
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return ev, fmt.Errorf("decode details: %w", err)
		}
	}
	return ev, nil
}

// Prune implements Pruner.
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM security_events WHERE occurred_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.logger.Info("security events pruned", zap.Int("removed", n), zap.Time("before", before))
	}
	return n, nil
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
