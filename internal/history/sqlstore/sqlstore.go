// Package sqlstore keeps lifecycle events in a database/sql table. The sqlite
// and postgres sinks differ only in their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/islo-labs/doubleagent/internal/history"
)

// Table holds one row per lifecycle event.
const Table = "service_history"

// Dialect captures what varies between SQL engines.
type Dialect struct {
	Driver string
	// Bind renders the i-th (1-based) bind parameter.
	Bind func(i int) string
	// TimeType is the column type of occurred_at.
	TimeType string
	// ID is an extra surrogate key column definition, empty when the engine
	// already has an implicit one.
	ID string
	// Order breaks ties between events recorded within the same instant.
	Order string
	// MaxOpenConns is applied when positive.
	MaxOpenConns int
}

// Store reads and writes the event table.
type Store struct {
	db     *sql.DB
	insert string
	recent string
}

// Open connects with the dialect's driver and creates the table if missing.
func Open(ctx context.Context, d Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.MaxOpenConns)
	}
	for _, q := range schema(d) {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s schema: %w", d.Driver, err)
		}
	}
	binds := make([]string, 6)
	for i := range binds {
		binds[i] = d.Bind(i + 1)
	}
	return &Store{
		db: db,
		insert: fmt.Sprintf(`INSERT INTO %s(occurred_at, event, service, pid, port, detail) VALUES(%s)`,
			Table, strings.Join(binds, ", ")),
		recent: fmt.Sprintf(`SELECT occurred_at, event, service, pid, port, COALESCE(detail, '')
			FROM %s ORDER BY occurred_at DESC, %s DESC LIMIT %s`, Table, d.Order, d.Bind(1)),
	}, nil
}

func schema(d Dialect) []string {
	id := ""
	if d.ID != "" {
		id = d.ID + ",\n\t\t\t"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			%soccurred_at %s NOT NULL,
			event TEXT NOT NULL,
			service TEXT NOT NULL,
			pid INTEGER NOT NULL,
			port INTEGER NOT NULL,
			detail TEXT
		)`, Table, id, d.TimeType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_service ON %[1]s(service)`, Table),
	}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Send(ctx context.Context, e history.Event) error {
	var detail any
	if e.Detail != "" {
		detail = e.Detail
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		e.OccurredAt.UTC(), string(e.Type), e.Service, e.PID, e.Port, detail)
	return err
}

// Recent returns up to n events, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.recent, history.Limit(n))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e   history.Event
			typ string
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Service, &e.PID, &e.Port, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
