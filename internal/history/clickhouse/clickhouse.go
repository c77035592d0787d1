package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/islo-labs/doubleagent/internal/history"
)

// Options selects the ClickHouse endpoint and target table.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

func (o *Options) defaults() {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "service_history"
	}
}

// Sink appends events to a MergeTree table over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	opts.defaults()
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open %s: %w", opts.Addr, err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", opts.Addr, err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + opts.Table + ` (
		occurred_at DateTime64(6, 'UTC'),
		event LowCardinality(String),
		service LowCardinality(String),
		pid UInt32,
		port UInt16,
		detail String
	) ENGINE = MergeTree()
	ORDER BY (service, occurred_at)`
	if err := conn.Exec(ctx, ddl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse create table %s: %w", opts.Table, err)
	}
	return &Sink{conn: conn, table: opts.Table}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table+" (occurred_at, event, service, pid, port, detail)")
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	if err := batch.Append(e.OccurredAt.UTC(), string(e.Type), e.Service, uint32(e.PID), uint16(e.Port), e.Detail); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("clickhouse append: %w", err)
	}
	return batch.Send()
}

// Recent returns up to n events, newest first.
func (s *Sink) Recent(ctx context.Context, n int) ([]history.Event, error) {
	rows, err := s.conn.Query(ctx, `SELECT occurred_at, event, service, pid, port, detail
		FROM `+s.table+` ORDER BY occurred_at DESC LIMIT ?`, history.Limit(n))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e    history.Event
			typ  string
			pid  uint32
			port uint16
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Service, &pid, &port, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.PID, e.Port = int(pid), int(port)
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
