package sqlite

import (
	"context"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/islo-labs/doubleagent/internal/history/sqlstore"
)

// one connection: a second handle on :memory: would see an empty database
var dialect = sqlstore.Dialect{
	Driver:       "sqlite",
	Bind:         func(int) string { return "?" },
	TimeType:     "TIMESTAMP",
	Order:        "rowid",
	MaxOpenConns: 1,
}

// Sink keeps history in a local SQLite file.
type Sink struct {
	*sqlstore.Store
}

// New opens the database named by dsn, which is a path, ":memory:", or either
// of those behind a "sqlite://" prefix.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	st, err := sqlstore.Open(context.Background(), dialect, dsn)
	if err != nil {
		return nil, err
	}
	return &Sink{Store: st}, nil
}
