package recordsync

import (
	"database/sql"
	"strings"

	_ "github.com/lib/pq"
)

type PostgresStateBackend struct {
	core *sqlStateCore
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		core: &sqlStateCore{
			driver:      "postgres",
			dsn:         dsn,
			placeholder: dollarPlaceholder,
			openDB:      sql.Open,
		},
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil || b.core == nil {
		return nil, nil
	}
	return b.core.load()
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || b.core == nil {
		return nil
	}
	return b.core.save(state)
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.core == nil {
		return nil
	}
	return b.core.close()
}
