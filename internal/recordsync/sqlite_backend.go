package recordsync

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type SQLiteStateBackend struct {
	core *sqlStateCore
}

// NewSQLiteStateBackend opens (or creates) a SQLite database file holding
// the keyed cache layout. The pure-Go driver keeps the daemon cgo-free.
func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStateBackend{
		core: &sqlStateCore{
			driver:      "sqlite",
			dsn:         "file:" + path + "?_pragma=busy_timeout(5000)",
			placeholder: questionPlaceholder,
			openDB:      sql.Open,
		},
	}, nil
}

func (b *SQLiteStateBackend) Load() (*persistedState, error) {
	if b == nil || b.core == nil {
		return nil, nil
	}
	return b.core.load()
}

func (b *SQLiteStateBackend) Save(state *persistedState) error {
	if b == nil || b.core == nil {
		return nil
	}
	return b.core.save(state)
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.core == nil {
		return nil
	}
	return b.core.close()
}
