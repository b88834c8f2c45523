package recordsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	sqlRecordsTableName     = "recordsync_records"
	sqlCollectionsTableName = "recordsync_collections"
	sqlMutationsTableName   = "recordsync_mutations"
	sqlOperationTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlStateCore implements the keyed-row layout shared by the Postgres and
// SQLite backends: one row per record, per collection index, and per
// buffered mutation, each addressable by its stable key so the cache can be
// inspected or rebuilt outside the process.
type sqlStateCore struct {
	driver      string
	dsn         string
	placeholder func(n int) string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func (c *sqlStateCore) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB(c.driver, c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					collection_id TEXT NOT NULL,
					record_id TEXT NOT NULL,
					doc TEXT NOT NULL,
					PRIMARY KEY (collection_id, record_id)
				)`, sqlQuoteIdentifier(sqlRecordsTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					collection_id TEXT PRIMARY KEY,
					doc TEXT NOT NULL
				)`, sqlQuoteIdentifier(sqlCollectionsTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					mutation_id TEXT PRIMARY KEY,
					position BIGINT NOT NULL,
					doc TEXT NOT NULL
				)`, sqlQuoteIdentifier(sqlMutationsTableName)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *sqlStateCore) load() (*persistedState, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	snapshot := &persistedState{
		Records:     map[string]map[string]Record{},
		Collections: map[string]CollectionIndex{},
	}
	empty := true

	recordRows, err := c.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT collection_id, record_id, doc FROM %s", sqlQuoteIdentifier(sqlRecordsTableName)))
	if err != nil {
		return nil, err
	}
	defer recordRows.Close()
	for recordRows.Next() {
		var collectionID, recordID, doc string
		if err := recordRows.Scan(&collectionID, &recordID, &doc); err != nil {
			return nil, err
		}
		var record Record
		if err := json.Unmarshal([]byte(doc), &record); err != nil {
			return nil, err
		}
		byID, ok := snapshot.Records[collectionID]
		if !ok {
			byID = map[string]Record{}
			snapshot.Records[collectionID] = byID
		}
		byID[recordID] = record
		empty = false
	}
	if err := recordRows.Err(); err != nil {
		return nil, err
	}

	collectionRows, err := c.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT collection_id, doc FROM %s", sqlQuoteIdentifier(sqlCollectionsTableName)))
	if err != nil {
		return nil, err
	}
	defer collectionRows.Close()
	for collectionRows.Next() {
		var collectionID, doc string
		if err := collectionRows.Scan(&collectionID, &doc); err != nil {
			return nil, err
		}
		var index CollectionIndex
		if err := json.Unmarshal([]byte(doc), &index); err != nil {
			return nil, err
		}
		snapshot.Collections[collectionID] = index
		empty = false
	}
	if err := collectionRows.Err(); err != nil {
		return nil, err
	}

	mutationRows, err := c.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT doc FROM %s ORDER BY position ASC", sqlQuoteIdentifier(sqlMutationsTableName)))
	if err != nil {
		return nil, err
	}
	defer mutationRows.Close()
	for mutationRows.Next() {
		var doc string
		if err := mutationRows.Scan(&doc); err != nil {
			return nil, err
		}
		var mutation BufferedMutation
		if err := json.Unmarshal([]byte(doc), &mutation); err != nil {
			return nil, err
		}
		snapshot.Mutations = append(snapshot.Mutations, mutation)
		empty = false
	}
	if err := mutationRows.Err(); err != nil {
		return nil, err
	}

	if empty {
		return nil, nil
	}
	return snapshot, nil
}

func (c *sqlStateCore) save(state *persistedState) error {
	if state == nil {
		return nil
	}
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{sqlRecordsTableName, sqlCollectionsTableName, sqlMutationsTableName} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", sqlQuoteIdentifier(table))); err != nil {
			return err
		}
	}

	insertRecord := fmt.Sprintf(
		"INSERT INTO %s (collection_id, record_id, doc) VALUES (%s, %s, %s)",
		sqlQuoteIdentifier(sqlRecordsTableName), c.placeholder(1), c.placeholder(2), c.placeholder(3))
	collectionIDs := make([]string, 0, len(state.Records))
	for collectionID := range state.Records {
		collectionIDs = append(collectionIDs, collectionID)
	}
	sort.Strings(collectionIDs)
	for _, collectionID := range collectionIDs {
		byID := state.Records[collectionID]
		recordIDs := make([]string, 0, len(byID))
		for recordID := range byID {
			recordIDs = append(recordIDs, recordID)
		}
		sort.Strings(recordIDs)
		for _, recordID := range recordIDs {
			doc, err := json.Marshal(byID[recordID])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertRecord, collectionID, recordID, string(doc)); err != nil {
				return err
			}
		}
	}

	insertCollection := fmt.Sprintf(
		"INSERT INTO %s (collection_id, doc) VALUES (%s, %s)",
		sqlQuoteIdentifier(sqlCollectionsTableName), c.placeholder(1), c.placeholder(2))
	indexIDs := make([]string, 0, len(state.Collections))
	for collectionID := range state.Collections {
		indexIDs = append(indexIDs, collectionID)
	}
	sort.Strings(indexIDs)
	for _, collectionID := range indexIDs {
		doc, err := json.Marshal(state.Collections[collectionID])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertCollection, collectionID, string(doc)); err != nil {
			return err
		}
	}

	insertMutation := fmt.Sprintf(
		"INSERT INTO %s (mutation_id, position, doc) VALUES (%s, %s, %s)",
		sqlQuoteIdentifier(sqlMutationsTableName), c.placeholder(1), c.placeholder(2), c.placeholder(3))
	for position, mutation := range state.Mutations {
		doc, err := json.Marshal(mutation)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertMutation, mutation.MutationID, position, string(doc)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (c *sqlStateCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func dollarPlaceholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func questionPlaceholder(int) string {
	return "?"
}
