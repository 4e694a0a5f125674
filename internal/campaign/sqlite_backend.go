package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteBackend mirrors the Postgres snapshot contract for single-host
// installs that want durability without a database server.
type SQLiteBackend struct {
	path     string
	stateKey string
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteBackend{
		path:     path,
		stateKey: "default",
		openDB:   sql.Open,
	}, nil
}

func (b *SQLiteBackend) Load() (*Document, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx,
		"SELECT snapshot FROM campaign_state WHERE state_key = ?", b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (b *SQLiteBackend) Save(doc *Document) error {
	if b == nil || doc == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO campaign_state (state_key, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`,
		b.stateKey, string(payload))
	return err
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("sqlite3", b.path)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS campaign_state (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
