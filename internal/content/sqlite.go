//go:build sqlite
// +build sqlite

package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS media (
    id           TEXT    NOT NULL,
    tenant       TEXT    NOT NULL DEFAULT '',
    category     TEXT    NOT NULL,
    url          TEXT    NOT NULL,
    bytes        INTEGER NOT NULL DEFAULT 0,
    content_type TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (tenant, id)
);
CREATE INDEX IF NOT EXISTS media_category ON media(category);
`

type sqliteProvider struct {
	db       *sql.DB
	maxBytes int64
}

func openSQLite(cfg Config) (Provider, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("content: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &sqliteProvider{db: db, maxBytes: maxBytes}, nil
}

func (p *sqliteProvider) List(ctx context.Context, tenant, category string) ([]Item, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, url, content_type FROM media
		 WHERE (tenant = ? OR tenant = '')
		   AND category >= ? AND category < ? || X'FF'
		   AND bytes <= ?
		 ORDER BY id`,
		tenant, category, category, p.maxBytes,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		var ct string
		if err := rows.Scan(&it.ID, &it.URL, &ct); err != nil {
			return nil, err
		}
		if !allowedType(ct) {
			continue
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *sqliteProvider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
