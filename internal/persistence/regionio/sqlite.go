package regionio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db     *sql.DB
	insert *sql.Stmt
}

func OpenSQLite(path string, opts Options) (*AsyncStore, error) {
	if path == "" {
		return nil, fmt.Errorf("regionio: empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	insert, err := db.Prepare(`INSERT OR REPLACE INTO chunk_payloads(x,z,kind,data,checksum,saved_at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b := &sqliteBackend{db: db, insert: insert}
	s, err := newAsyncStore(b, opts)
	if err != nil {
		_ = b.close()
		return nil, err
	}
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("regionio: %s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunk_payloads (
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			data BLOB NOT NULL,
			checksum INTEGER NOT NULL,
			saved_at TEXT NOT NULL,
			PRIMARY KEY (x, z, kind)
		) WITHOUT ROWID;`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_payloads_saved_at ON chunk_payloads(saved_at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("regionio: init schema: %w", err)
		}
	}
	return nil
}

func (b *sqliteBackend) name() string { return "sqlite" }

func (b *sqliteBackend) close() error {
	_ = b.insert.Close()
	return b.db.Close()
}

func (b *sqliteBackend) put(batch []record) error {
	tx, err := b.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt := tx.Stmt(b.insert)
	for _, rec := range batch {
		if _, err := stmt.Exec(
			rec.key.x,
			rec.key.z,
			int(rec.key.kind),
			rec.frame,
			int64(frameChecksum(rec.frame)),
			rec.savedAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert %s %s: %w", rec.key.pos(), rec.key.kind, err)
		}
	}
	return tx.Commit()
}

func (b *sqliteBackend) get(ctx context.Context, key recordKey) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM chunk_payloads WHERE x=? AND z=? AND kind=?`,
		key.x, key.z, int(key.kind),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (b *sqliteBackend) scan(ctx context.Context, fn func(recordKey, []byte, time.Time) error) error {
	rows, err := b.db.QueryContext(ctx, `SELECT x,z,kind,data,saved_at FROM chunk_payloads ORDER BY x,z,kind`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key     recordKey
			kind    int
			data    []byte
			savedAt string
		)
		if err := rows.Scan(&key.x, &key.z, &kind, &data, &savedAt); err != nil {
			return err
		}
		key.kind = Kind(kind)
		ts, _ := time.Parse(time.RFC3339Nano, savedAt)
		if err := fn(key, data, ts); err != nil {
			return err
		}
	}
	return rows.Err()
}
