package chunkstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/persistence/chunkcodec"
	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

// SQLiteStore keeps chunk blobs in a single database file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; the driver does not share a handle across goroutines well.
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
	return &SQLiteStore{db: db}, nil
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
			return err
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
		`CREATE TABLE IF NOT EXISTS chunks (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			version INTEGER NOT NULL,
			data BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (x, y, z)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, c coord.ChunkCoord) (*voxel.Buffer, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM chunks WHERE x=? AND y=? AND z=?`, c.X, c.Y, c.Z).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &IOError{Op: "load", Coord: c, Err: err}
	}
	return decodeBlob(c, blob)
}

func (s *SQLiteStore) Save(ctx context.Context, c coord.ChunkCoord, buf *voxel.Buffer) error {
	blob, err := encodeBlob(c, buf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chunks(x, y, z, version, data, updated_at) VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(x, y, z) DO UPDATE SET version=excluded.version, data=excluded.data, updated_at=excluded.updated_at`,
		c.X, c.Y, c.Z, int(chunkcodec.Version), blob, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &IOError{Op: "save", Coord: c, Err: err}
	}
	return nil
}

func (s *SQLiteStore) LoadMeta(ctx context.Context) (WorldMeta, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='world'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return WorldMeta{}, ErrNotFound
	}
	if err != nil {
		return WorldMeta{}, err
	}
	return decodeMeta([]byte(v))
}

func (s *SQLiteStore) SaveMeta(ctx context.Context, m WorldMeta) error {
	b, err := encodeMeta(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('world', ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		string(b),
	)
	return err
}

// Count reports how many chunks are stored.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
