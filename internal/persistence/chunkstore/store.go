// Package chunkstore persists chunk blobs keyed by chunk coordinate.
//
// Every backend stores the chunkcodec blob unchanged, so format checks happen in
// one place. Calls for distinct coordinates may run concurrently.
package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"voxelstream.ai/internal/persistence/chunkcodec"
	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

// ErrNotFound means nothing was ever saved for the coordinate.
var ErrNotFound = errors.New("chunk not found")

// ErrSeedMismatch is returned by OpenWorld when a store belongs to another world.
var ErrSeedMismatch = errors.New("world seed mismatch")

// IOError wraps backend failures. Load and Save never return a bare backend error.
type IOError struct {
	Op    string
	Coord coord.ChunkCoord
	Err   error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("chunkstore %s %s: %v", e.Op, e.Coord, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

type Store interface {
	// Load returns ErrNotFound, an *IOError, or an error wrapping chunkcodec.ErrFormat.
	Load(ctx context.Context, c coord.ChunkCoord) (*voxel.Buffer, error)
	// Save overwrites any previous blob for c.
	Save(ctx context.Context, c coord.ChunkCoord, buf *voxel.Buffer) error
	// LoadMeta returns ErrNotFound on a fresh store.
	LoadMeta(ctx context.Context) (WorldMeta, error)
	SaveMeta(ctx context.Context, m WorldMeta) error
	Close() error
}

// WorldMeta is stored once per world.
type WorldMeta struct {
	FormatVersion uint16    `json:"format_version"`
	Seed          int64     `json:"seed"`
	ChunkEdge     int       `json:"chunk_edge"`
	CreatedAt     time.Time `json:"created_at"`
}

func NewWorldMeta(seed int64) WorldMeta {
	return WorldMeta{
		FormatVersion: chunkcodec.Version,
		Seed:          seed,
		ChunkEdge:     coord.ChunkEdge,
		CreatedAt:     time.Now().UTC(),
	}
}

// OpenWorld binds s to seed, writing metadata on first use.
func OpenWorld(ctx context.Context, s Store, seed int64) (WorldMeta, error) {
	m, err := s.LoadMeta(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		m = NewWorldMeta(seed)
		if err := s.SaveMeta(ctx, m); err != nil {
			return WorldMeta{}, err
		}
		return m, nil
	case err != nil:
		return WorldMeta{}, err
	}
	if m.Seed != seed {
		return m, fmt.Errorf("store has seed %d, config has %d: %w", m.Seed, seed, ErrSeedMismatch)
	}
	if m.FormatVersion != chunkcodec.Version {
		return m, fmt.Errorf("store format version %d (want %d): %w", m.FormatVersion, chunkcodec.Version, chunkcodec.ErrFormat)
	}
	if m.ChunkEdge != coord.ChunkEdge {
		return m, fmt.Errorf("store chunk edge %d (want %d): %w", m.ChunkEdge, coord.ChunkEdge, chunkcodec.ErrFormat)
	}
	return m, nil
}

func encodeMeta(m WorldMeta) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func decodeMeta(b []byte) (WorldMeta, error) {
	var m WorldMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return WorldMeta{}, fmt.Errorf("world meta: %v: %w", err, chunkcodec.ErrFormat)
	}
	return m, nil
}

// decodeBlob is shared by all backends.
func decodeBlob(c coord.ChunkCoord, blob []byte) (*voxel.Buffer, error) {
	return chunkcodec.DecodeFor(c, blob)
}

func encodeBlob(c coord.ChunkCoord, buf *voxel.Buffer) ([]byte, error) {
	blob, err := chunkcodec.Encode(c, buf)
	if err != nil {
		return nil, &IOError{Op: "encode", Coord: c, Err: err}
	}
	return blob, nil
}

type S3Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
	Prefix          string
}

type Config struct {
	Backend string // fs, sqlite, leveldb, s3, memory
	Path    string
	S3      S3Config
}

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "fs":
		return OpenFS(cfg.Path)
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "leveldb":
		return OpenLevelDB(cfg.Path)
	case "s3":
		return OpenS3(ctx, cfg.S3)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
