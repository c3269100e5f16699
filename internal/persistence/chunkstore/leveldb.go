package chunkstore

import (
	"context"
	"errors"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

var metaKey = ds.NewKey("/meta/world")

// LevelDBStore keeps blobs under /chunks/<x>/<y>/<z> in a leveldb datastore.
type LevelDBStore struct {
	db *dslvl.Datastore
}

func OpenLevelDB(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty leveldb path")
	}
	db, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func chunkKey(c coord.ChunkCoord) ds.Key {
	return ds.NewKey(fmt.Sprintf("/chunks/%d/%d/%d", c.X, c.Y, c.Z))
}

func (s *LevelDBStore) Load(ctx context.Context, c coord.ChunkCoord) (*voxel.Buffer, error) {
	blob, err := s.db.Get(ctx, chunkKey(c))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &IOError{Op: "load", Coord: c, Err: err}
	}
	return decodeBlob(c, blob)
}

func (s *LevelDBStore) Save(ctx context.Context, c coord.ChunkCoord, buf *voxel.Buffer) error {
	blob, err := encodeBlob(c, buf)
	if err != nil {
		return err
	}
	if err := s.db.Put(ctx, chunkKey(c), blob); err != nil {
		return &IOError{Op: "save", Coord: c, Err: err}
	}
	return nil
}

func (s *LevelDBStore) LoadMeta(ctx context.Context) (WorldMeta, error) {
	b, err := s.db.Get(ctx, metaKey)
	if errors.Is(err, ds.ErrNotFound) {
		return WorldMeta{}, ErrNotFound
	}
	if err != nil {
		return WorldMeta{}, err
	}
	return decodeMeta(b)
}

func (s *LevelDBStore) SaveMeta(ctx context.Context, m WorldMeta) error {
	b, err := encodeMeta(m)
	if err != nil {
		return err
	}
	return s.db.Put(ctx, metaKey, b)
}

func (s *LevelDBStore) Has(ctx context.Context, c coord.ChunkCoord) (bool, error) {
	return s.db.Has(ctx, chunkKey(c))
}

func (s *LevelDBStore) Close() error { return s.db.Close() }
