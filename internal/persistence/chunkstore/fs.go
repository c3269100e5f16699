package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

// FSStore keeps one file per chunk under <root>/chunks/<x>/<z>/<y>.vxc.
type FSStore struct {
	root string
}

func OpenFS(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("empty store path")
	}
	if err := os.MkdirAll(filepath.Join(root, "chunks"), 0o755); err != nil {
		return nil, err
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) chunkPath(c coord.ChunkCoord) string {
	return filepath.Join(s.root, "chunks", fmt.Sprint(c.X), fmt.Sprint(c.Z), fmt.Sprintf("%d.vxc", c.Y))
}

func (s *FSStore) Load(ctx context.Context, c coord.ChunkCoord) (*voxel.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, &IOError{Op: "load", Coord: c, Err: err}
	}
	blob, err := os.ReadFile(s.chunkPath(c))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &IOError{Op: "load", Coord: c, Err: err}
	}
	return decodeBlob(c, blob)
}

func (s *FSStore) Save(ctx context.Context, c coord.ChunkCoord, buf *voxel.Buffer) error {
	if err := ctx.Err(); err != nil {
		return &IOError{Op: "save", Coord: c, Err: err}
	}
	blob, err := encodeBlob(c, buf)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.chunkPath(c), blob); err != nil {
		return &IOError{Op: "save", Coord: c, Err: err}
	}
	return nil
}

func (s *FSStore) LoadMeta(ctx context.Context) (WorldMeta, error) {
	b, err := os.ReadFile(filepath.Join(s.root, "world.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return WorldMeta{}, ErrNotFound
	}
	if err != nil {
		return WorldMeta{}, err
	}
	return decodeMeta(b)
}

func (s *FSStore) SaveMeta(ctx context.Context, m WorldMeta) error {
	b, err := encodeMeta(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.root, "world.json"), b)
}

func (s *FSStore) Close() error { return nil }

// writeFileAtomic writes to a temp file in the same directory, then renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
