package chunkstore

import (
	"context"
	"sync"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

// Memory is a volatile store. It still round-trips through the blob codec.
type Memory struct {
	mu     sync.Mutex
	chunks map[coord.ChunkCoord][]byte
	meta   *WorldMeta

	failSave func(c coord.ChunkCoord) error
	saves    int
}

func NewMemory() *Memory {
	return &Memory{chunks: map[coord.ChunkCoord][]byte{}}
}

func (m *Memory) Load(ctx context.Context, c coord.ChunkCoord) (*voxel.Buffer, error) {
	m.mu.Lock()
	blob, ok := m.chunks[c]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeBlob(c, blob)
}

func (m *Memory) Save(ctx context.Context, c coord.ChunkCoord, buf *voxel.Buffer) error {
	m.mu.Lock()
	fail := m.failSave
	m.mu.Unlock()
	if fail != nil {
		if err := fail(c); err != nil {
			return &IOError{Op: "save", Coord: c, Err: err}
		}
	}
	blob, err := encodeBlob(c, buf)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.chunks[c] = blob
	m.saves++
	m.mu.Unlock()
	return nil
}

// PutRaw stores a blob as-is.
func (m *Memory) PutRaw(c coord.ChunkCoord, blob []byte) {
	m.mu.Lock()
	m.chunks[c] = append([]byte(nil), blob...)
	m.mu.Unlock()
}

// SetFailSave installs a hook consulted before every Save. A non-nil result fails the call.
func (m *Memory) SetFailSave(f func(c coord.ChunkCoord) error) {
	m.mu.Lock()
	m.failSave = f
	m.mu.Unlock()
}

func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

func (m *Memory) LoadMeta(ctx context.Context) (WorldMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta == nil {
		return WorldMeta{}, ErrNotFound
	}
	return *m.meta, nil
}

func (m *Memory) SaveMeta(ctx context.Context, meta WorldMeta) error {
	m.mu.Lock()
	m.meta = &meta
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
