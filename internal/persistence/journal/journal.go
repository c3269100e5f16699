// Package journal appends lifecycle events to hourly zstd-compressed JSONL segments
// named events-YYYY-MM-DD-HH.jsonl.zst.
package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"voxelstream.ai/internal/sim/lifecycle"
)

const hourLayout = "2006-01-02-15"

// Entry is one journal line. Chunk contents are not journaled, only their digest.
type Entry struct {
	Tick   uint64              `json:"tick"`
	Kind   lifecycle.EventKind `json:"kind"`
	Coord  [3]int              `json:"coord"`
	Digest string              `json:"digest,omitempty"`
	Pos    *[3]int             `json:"pos,omitempty"`
	Block  string              `json:"block,omitempty"`
}

func EntryFor(tick uint64, e *lifecycle.Event) Entry {
	out := Entry{
		Tick:  tick,
		Kind:  e.Kind,
		Coord: [3]int{e.Coord.X, e.Coord.Y, e.Coord.Z},
	}
	switch e.Kind {
	case lifecycle.ChunkReady:
		if e.Data != nil {
			out.Digest = e.Data.Digest()
		}
	case lifecycle.BlockChanged:
		out.Pos = &[3]int{e.Pos.X, e.Pos.Y, e.Pos.Z}
		out.Block = e.Block.String()
	}
	return out
}

// SegmentName is the file holding entries written during hour t.
func SegmentName(t time.Time) string {
	return "events-" + t.UTC().Format(hourLayout) + ".jsonl.zst"
}

// segment is the open file for one hour. Reopening an hour appends a new zstd
// frame; readers decode concatenated frames.
type segment struct {
	hour string
	f    *os.File
	zw   *zstd.Encoder
	bw   *bufio.Writer
	enc  *json.Encoder
}

func openSegment(dir string, t time.Time) (*segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, SegmentName(t)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	bw := bufio.NewWriterSize(zw, 64*1024)
	return &segment{
		hour: t.UTC().Format(hourLayout),
		f:    f,
		zw:   zw,
		bw:   bw,
		enc:  json.NewEncoder(bw),
	}, nil
}

func (s *segment) close() error {
	err := s.bw.Flush()
	if cerr := s.zw.Close(); err == nil {
		err = cerr
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Journal is a runtime sink writing one Entry per event into dir.
type Journal struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger

	mu  sync.Mutex
	seg *segment
}

func New(dir string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{dir: dir, now: time.Now, logger: logger.Named("journal")}
}

// Append writes entries to the current hour's segment, rotating first if the
// hour changed. Entries reach the encoder on return; the zstd frame is only
// complete after rotation or Close.
func (j *Journal) Append(entries ...Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	if j.seg == nil || j.seg.hour != now.UTC().Format(hourLayout) {
		if j.seg != nil {
			err := j.seg.close()
			j.seg = nil
			if err != nil {
				return err
			}
		}
		seg, err := openSegment(j.dir, now)
		if err != nil {
			return err
		}
		j.seg = seg
	}
	for i := range entries {
		if err := j.seg.enc.Encode(&entries[i]); err != nil {
			return err
		}
	}
	return j.seg.bw.Flush()
}

func (j *Journal) Publish(tick uint64, events []lifecycle.Event) {
	if len(events) == 0 {
		return
	}
	entries := make([]Entry, len(events))
	for i := range events {
		entries[i] = EntryFor(tick, &events[i])
	}
	if err := j.Append(entries...); err != nil {
		j.logger.Error("journal append", zap.Uint64("tick", tick), zap.Int("entries", len(entries)), zap.Error(err))
	}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.seg == nil {
		return nil
	}
	err := j.seg.close()
	j.seg = nil
	return err
}
