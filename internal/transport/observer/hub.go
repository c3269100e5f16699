package observer

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"voxelstream.ai/internal/persistence/chunkcodec"
	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/lifecycle"
	"voxelstream.ai/internal/streamproto"
)

type session struct {
	id     string
	out    chan []byte
	kicked chan struct{}
	once   sync.Once

	// guarded by Hub.mu
	center coord.ChunkCoord
}

func (s *session) kick() {
	s.once.Do(func() { close(s.kicked) })
}

// Hub fans lifecycle events out to websocket sessions near each event.
// It implements runtime.Sink. Publish only queues the batch; blob encoding and
// fan-out happen on the hub's own goroutine so the tick never compresses chunks.
type Hub struct {
	rh, rv int
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	qmu    sync.RWMutex
	queue  chan hubBatch
	closed bool
	done   chan struct{}
}

type hubBatch struct {
	tick   uint64
	events []lifecycle.Event
}

func NewHub(radiusH, radiusV int, logger *zap.Logger) *Hub {
	h := newHub(radiusH, radiusV, 256, logger)
	go h.run()
	return h
}

func newHub(radiusH, radiusV, queue int, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rh:       radiusH,
		rv:       radiusV,
		logger:   logger.Named("hub"),
		sessions: map[string]*session{},
		queue:    make(chan hubBatch, queue),
		done:     make(chan struct{}),
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for b := range h.queue {
		h.deliver(b.tick, b.events)
	}
}

// Close stops accepting batches and waits until the queued ones are delivered.
func (h *Hub) Close() {
	h.qmu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.qmu.Unlock()
	<-h.done
}

func (h *Hub) join(id string, center coord.ChunkCoord, buffer int) *session {
	s := &session{
		id:     id,
		out:    make(chan []byte, buffer),
		kicked: make(chan struct{}),
		center: center,
	}
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
	return s
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *Hub) move(id string, center coord.ChunkCoord) {
	h.mu.Lock()
	if s := h.sessions[id]; s != nil {
		s.center = center
	}
	h.mu.Unlock()
}

func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) near(center, c coord.ChunkCoord) bool {
	dh, dv := coord.Chebyshev(center, c)
	return dh <= h.rh && dv <= h.rv
}

// send queues b for s and kicks s if its buffer is full.
func (h *Hub) send(s *session, b []byte) bool {
	select {
	case s.out <- b:
		return true
	default:
		h.logger.Warn("session too slow, disconnecting", zap.String("session", s.id))
		s.kick()
		return false
	}
}

// Publish queues one tick's events. When the queue is full every session is
// kicked, since a dropped batch would leave clients with a stale resident set;
// they resync on reconnect.
func (h *Hub) Publish(tick uint64, events []lifecycle.Event) {
	if len(events) == 0 {
		return
	}
	h.qmu.RLock()
	defer h.qmu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- hubBatch{tick: tick, events: events}:
	default:
		h.mu.RLock()
		n := len(h.sessions)
		for _, s := range h.sessions {
			s.kick()
		}
		h.mu.RUnlock()
		h.logger.Warn("hub behind, disconnecting sessions", zap.Uint64("tick", tick), zap.Int("sessions", n))
	}
}

func (h *Hub) deliver(tick uint64, events []lifecycle.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.sessions) == 0 {
		return
	}
	encoded := make([][]byte, len(events))
	for i := range events {
		e := &events[i]
		for _, s := range h.sessions {
			if !h.near(s.center, e.Coord) {
				continue
			}
			if encoded[i] == nil {
				b, err := encodeEvent(tick, e)
				if err != nil {
					h.logger.Error("encode event", zap.Stringer("coord", e.Coord), zap.Error(err))
					break
				}
				encoded[i] = b
			}
			h.send(s, encoded[i])
		}
	}
}

func coordArray(c coord.ChunkCoord) [3]int { return [3]int{c.X, c.Y, c.Z} }

func encodeEvent(tick uint64, e *lifecycle.Event) ([]byte, error) {
	switch e.Kind {
	case lifecycle.ChunkReady:
		return encodeChunkReady(tick, e.Coord, e)
	case lifecycle.ChunkRemoved:
		return json.Marshal(streamproto.ChunkRemovedMsg{
			Type:  streamproto.TypeChunkRemoved,
			Tick:  tick,
			Coord: coordArray(e.Coord),
		})
	default:
		return json.Marshal(streamproto.BlockChangedMsg{
			Type:  streamproto.TypeBlockChanged,
			Tick:  tick,
			Pos:   [3]int{e.Pos.X, e.Pos.Y, e.Pos.Z},
			Block: e.Block.String(),
		})
	}
}

func encodeChunkReady(tick uint64, c coord.ChunkCoord, e *lifecycle.Event) ([]byte, error) {
	blob, err := chunkcodec.Encode(c, e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(streamproto.ChunkReadyMsg{
		Type:   streamproto.TypeChunkReady,
		Tick:   tick,
		Coord:  coordArray(c),
		Digest: e.Data.Digest(),
		Blob:   blob,
	})
}
