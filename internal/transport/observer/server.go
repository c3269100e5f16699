package observer

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/lifecycle"
	simruntime "voxelstream.ai/internal/sim/runtime"
	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/streamproto"
)

type WorldInfo struct {
	WorldID          string
	Seed             int64
	TickRateHz       int
	RadiusHorizontal int
	RadiusVertical   int
}

type Options struct {
	// AllowRemote accepts non-loopback clients.
	AllowRemote   bool
	SessionBuffer int
}

type StatsResponse struct {
	Runtime  simruntime.Stats `json:"runtime"`
	Sessions int              `json:"sessions"`
}

type Server struct {
	rt     *simruntime.Runtime
	hub    *Hub
	info   WorldInfo
	opts   Options
	logger *zap.Logger

	upgrader websocket.Upgrader
}

func NewServer(rt *simruntime.Runtime, info WorldInfo, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionBuffer <= 0 {
		opts.SessionBuffer = 4096
	}
	logger = logger.Named("observer")
	return &Server{
		rt:     rt,
		hub:    NewHub(info.RadiusHorizontal, info.RadiusVertical, logger),
		info:   info,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Hub is the sink that must be registered with the runtime for sessions to see events.
func (s *Server) Hub() *Hub { return s.hub }

// Close flushes the hub. Call it after the runtime has stopped publishing.
func (s *Server) Close() { s.hub.Close() }

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.guard)
	r.HandleFunc("/v1/bootstrap", s.handleBootstrap).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/chunks/{x}/{y}/{z}", s.handleChunk).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws", s.handleWS)
	return r
}

func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !s.opts.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *Server) handleBootstrap(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, streamproto.BootstrapResponse{
		ProtocolVersion: streamproto.Version,
		WorldID:         s.info.WorldID,
		Tick:            s.rt.Stats().Lifecycle.Tick,
		WorldParams: streamproto.WorldParams{
			TickRateHz:       s.info.TickRateHz,
			ChunkSize:        [3]int{coord.ChunkEdge, coord.ChunkEdge, coord.ChunkEdge},
			MinY:             coord.MinBlockY,
			MaxY:             coord.MaxBlockY,
			Seed:             s.info.Seed,
			RadiusHorizontal: s.info.RadiusHorizontal,
			RadiusVertical:   s.info.RadiusVertical,
		},
		BlockPalette: voxel.Palette(),
	})
}

func (s *Server) handleStats(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, StatsResponse{Runtime: s.rt.Stats(), Sessions: s.hub.Sessions()})
}

func (s *Server) handleChunk(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var xyz [3]int
	for i, k := range []string{"x", "y", "z"} {
		v, err := strconv.Atoi(vars[k])
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, streamproto.ErrorMsg{Type: streamproto.TypeError, Code: streamproto.ErrBadRequest, Message: "bad " + k})
			return
		}
		xyz[i] = v
	}
	c := coord.ChunkCoord{X: xyz[0], Y: xyz[1], Z: xyz[2]}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var resp streamproto.ChunkStateResponse
	err := s.rt.Do(ctx, func(m *lifecycle.Manager) {
		resp = streamproto.ChunkStateResponse{Coord: xyz, State: m.State(c).String(), Dirty: m.Dirty(c)}
		if buf, ok := m.ChunkData(c); ok {
			resp.Digest = buf.Digest()
		}
	})
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, streamproto.ErrorMsg{Type: streamproto.TypeError, Code: streamproto.ErrStopped, Message: err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func toVec(p [3]float64) coord.Vec3 { return coord.Vec3{X: p[0], Y: p[1], Z: p[2]} }

func (s *Server) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Handshake: must send SUBSCRIBE first.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var sub streamproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
		return
	}
	if sub.Type != streamproto.TypeSubscribe || sub.ProtocolVersion != streamproto.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sid := uuid.NewString()
	pos := toVec(sub.Pos)
	sess := s.hub.join(sid, coord.WorldToChunk(pos), s.opts.SessionBuffer)
	defer s.hub.leave(sid)

	if err := s.rt.SetViewer(ctx, sid, pos); err != nil {
		closeWith(conn, websocket.CloseTryAgainLater, "server stopping")
		return
	}
	defer func() {
		rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
		defer rcancel()
		_ = s.rt.RemoveViewer(rctx, sid)
	}()
	logger := s.logger.With(zap.String("session", sid), zap.String("name", sub.Name))
	logger.Info("session subscribed", zap.Stringer("chunk", coord.WorldToChunk(pos)))

	welcome, _ := json.Marshal(streamproto.WelcomeMsg{
		Type:            streamproto.TypeWelcome,
		ProtocolVersion: streamproto.Version,
		SessionID:       sid,
		Tick:            s.rt.Stats().Lifecycle.Tick,
	})
	s.hub.send(sess, welcome)
	s.syncResident(ctx, sess, coord.WorldToChunk(pos))

	// Writer goroutine.
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				writeErr <- ctx.Err()
				return
			case <-sess.kicked:
				closeWith(conn, websocket.CloseTryAgainLater, "too slow")
				_ = conn.Close()
				writeErr <- nil
				return
			case b := <-sess.out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					_ = conn.Close()
					writeErr <- err
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleClientMessage(ctx, sess, msg)
	}

	cancel()
	closeWith(conn, websocket.CloseNormalClosure, "bye")

	// Best-effort wait for the writer to stop so it doesn't outlive conn.
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
	logger.Info("session closed")
}

// syncResident sends chunks that were already resident before the session joined.
// Events published meanwhile may arrive twice; clients treat CHUNK_READY as idempotent.
func (s *Server) syncResident(ctx context.Context, sess *session, center coord.ChunkCoord) {
	var events []lifecycle.Event
	_ = s.rt.Do(ctx, func(m *lifecycle.Manager) {
		for _, c := range m.ResidentCoords() {
			if !s.hub.near(center, c) {
				continue
			}
			if buf, ok := m.ChunkData(c); ok {
				events = append(events, lifecycle.Event{Tick: m.CurrentTick(), Kind: lifecycle.ChunkReady, Coord: c, Data: buf})
			}
		}
	})
	for i := range events {
		b, err := encodeEvent(events[i].Tick, &events[i])
		if err != nil {
			continue
		}
		if !s.hub.send(sess, b) {
			return
		}
	}
}

func (s *Server) reply(sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.hub.send(sess, b)
}

func errorMsg(seq uint64, code, text string) streamproto.ErrorMsg {
	return streamproto.ErrorMsg{Type: streamproto.TypeError, Seq: seq, Code: code, Message: text}
}

func (s *Server) handleClientMessage(ctx context.Context, sess *session, msg []byte) {
	base, err := streamproto.DecodeBase(msg)
	if err != nil {
		s.reply(sess, errorMsg(0, streamproto.ErrProtoBadRequest, "bad json"))
		return
	}
	switch base.Type {
	case streamproto.TypeMove, streamproto.TypeSubscribe:
		var mv streamproto.MoveMsg
		if err := json.Unmarshal(msg, &mv); err != nil {
			s.reply(sess, errorMsg(0, streamproto.ErrProtoBadRequest, "bad move"))
			return
		}
		pos := toVec(mv.Pos)
		if err := s.rt.SetViewer(ctx, sess.id, pos); err != nil {
			s.reply(sess, errorMsg(0, streamproto.ErrStopped, err.Error()))
			return
		}
		s.hub.move(sess.id, coord.WorldToChunk(pos))

	case streamproto.TypeEdit:
		var ed streamproto.EditMsg
		if err := json.Unmarshal(msg, &ed); err != nil {
			s.reply(sess, errorMsg(0, streamproto.ErrProtoBadRequest, "bad edit"))
			return
		}
		b, ok := voxel.ParseBlock(ed.Block)
		if !ok {
			s.reply(sess, errorMsg(ed.Seq, streamproto.ErrBadRequest, "unknown block "+ed.Block))
			return
		}
		err := s.rt.Edit(ctx, coord.BlockPos{X: ed.Pos[0], Y: ed.Pos[1], Z: ed.Pos[2]}, b)
		switch {
		case err == nil:
			s.reply(sess, streamproto.AckMsg{Type: streamproto.TypeAck, Seq: ed.Seq})
		case errors.Is(err, lifecycle.ErrNotResident):
			s.reply(sess, errorMsg(ed.Seq, streamproto.ErrNotResident, err.Error()))
		case errors.Is(err, simruntime.ErrStopped):
			s.reply(sess, errorMsg(ed.Seq, streamproto.ErrStopped, err.Error()))
		default:
			s.reply(sess, errorMsg(ed.Seq, streamproto.ErrInternal, err.Error()))
		}

	default:
		s.reply(sess, errorMsg(0, streamproto.ErrProtoBadRequest, "unknown type "+base.Type))
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
