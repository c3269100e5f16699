package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voxelstream.ai/internal/persistence/chunkcodec"
	"voxelstream.ai/internal/persistence/chunkstore"
	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/executor"
	"voxelstream.ai/internal/sim/lifecycle"
	simruntime "voxelstream.ai/internal/sim/runtime"
	"voxelstream.ai/internal/sim/terrain/gen"
	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/streamproto"
)

var center = coord.ChunkCoord{X: 0, Y: 4, Z: 0}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	pool := executor.New[lifecycle.TaskResult](2, zap.NewNop())
	t.Cleanup(pool.Close)
	cfg := lifecycle.Config{RadiusHorizontal: 1, RadiusVertical: 1, SaveAttempts: 1}
	mgr := lifecycle.New(cfg, chunkstore.NewMemory(), gen.New(7, gen.Params{}), pool, zap.NewNop())
	rt := simruntime.New(simruntime.Config{TickRateHz: 100, ShutdownTimeout: 5 * time.Second}, mgr, zap.NewNop())

	srv := NewServer(rt, WorldInfo{WorldID: "test", Seed: 7, TickRateHz: 100, RadiusHorizontal: 1, RadiusVertical: 1}, Options{}, zap.NewNop())
	rt.AddSink(srv.Hub())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
		srv.Close()
	})
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	base, err := streamproto.DecodeBase(b)
	require.NoError(t, err)
	return base.Type, b
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	for i := 0; i < 1000; i++ {
		got, b := readMsg(t, conn)
		if got == typ {
			return b
		}
	}
	t.Fatalf("no %s message", typ)
	return nil
}

func subscribe(t *testing.T, conn *websocket.Conn) streamproto.WelcomeMsg {
	t.Helper()
	o := coord.ChunkToWorldOrigin(center)
	require.NoError(t, conn.WriteJSON(streamproto.SubscribeMsg{
		Type:            streamproto.TypeSubscribe,
		ProtocolVersion: streamproto.Version,
		Name:            "tester",
		Pos:             [3]float64{o.X + 8, o.Y + 8, o.Z + 8},
	}))
	typ, b := readMsg(t, conn)
	require.Equal(t, streamproto.TypeWelcome, typ)
	var w streamproto.WelcomeMsg
	require.NoError(t, json.Unmarshal(b, &w))
	return w
}

func TestSubscribeStreamsNeighbourhood(t *testing.T) {
	ts := startServer(t)
	conn := dial(t, ts)
	w := subscribe(t, conn)
	require.NotEmpty(t, w.SessionID)

	ready := map[[3]int]bool{}
	for len(ready) < 27 {
		b := readUntil(t, conn, streamproto.TypeChunkReady)
		var m streamproto.ChunkReadyMsg
		require.NoError(t, json.Unmarshal(b, &m))
		c := coord.ChunkCoord{X: m.Coord[0], Y: m.Coord[1], Z: m.Coord[2]}
		_, buf, err := chunkcodec.Decode(m.Blob)
		require.NoError(t, err)
		require.Equal(t, m.Digest, buf.Digest())
		h, v := coord.Chebyshev(center, c)
		require.LessOrEqual(t, h, 1)
		require.LessOrEqual(t, v, 1)
		ready[m.Coord] = true
	}
}

func TestEditAckAndErrors(t *testing.T) {
	ts := startServer(t)
	conn := dial(t, ts)
	subscribe(t, conn)
	ready := map[[3]int]bool{}
	for len(ready) < 27 {
		var m streamproto.ChunkReadyMsg
		require.NoError(t, json.Unmarshal(readUntil(t, conn, streamproto.TypeChunkReady), &m))
		ready[m.Coord] = true
	}

	pos := coord.Join(center, coord.Local{X: 3, Y: 3, Z: 3})
	send := func(seq uint64, p coord.BlockPos, block string) {
		require.NoError(t, conn.WriteJSON(streamproto.EditMsg{
			Type:  streamproto.TypeEdit,
			Seq:   seq,
			Pos:   [3]int{p.X, p.Y, p.Z},
			Block: block,
		}))
	}

	// Duplicate CHUNK_READY from the initial sync may still be queued; readUntil skips them.
	send(1, pos, "CRYSTAL_ORE")
	var ack streamproto.AckMsg
	require.NoError(t, json.Unmarshal(readUntil(t, conn, streamproto.TypeAck), &ack))
	require.Equal(t, uint64(1), ack.Seq)

	send(2, pos, "NOT_A_BLOCK")
	var e streamproto.ErrorMsg
	require.NoError(t, json.Unmarshal(readUntil(t, conn, streamproto.TypeError), &e))
	require.Equal(t, uint64(2), e.Seq)
	require.Equal(t, streamproto.ErrBadRequest, e.Code)

	send(3, coord.BlockPos{X: 4000, Y: 64, Z: 4000}, "STONE")
	require.NoError(t, json.Unmarshal(readUntil(t, conn, streamproto.TypeError), &e))
	require.Equal(t, uint64(3), e.Seq)
	require.Equal(t, streamproto.ErrNotResident, e.Code)
	require.True(t, streamproto.IsKnownCode(e.Code))

	res, err := http.Get(ts.URL + "/v1/chunks/0/4/0")
	require.NoError(t, err)
	defer res.Body.Close()
	var st streamproto.ChunkStateResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	require.Equal(t, "RESIDENT", st.State)
	require.True(t, st.Dirty)
	require.NotEmpty(t, st.Digest)
}

func TestHandshakeRejectsWrongFirstMessage(t *testing.T) {
	ts := startServer(t)
	conn := dial(t, ts)
	require.NoError(t, conn.WriteJSON(streamproto.MoveMsg{Type: streamproto.TypeMove}))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestBootstrapAndStats(t *testing.T) {
	ts := startServer(t)

	res, err := http.Get(ts.URL + "/v1/bootstrap")
	require.NoError(t, err)
	defer res.Body.Close()
	var boot streamproto.BootstrapResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&boot))
	require.Equal(t, streamproto.Version, boot.ProtocolVersion)
	require.Equal(t, "test", boot.WorldID)
	require.Equal(t, int64(7), boot.WorldParams.Seed)
	require.Equal(t, [3]int{16, 16, 16}, boot.WorldParams.ChunkSize)
	require.Contains(t, boot.BlockPalette, "AIR")

	res2, err := http.Get(ts.URL + "/v1/stats")
	require.NoError(t, err)
	defer res2.Body.Close()
	var st StatsResponse
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&st))
	require.Equal(t, 0, st.Sessions)

	res3, err := http.Get(ts.URL + "/v1/chunks/a/0/0")
	require.NoError(t, err)
	res3.Body.Close()
	require.Equal(t, http.StatusBadRequest, res3.StatusCode)
}

func TestIsLoopbackRemote(t *testing.T) {
	require.True(t, isLoopbackRemote("127.0.0.1:5555"))
	require.True(t, isLoopbackRemote("[::1]:80"))
	require.False(t, isLoopbackRemote("10.0.0.3:80"))
	require.False(t, isLoopbackRemote("garbage"))
}

func TestHubKicksSlowSession(t *testing.T) {
	h := newHub(1, 1, 4, zap.NewNop())
	s := h.join("slow", center, 1)
	events := []lifecycle.Event{
		{Kind: lifecycle.ChunkRemoved, Coord: center},
		{Kind: lifecycle.ChunkRemoved, Coord: center.Add(1, 0, 0)},
		{Kind: lifecycle.ChunkRemoved, Coord: center.Add(5, 0, 0)}, // out of range
	}
	h.deliver(1, events)
	select {
	case <-s.kicked:
	default:
		t.Fatal("expected slow session to be kicked")
	}
	require.Len(t, s.out, 1)
	h.leave("slow")
	require.Equal(t, 0, h.Sessions())
}

func TestHubPublishDoesNotEncodeOnCaller(t *testing.T) {
	// No delivery goroutine: whatever Publish does happens on this goroutine.
	h := newHub(1, 1, 1, zap.NewNop())
	s := h.join("a", center, 16)
	ready := []lifecycle.Event{{Kind: lifecycle.ChunkReady, Coord: center, Data: voxel.New()}}

	h.Publish(1, ready)
	require.Empty(t, s.out, "blob encoding is left to the hub goroutine")
	select {
	case <-s.kicked:
		t.Fatal("kicked before the queue filled")
	default:
	}

	h.Publish(2, ready)
	select {
	case <-s.kicked:
	default:
		t.Fatal("expected a full hub queue to kick sessions")
	}
}

func TestHubDeliversAsynchronously(t *testing.T) {
	h := NewHub(1, 1, zap.NewNop())
	s := h.join("a", center, 16)
	h.Publish(3, []lifecycle.Event{{Kind: lifecycle.ChunkReady, Coord: center, Data: voxel.New()}})
	h.Close()
	h.Publish(4, []lifecycle.Event{{Kind: lifecycle.ChunkRemoved, Coord: center}})

	require.Len(t, s.out, 1)
	var m streamproto.ChunkReadyMsg
	require.NoError(t, json.Unmarshal(<-s.out, &m))
	require.Equal(t, uint64(3), m.Tick)
	require.Equal(t, voxel.New().Digest(), m.Digest)
}
