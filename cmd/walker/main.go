package main

import (
	"encoding/json"
	"flag"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voxelstream.ai/internal/logging"
	"voxelstream.ai/internal/streamproto"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "walker", "viewer name")
		startX   = flag.Float64("x", 8, "start x")
		startY   = flag.Float64("y", 72, "start y")
		startZ   = flag.Float64("z", 8, "start z")
		heading  = flag.Float64("heading", 0, "walking direction in degrees (0 = +x)")
		speed    = flag.Float64("speed", 8, "blocks per second")
		interval = flag.Duration("interval", 250*time.Millisecond, "MOVE interval")
		editTick = flag.Int("edit_every", 0, "send an EDIT below the walker every N moves (0 disables)")
		level    = flag.String("log_level", "info", "log level")
	)
	flag.Parse()

	logger := logging.Must(*level, "console").Named("walker")
	defer func() { _ = logger.Sync() }()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	pos := [3]float64{*startX, *startY, *startZ}
	sub := streamproto.SubscribeMsg{
		Type:            streamproto.TypeSubscribe,
		ProtocolVersion: streamproto.Version,
		Name:            *name,
		Pos:             pos,
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatal("send SUBSCRIBE", zap.Error(err))
	}

	readErr := make(chan error, 1)
	go func() { readErr <- readLoop(conn, logger) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	rad := *heading * math.Pi / 180
	step := *speed * interval.Seconds()
	dx, dz := math.Cos(rad)*step, math.Sin(rad)*step

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	var moves int
	var seq uint64
	for {
		select {
		case <-stop:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		case err := <-readErr:
			logger.Info("connection closed", zap.Error(err))
			return
		case <-ticker.C:
			pos[0] += dx
			pos[2] += dz
			moves++
			if err := conn.WriteJSON(streamproto.MoveMsg{Type: streamproto.TypeMove, Pos: pos}); err != nil {
				logger.Warn("send MOVE", zap.Error(err))
				return
			}
			if *editTick > 0 && moves%*editTick == 0 {
				seq++
				ed := streamproto.EditMsg{
					Type:  streamproto.TypeEdit,
					Seq:   seq,
					Pos:   [3]int{int(math.Floor(pos[0])), int(math.Floor(pos[1])) - 1, int(math.Floor(pos[2]))},
					Block: "CRYSTAL_ORE",
				}
				if err := conn.WriteJSON(ed); err != nil {
					logger.Warn("send EDIT", zap.Error(err))
					return
				}
			}
		}
	}
}

func readLoop(conn *websocket.Conn, logger *zap.Logger) error {
	resident := map[[3]int]struct{}{}
	lastReport := time.Now()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		base, err := streamproto.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case streamproto.TypeWelcome:
			var w streamproto.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err == nil {
				logger.Info("WELCOME", zap.String("session", w.SessionID), zap.Uint64("tick", w.Tick))
			}
		case streamproto.TypeChunkReady:
			var m streamproto.ChunkReadyMsg
			if err := json.Unmarshal(msg, &m); err == nil {
				resident[m.Coord] = struct{}{}
			}
		case streamproto.TypeChunkRemoved:
			var m streamproto.ChunkRemovedMsg
			if err := json.Unmarshal(msg, &m); err == nil {
				delete(resident, m.Coord)
			}
		case streamproto.TypeAck:
			var a streamproto.AckMsg
			if err := json.Unmarshal(msg, &a); err == nil {
				logger.Debug("ACK", zap.Uint64("seq", a.Seq))
			}
		case streamproto.TypeError:
			var e streamproto.ErrorMsg
			if err := json.Unmarshal(msg, &e); err == nil {
				logger.Warn("ERROR", zap.Uint64("seq", e.Seq), zap.String("code", e.Code), zap.String("message", e.Message))
			}
		}
		if time.Since(lastReport) > 2*time.Second {
			logger.Info("resident chunks", zap.Int("count", len(resident)))
			lastReport = time.Now()
		}
	}
}
