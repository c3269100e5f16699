// Package streamproto holds the JSON messages exchanged with chunk stream clients.
package streamproto

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeSubscribe    = "SUBSCRIBE"
	TypeMove         = "MOVE"
	TypeEdit         = "EDIT"
	TypeWelcome      = "WELCOME"
	TypeChunkReady   = "CHUNK_READY"
	TypeChunkRemoved = "CHUNK_REMOVED"
	TypeBlockChanged = "BLOCK_CHANGED"
	TypeAck          = "ACK"
	TypeError        = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Client -> Server. First message on the connection; the sender becomes a viewer at Pos.
type SubscribeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Name            string     `json:"name,omitempty"`
	Pos             [3]float64 `json:"pos"`
}

// Client -> Server.
type MoveMsg struct {
	Type string     `json:"type"`
	Pos  [3]float64 `json:"pos"`
}

// Client -> Server. Block is a palette name such as "STONE".
type EditMsg struct {
	Type  string `json:"type"`
	Seq   uint64 `json:"seq"`
	Pos   [3]int `json:"pos"`
	Block string `json:"block"`
}

// Server -> Client, once after SUBSCRIBE.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Tick            uint64 `json:"tick"`
}

// Server -> Client. Blob is a chunkcodec blob (base64 in JSON).
type ChunkReadyMsg struct {
	Type   string `json:"type"`
	Tick   uint64 `json:"tick"`
	Coord  [3]int `json:"coord"`
	Digest string `json:"digest"`
	Blob   []byte `json:"blob"`
}

type ChunkRemovedMsg struct {
	Type  string `json:"type"`
	Tick  uint64 `json:"tick"`
	Coord [3]int `json:"coord"`
}

type BlockChangedMsg struct {
	Type  string `json:"type"`
	Tick  uint64 `json:"tick"`
	Pos   [3]int `json:"pos"`
	Block string `json:"block"`
}

type AckMsg struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	WorldID         string      `json:"world_id"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
	BlockPalette    []string    `json:"block_palette"`
}

type WorldParams struct {
	TickRateHz       int    `json:"tick_rate_hz"`
	ChunkSize        [3]int `json:"chunk_size"`
	MinY             int    `json:"min_y"`
	MaxY             int    `json:"max_y"`
	Seed             int64  `json:"seed"`
	RadiusHorizontal int    `json:"radius_horizontal"`
	RadiusVertical   int    `json:"radius_vertical"`
}

// HTTP response for GET /v1/chunks/{x}/{y}/{z}.
type ChunkStateResponse struct {
	Coord  [3]int `json:"coord"`
	State  string `json:"state"`
	Dirty  bool   `json:"dirty"`
	Digest string `json:"digest,omitempty"`
}
