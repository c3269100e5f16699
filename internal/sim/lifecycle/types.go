package lifecycle

import (
	"errors"
	"time"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/executor"
	"voxelstream.ai/internal/sim/voxel"
)

// ErrNotResident is returned when an edit or read targets a chunk that is not in memory.
var ErrNotResident = errors.New("chunk not resident")

type State int

const (
	Unknown State = iota
	Pending
	Resident
	Saving
	Unloading
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Resident:
		return "RESIDENT"
	case Saving:
		return "SAVING"
	case Unloading:
		return "UNLOADING"
	default:
		return "UNKNOWN"
	}
}

type EventKind string

const (
	ChunkReady   EventKind = "CHUNK_READY"
	ChunkRemoved EventKind = "CHUNK_REMOVED"
	BlockChanged EventKind = "BLOCK_CHANGED"
)

// Event is delivered to the world integration layer. Data is a private copy.
type Event struct {
	Tick  uint64
	Kind  EventKind
	Coord coord.ChunkCoord
	Data  *voxel.Buffer

	// BlockChanged only.
	Pos   coord.BlockPos
	Block voxel.Block
}

type TaskKind int

const (
	TaskLoad TaskKind = iota + 1
	TaskSave
)

// Source says where a loaded buffer came from.
type Source string

const (
	FromStore     Source = "store"
	FromGenerator Source = "generator"
)

// TaskResult is the value every dispatched unit produces.
type TaskResult struct {
	Kind  TaskKind
	Coord coord.ChunkCoord

	// TaskLoad.
	Buffer    *voxel.Buffer
	Source    Source
	Persisted bool

	// TaskSave: the edit sequence captured at dispatch.
	Seq      uint64
	Attempts int
}

// Dispatcher is the only way the manager reaches the store or the generator.
// *executor.Pool[TaskResult] implements it.
type Dispatcher interface {
	Submit(work executor.Work[TaskResult]) executor.Handle
	Poll(limit int) []executor.Completion[TaskResult]
}

// Generator produces chunk content. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(c coord.ChunkCoord) (*voxel.Buffer, error)
}

type Config struct {
	RadiusHorizontal int
	RadiusVertical   int

	// Zero means unlimited.
	MaxCompletionsPerTick int
	MaxDispatchPerTick    int

	// SaveAttempts is the total number of tries a save task makes.
	SaveAttempts   int
	SaveRetryDelay time.Duration
	// SaveRetryBackoffTicks is how long a record waits after a failed save task.
	SaveRetryBackoffTicks uint64

	// CheckpointEveryTicks saves dirty resident chunks without evicting them. Zero disables.
	CheckpointEveryTicks uint64
}

func DefaultConfig() Config {
	return Config{
		RadiusHorizontal:      4,
		RadiusVertical:        2,
		MaxCompletionsPerTick: 32,
		MaxDispatchPerTick:    64,
		SaveAttempts:          3,
		SaveRetryDelay:        50 * time.Millisecond,
		SaveRetryBackoffTicks: 20,
		CheckpointEveryTicks:  600,
	}
}

func (c *Config) normalize() {
	if c.RadiusHorizontal < 0 {
		c.RadiusHorizontal = 0
	}
	if c.RadiusVertical < 0 {
		c.RadiusVertical = 0
	}
	if c.SaveAttempts <= 0 {
		c.SaveAttempts = 1
	}
	if c.SaveRetryDelay < 0 {
		c.SaveRetryDelay = 0
	}
}

type Stats struct {
	Tick     uint64 `json:"tick"`
	Viewers  int    `json:"viewers"`
	Records  int    `json:"records"`
	Pending  int    `json:"pending"`
	Resident int    `json:"resident"`
	Saving   int    `json:"saving"`
	Dirty    int    `json:"dirty"`
	InFlight int    `json:"in_flight"`

	LoadsDispatched uint64 `json:"loads_dispatched"`
	SavesDispatched uint64 `json:"saves_dispatched"`
	Loaded          uint64 `json:"loaded"`
	Generated       uint64 `json:"generated"`
	SaveFailures    uint64 `json:"save_failures"`
	Evicted         uint64 `json:"evicted"`
	Checkpoints     uint64 `json:"checkpoints"`
}
