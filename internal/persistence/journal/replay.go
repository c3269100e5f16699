package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/sim/lifecycle"
)

// ListFiles returns the journal files in dir in chronological order.
func ListFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadFile calls fn for every entry in path, stopping at the first error.
func ReadFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(e); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return sc.Err()
}

// Verifier replays entries and checks that the stream describes a consistent
// resident set: only resident chunks are removed or edited, and each run
// ends with nothing resident. A CHUNK_READY for a resident chunk is a whole-chunk
// replacement.
type Verifier struct {
	resident map[[3]int]string
	lastTick uint64

	Entries  uint64
	Runs     int
	Replaced int
	MaxAlive int
}

func NewVerifier() *Verifier {
	return &Verifier{resident: map[[3]int]string{}}
}

func (v *Verifier) Resident() int { return len(v.resident) }

// Digest returns the digest announced for a currently resident chunk.
func (v *Verifier) Digest(c [3]int) (string, bool) {
	d, ok := v.resident[c]
	return d, ok
}

func (v *Verifier) Apply(e Entry) error {
	if v.Entries == 0 || e.Tick < v.lastTick {
		// Tick numbering restarts with each process run.
		if len(v.resident) != 0 {
			return fmt.Errorf("tick %d: new run started with %d chunks still resident", e.Tick, len(v.resident))
		}
		v.Runs++
	}
	v.Entries++
	v.lastTick = e.Tick

	switch e.Kind {
	case lifecycle.ChunkReady:
		if _, ok := v.resident[e.Coord]; ok {
			v.Replaced++
		}
		v.resident[e.Coord] = e.Digest
		if len(v.resident) > v.MaxAlive {
			v.MaxAlive = len(v.resident)
		}
	case lifecycle.ChunkRemoved:
		if _, ok := v.resident[e.Coord]; !ok {
			return fmt.Errorf("tick %d: %v removed but not resident", e.Tick, e.Coord)
		}
		delete(v.resident, e.Coord)
	case lifecycle.BlockChanged:
		if _, ok := v.resident[e.Coord]; !ok {
			return fmt.Errorf("tick %d: edit in non-resident %v", e.Tick, e.Coord)
		}
		v.resident[e.Coord] = ""
	default:
		return fmt.Errorf("tick %d: unknown kind %q", e.Tick, e.Kind)
	}
	return nil
}

// VerifyDir replays every journal file in dir.
func VerifyDir(dir string) (*Verifier, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}
	v := NewVerifier()
	for _, path := range files {
		if err := ReadFile(path, v.Apply); err != nil {
			return v, err
		}
	}
	return v, nil
}
