package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"voxelstream.ai/internal/config"
	"voxelstream.ai/internal/persistence/chunkstore"
	"voxelstream.ai/internal/persistence/journal"
	"voxelstream.ai/internal/sim/coord"
	simruntime "voxelstream.ai/internal/sim/runtime"
	"voxelstream.ai/internal/sim/voxel"
)

var pregenCmd = &cli.Command{
	Name:  "pregen",
	Usage: "generate and store every chunk column within -radius of (-x, -z)",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "radius", Value: 4, Usage: "horizontal radius in chunks"},
		&cli.IntFlag{Name: "x", Usage: "origin chunk x"},
		&cli.IntFlag{Name: "z", Usage: "origin chunk z"},
	},
	Action: func(c *cli.Context) error {
		cfg, logger, err := setup(c)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if c.Int("radius") < 0 {
			return errors.New("radius must be >= 0")
		}

		lc := cfg.Lifecycle()
		lc.RadiusHorizontal = c.Int("radius")
		lc.RadiusVertical = coord.MaxChunkY - coord.MinChunkY
		lc.CheckpointEveryTicks = 0

		w, err := openWorld(c.Context, cfg, lc, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		center := coord.ChunkCoord{X: c.Int("x"), Y: coord.MinChunkY, Z: c.Int("z")}
		st, err := simruntime.Pregenerate(c.Context, w.mgr, w.pool.Ready(), center)
		if err != nil {
			return err
		}
		logger.Info("pregen done",
			zap.Stringer("center", center),
			zap.Int("radius", lc.RadiusHorizontal),
			zap.Uint64("generated", st.Generated),
			zap.Uint64("already_stored", st.Loaded),
			zap.Uint64("ticks", st.Tick),
		)
		return nil
	},
}

var inspectCmd = &cli.Command{
	Name:  "inspect",
	Usage: "print a stored chunk's digest and block histogram",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "x", Required: true},
		&cli.IntFlag{Name: "y", Required: true},
		&cli.IntFlag{Name: "z", Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, logger, err := setup(c)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		store, err := chunkstore.Open(c.Context, cfg.ChunkStore())
		if err != nil {
			return err
		}
		defer store.Close()

		if meta, err := store.LoadMeta(c.Context); err == nil {
			fmt.Fprintf(c.App.Writer, "world seed=%d format=%d created=%s\n", meta.Seed, meta.FormatVersion, meta.CreatedAt.Format("2006-01-02T15:04:05Z"))
		}

		cc := coord.ChunkCoord{X: c.Int("x"), Y: c.Int("y"), Z: c.Int("z")}
		buf, err := store.Load(c.Context, cc)
		if errors.Is(err, chunkstore.ErrNotFound) {
			return fmt.Errorf("chunk %s not stored", cc)
		}
		if err != nil {
			return err
		}
		printChunk(c, cc, buf)
		return nil
	},
}

func printChunk(c *cli.Context, cc coord.ChunkCoord, buf *voxel.Buffer) {
	out := c.App.Writer
	fmt.Fprintf(out, "chunk %s digest=%s version=%d\n", cc, buf.Digest(), buf.Version)
	hist := buf.Histogram()
	blocks := make([]voxel.Block, 0, len(hist))
	for b := range hist {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return hist[blocks[i]] > hist[blocks[j]] || (hist[blocks[i]] == hist[blocks[j]] && blocks[i] < blocks[j]) })
	for _, b := range blocks {
		fmt.Fprintf(out, "  %-12s %5d\n", b, hist[b])
	}
}

var replayCmd = &cli.Command{
	Name:  "replay",
	Usage: "verify the event journal describes a consistent resident set",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dir", Usage: "journal directory (default: journal.dir from config)"},
	},
	Action: func(c *cli.Context) error {
		dir := c.String("dir")
		if dir == "" {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			dir = cfg.Journal.Dir
		}
		if dir == "" {
			return errors.New("no journal dir: pass -dir or enable journal in config")
		}
		v, err := journal.VerifyDir(dir)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "replay ok: entries=%d runs=%d replaced=%d max_resident=%d resident_at_end=%d\n",
			v.Entries, v.Runs, v.Replaced, v.MaxAlive, v.Resident())
		return nil
	},
}
