package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/config"
	"voxelstream.ai/internal/persistence/chunkstore"
	"voxelstream.ai/internal/persistence/journal"
	"voxelstream.ai/internal/sim/executor"
	"voxelstream.ai/internal/sim/lifecycle"
	simruntime "voxelstream.ai/internal/sim/runtime"
	"voxelstream.ai/internal/sim/terrain/gen"
	"voxelstream.ai/internal/transport/kafkasink"
	"voxelstream.ai/internal/transport/observer"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the chunk streaming server",
	Action: func(c *cli.Context) error {
		cfg, logger, err := setup(c)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

// world bundles the pieces shared by serve and pregen.
type world struct {
	store chunkstore.Store
	pool  *executor.Pool[lifecycle.TaskResult]
	mgr   *lifecycle.Manager
	meta  chunkstore.WorldMeta
}

func openWorld(ctx context.Context, cfg config.Config, lc lifecycle.Config, logger *zap.Logger) (*world, error) {
	store, err := chunkstore.Open(ctx, cfg.ChunkStore())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	meta, err := chunkstore.OpenWorld(ctx, store, cfg.Seed())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pool := executor.New[lifecycle.TaskResult](cfg.Executor.Workers, logger)
	mgr := lifecycle.New(lc, store, gen.New(cfg.Seed(), gen.Params{}), pool, logger)
	return &world{store: store, pool: pool, mgr: mgr, meta: meta}, nil
}

func (w *world) Close() {
	w.pool.Close()
	_ = w.store.Close()
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	lc := cfg.Lifecycle()
	w, err := openWorld(ctx, cfg, lc, logger)
	if err != nil {
		return err
	}
	defer w.Close()
	logger.Info("world opened",
		zap.String("world", cfg.World.ID),
		zap.Int64("seed", w.meta.Seed),
		zap.String("backend", cfg.Store.Backend),
		zap.Time("created_at", w.meta.CreatedAt),
	)

	rt := simruntime.New(cfg.Runtime(), w.mgr, logger)

	srv := observer.NewServer(rt, observer.WorldInfo{
		WorldID:          cfg.World.ID,
		Seed:             cfg.Seed(),
		TickRateHz:       cfg.Stream.TickRateHz,
		RadiusHorizontal: lc.RadiusHorizontal,
		RadiusVertical:   lc.RadiusVertical,
	}, observer.Options{AllowRemote: cfg.Observer.AllowRemote}, logger)
	rt.AddSink(srv.Hub())
	defer srv.Close()

	var closers []func() error
	defer func() {
		for _, fn := range closers {
			if err := fn(); err != nil {
				logger.Warn("close sink", zap.Error(err))
			}
		}
	}()
	if cfg.Journal.Enabled {
		j := journal.New(cfg.Journal.Dir, logger)
		a := simruntime.NewAsync("journal", j, 1024, logger)
		rt.AddSink(a)
		closers = append(closers, func() error { a.Close(); return j.Close() })
		logger.Info("journal enabled", zap.String("dir", cfg.Journal.Dir))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		p := kafkasink.New(kafkasink.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.World.ID, logger)
		a := simruntime.NewAsync("kafka", p, 1024, logger)
		rt.AddSink(a)
		closers = append(closers, func() error { a.Close(); return p.Close() })
		logger.Info("kafka publisher enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Observer.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Observer.Listen)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	st := rt.Stats().Lifecycle
	logger.Info("server stopped",
		zap.Uint64("tick", st.Tick),
		zap.Uint64("loaded", st.Loaded),
		zap.Uint64("generated", st.Generated),
		zap.Uint64("save_failures", st.SaveFailures),
	)
	return err
}
