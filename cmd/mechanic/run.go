package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/mechanic/internal/archive"
	"github.com/oriys/mechanic/internal/board"
	"github.com/oriys/mechanic/internal/checkpoint"
	"github.com/oriys/mechanic/internal/config"
	"github.com/oriys/mechanic/internal/fixtures"
	"github.com/oriys/mechanic/internal/grpcadmin"
	"github.com/oriys/mechanic/internal/ice"
	"github.com/oriys/mechanic/internal/layout"
	"github.com/oriys/mechanic/internal/logging"
	"github.com/oriys/mechanic/internal/master"
	"github.com/oriys/mechanic/internal/mecherr"
	"github.com/oriys/mechanic/internal/metrics"
	"github.com/oriys/mechanic/internal/observability"
	"github.com/oriys/mechanic/internal/poolstate"
	"github.com/oriys/mechanic/internal/progress"
	"github.com/oriys/mechanic/internal/registry"
	"github.com/oriys/mechanic/internal/remote"
	"github.com/oriys/mechanic/internal/restart"
	"github.com/oriys/mechanic/internal/runregistry"
	"github.com/oriys/mechanic/internal/transport"
	"github.com/oriys/mechanic/internal/worker"
)

// runFlags mirrors cobra's bound-variables-plus-Changed-check pattern: a
// flag only overrides whatever the config file/manifest/env already
// settled on when the operator actually passed it.
type runFlags struct {
	name, module, configPath, mode string
	xres, yres, zres               int
	checkpointBatch, checkpointN   int
	noBackup                       bool
	restartMode                    bool
	restartFile                    string
	resetCheckpoints               bool
	blocking                       bool
	stats                          bool

	logFormat, logLevel                                           string
	metricsAddr, tracingEndpoint                                  string
	s3Bucket, redisAddr, postgresDSN, grpcAddr                    string
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the task farm to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if f.configPath != "" {
				if err := loadConfigFile(cfg, f.configPath); err != nil {
					return mecherr.New(mecherr.ExitSetupInvalid, fmt.Errorf("run: %w", err))
				}
			}
			config.LoadFromEnv(cfg)
			applyRunFlags(cmd, cfg, f)
			return runMechanic(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.name, "name", "mechanic", "archive basename")
	flags.StringVar(&f.module, "module", "core", "user module identity (core, hello, mandelbrot)")
	flags.StringVar(&f.configPath, "config", "", "path to the configuration file or run manifest")
	flags.StringVar(&f.mode, "mode", "taskfarm", "runtime mode identity")
	flags.IntVar(&f.xres, "xres", 1, "board X extent")
	flags.IntVar(&f.yres, "yres", 1, "board Y extent")
	flags.IntVar(&f.zres, "zres", 1, "board Z extent")
	flags.IntVar(&f.checkpointBatch, "checkpoint", 2048, "checkpoint batch size")
	flags.IntVar(&f.checkpointN, "checkpoint-files", 4, "number of archive backup files (stored in the run config; backup rotation does not read it and keeps every backup)")
	flags.BoolVar(&f.noBackup, "no-backup", false, "skip backup of an existing master file")
	flags.BoolVar(&f.restartMode, "restart-mode", false, "enter restart, resuming from --restart-file")
	flags.StringVar(&f.restartFile, "restart-file", "", "archive to restart from")
	flags.BoolVar(&f.resetCheckpoints, "reset-checkpoints", false, "clear TO_BE_RESTARTED cells' checkpoint id instead of preserving it")
	flags.BoolVar(&f.blocking, "blocking", false, "force blocking messaging (the default transport is always blocking)")
	flags.BoolVar(&f.stats, "stats", false, "record wall-clock and world-size attributes")
	flags.StringVar(&f.logFormat, "log-format", "text", "operational log format (text, json)")
	flags.StringVar(&f.logLevel, "log-level", "info", "operational log level")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&f.tracingEndpoint, "tracing-endpoint", "", "OTLP/HTTP tracing collector endpoint")
	flags.StringVar(&f.s3Bucket, "s3-bucket", "", "mirror rotated backups to this S3 bucket")
	flags.StringVar(&f.redisAddr, "redis-addr", "", "publish live progress to this Redis address")
	flags.StringVar(&f.postgresDSN, "postgres-dsn", "", "record this run in a Postgres run registry")
	flags.StringVar(&f.grpcAddr, "grpc-addr", "", "serve a gRPC health/reflection admin surface on this address")
	return cmd
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config, f *runFlags) {
	changed := cmd.Flags().Changed
	set := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}
	set("name", func() { cfg.RunName = f.name })
	set("module", func() { cfg.ModuleName = f.module })
	set("xres", func() { cfg.BoardX = f.xres })
	set("yres", func() { cfg.BoardY = f.yres })
	set("zres", func() { cfg.BoardZ = f.zres })
	set("checkpoint", func() { cfg.CheckpointBatch = f.checkpointBatch })
	set("checkpoint-files", func() { cfg.CheckpointFiles = f.checkpointN })
	set("no-backup", func() { cfg.NoBackup = f.noBackup })
	set("restart-mode", func() { cfg.Restart = f.restartMode })
	set("restart-file", func() { cfg.RestartFile = f.restartFile })
	set("reset-checkpoints", func() { cfg.ResetCheckpoints = f.resetCheckpoints })
	set("blocking", func() { cfg.Blocking = f.blocking })
	set("stats", func() { cfg.Stats = f.stats })
	set("log-format", func() { cfg.LogFormat = f.logFormat })
	set("log-level", func() { cfg.LogLevel = f.logLevel })
	set("metrics-addr", func() { cfg.MetricsAddr = f.metricsAddr })
	set("tracing-endpoint", func() { cfg.TracingEndpoint = f.tracingEndpoint })
	set("s3-bucket", func() { cfg.S3Bucket = f.s3Bucket })
	set("redis-addr", func() { cfg.RedisAddr = f.redisAddr })
	set("postgres-dsn", func() { cfg.PostgresDSN = f.postgresDSN })
	set("grpc-addr", func() { cfg.GRPCAddr = f.grpcAddr })
}

// metricsObserver adapts internal/metrics to checkpoint.Observer, keeping
// the checkpoint package free of any dependency on the Prometheus client.
type metricsObserver struct {
	m *metrics.Metrics
}

func (o metricsObserver) ObserveFlush(records int) {
	o.m.CheckpointFlushes.Inc()
	o.m.TasksCompleted.Add(float64(records))
}

// resolveWorldSize picks the process count the farm runs with. Go has no
// MPI launcher to read world size from, so this checks the environment
// variables a real `mpirun`/PMI launcher would set, then falls back to
// sizing the in-process worker pool off the host's CPU count.
func resolveWorldSize() int {
	for _, key := range []string{"OMPI_COMM_WORLD_SIZE", "PMI_SIZE", "MECHANIC_WORLD_SIZE"} {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 2 {
				return n
			}
		}
	}
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	return n
}

func runMechanic(ctx context.Context, cfg *config.Config) error {
	startedAt := time.Now()
	runID := uuid.New().String()

	if err := logging.InitStructured(cfg.LogFormat, cfg.LogLevel); err != nil {
		return mecherr.New(mecherr.ExitSetupInvalid, err)
	}

	if err := ice.Check("."); err != nil {
		if errors.Is(err, ice.ErrRequested) {
			logging.Op().Warn("ice sentinel present, aborting before any pool runs")
			return mecherr.ICEAbort(err)
		}
		return mecherr.New(mecherr.ExitSetupInvalid, err)
	}

	if cfg.BoardX < 1 || cfg.BoardY < 1 || cfg.BoardZ < 1 {
		return mecherr.New(mecherr.ExitLayoutInvalid, fmt.Errorf("run: board dims must be >= 1, got %dx%dx%d", cfg.BoardX, cfg.BoardY, cfg.BoardZ))
	}
	dims := layout.BoardDims{X: cfg.BoardX, Y: cfg.BoardY, Z: cfg.BoardZ}

	module, err := fixtures.Lookup(cfg.ModuleName, dims)
	if err != nil {
		return mecherr.New(mecherr.ExitSetupInvalid, err)
	}
	for _, s := range module.Schemas {
		layout.Normalize(s)
		if err := layout.CheckLayout(s); err != nil {
			return mecherr.New(mecherr.ExitLayoutInvalid, err)
		}
	}
	reg := registry.New(module)

	if cfg.ArchivePath == "" {
		cfg.ArchivePath = cfg.RunName + ".h5"
	}
	archivePath := cfg.ArchivePath
	if cfg.Restart && cfg.RestartFile != "" {
		archivePath = cfg.RestartFile
	}

	arc, err := archive.Open(archivePath)
	if err != nil {
		return mecherr.New(mecherr.ExitArchiveInvalid, err)
	}
	defer arc.Close()

	met := metrics.Init("mechanic")
	if cfg.MetricsAddr != "" {
		go func() {
			if err := met.Serve(cfg.MetricsAddr); err != nil {
				logging.Op().Warn("metrics server stopped", "error", err)
			}
		}()
	}

	if cfg.TracingEndpoint != "" {
		tp, err := observability.InitTracing(ctx, cfg.TracingEndpoint)
		if err != nil {
			return mecherr.New(mecherr.ExitSetupInvalid, err)
		}
		defer func() { _ = tp.Shutdown(ctx) }()
	}

	admin := grpcadmin.New()
	if cfg.GRPCAddr != "" {
		go func() {
			if err := admin.Serve(cfg.GRPCAddr); err != nil {
				logging.Op().Warn("admin server stopped", "error", err)
			}
		}()
		defer admin.Stop()
	}

	var runHistory *runregistry.Registry
	var historyID uuid.UUID
	if cfg.PostgresDSN != "" {
		rr, err := runregistry.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return mecherr.New(mecherr.ExitSetupInvalid, err)
		}
		defer rr.Close()
		runHistory = rr
		id, err := rr.RecordStart(ctx, cfg.ModuleName, archivePath, startedAt)
		if err != nil {
			return mecherr.New(mecherr.ExitSetupInvalid, err)
		}
		historyID = id
	}

	var progressPub *progress.Publisher
	if cfg.RedisAddr != "" {
		progressPub = progress.NewPublisher(cfg.RedisAddr, "", 0, runID)
		defer progressPub.Close()
	}

	var mirror checkpoint.Mirror
	if cfg.S3Bucket != "" {
		m, err := remote.NewS3Mirror(ctx, cfg.S3Bucket, cfg.RunName)
		if err != nil {
			return mecherr.New(mecherr.ExitSetupInvalid, err)
		}
		mirror = m
	}

	engine := checkpoint.New(arc, module.Schemas, dims, checkpoint.Config{
		ArchivePath: archivePath,
		BatchSize:   cfg.CheckpointBatch,
		NoBackup:    cfg.NoBackup,
		Mirror:      mirror,
		Observer:    metricsObserver{met},
	})

	worldSize := resolveWorldSize()
	hub := transport.NewInMemoryHub(worldSize)

	mstr, err := master.New(hub.Rank(transport.MasterRank), reg, engine)
	if err != nil {
		return mecherr.New(mecherr.ExitTransportFailure, err)
	}

	workerErrs := make(chan error, worldSize-1)
	for r := 1; r < worldSize; r++ {
		w, err := worker.New(hub.Rank(r), reg, dims)
		if err != nil {
			return mecherr.New(mecherr.ExitTransportFailure, err)
		}
		go func() { workerErrs <- w.Run(ctx) }()
	}

	machine := poolstate.New(reg, arc, mstr, dims)

	var lastBoard *board.Board
	newBoard := func(poolID int) *board.Board {
		b := board.New(dims)
		lastBoard = b
		return b
	}

	var runErr error
	switch {
	case cfg.Restart:
		if err := arc.Validate(cfg.ModuleName, cfg.APIVersion); err != nil {
			runErr = mecherr.New(mecherr.ExitRestartFailure, err)
			break
		}
		restorer := restart.New(arc, reg, dims, cfg.ResetCheckpoints)
		states, err := restorer.RestoreAll(ctx)
		if err != nil {
			runErr = mecherr.New(mecherr.ExitRestartFailure, err)
			break
		}
		if len(states) == 0 {
			runErr = mecherr.New(mecherr.ExitRestartFailure, fmt.Errorf("run: restart archive has no pools"))
			break
		}
		met.Restarts.Inc()
		for _, st := range states {
			machine.ResumeFrom(st.PoolID, st.RID, st.SID)
		}
		idx := 0
		runErr = machine.RunAll(ctx, states[0].PoolID, func(poolID int) *board.Board {
			if idx < len(states) && states[idx].PoolID == poolID {
				b := states[idx].Board
				idx++
				lastBoard = b
				return b
			}
			return newBoard(poolID)
		})
	default:
		if err := arc.Identify(cfg.ModuleName, cfg.APIVersion); err != nil {
			runErr = mecherr.New(mecherr.ExitArchiveInvalid, err)
			break
		}
		runErr = machine.RunAll(ctx, 0, newBoard)
	}

	if err := mstr.Shutdown(ctx); err != nil {
		logging.Op().Warn("shutdown broadcast failed", "error", err)
	}
	for r := 1; r < worldSize; r++ {
		if werr := <-workerErrs; werr != nil {
			logging.Op().Warn("worker exited with error", "error", werr)
		}
	}

	if lastBoard != nil {
		for status, n := range lastBoard.CountByStatus() {
			met.BoardCellsByStatus.WithLabelValues(status.String()).Set(float64(n))
		}
	}

	if cfg.Stats {
		if err := arc.CommitRootAttribute(layout.Attribute{Name: "CPU_Time_s", Datatype: layout.DatatypeDouble, Value: time.Since(startedAt).Seconds()}); err != nil {
			logging.Op().Warn("failed to commit CPU_Time_s attribute", "error", err)
		}
		if err := arc.CommitRootAttribute(layout.Attribute{Name: "MPI_size", Datatype: layout.DatatypeInt, Value: worldSize - 1}); err != nil {
			logging.Op().Warn("failed to commit MPI_size attribute", "error", err)
		}
	}

	if progressPub != nil && lastBoard != nil {
		counts := lastBoard.CountByStatus()
		total := dims.PoolSize()
		finished := counts[board.Finished]
		_ = progressPub.Publish(ctx, progress.Update{
			RunID: runID, Finished: finished, Total: total,
			Fraction: float64(finished) / float64(total),
		})
	}

	if runHistory != nil {
		status := "completed"
		if runErr != nil {
			status = "failed"
		}
		if err := runHistory.RecordFinish(ctx, historyID, time.Now(), status); err != nil {
			logging.Op().Warn("failed to record run finish", "error", err)
		}
	}

	return runErr
}
