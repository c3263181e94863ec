package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/datallboy/gopodq/internal/app"
	"github.com/datallboy/gopodq/internal/controller"
	"github.com/datallboy/gopodq/internal/engine"
	"github.com/datallboy/gopodq/internal/infra/config"
	"github.com/datallboy/gopodq/internal/infra/logger"
	"github.com/datallboy/gopodq/internal/limiter"
	"github.com/datallboy/gopodq/internal/platform"
	"github.com/datallboy/gopodq/internal/queue"
	"github.com/datallboy/gopodq/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "gopodq",
		Short:         "A resumable download queue for podcast episodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(
		newRunCmd(),
		newAddCmd(),
		newListCmd(),
		newDeleteCmd(),
		newMoveCmd(),
		newRetryCmd(),
		newPurgeCmd(),
		newHistoryCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtime is everything a command needs, built from the config file.
type runtime struct {
	app    *app.Context
	queue  *controller.Controller
	worker *engine.Worker
}

// bootstrap loads config, opens the log and history, and loads the queue.
// interactive commands log to stderr instead of the log file's stdout mirror.
func bootstrap(interactive bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := platform.ValidateDownloadDir(cfg.Download.Dir); err != nil {
		return nil, err
	}

	var log *logger.Logger
	if interactive {
		log = logger.NewWriter(os.Stderr, logger.LevelWarn)
	} else {
		log, err = logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
	}

	appCtx := app.NewContext(cfg, log)

	if cfg.History.Enabled {
		history, err := store.NewPersistentStore(cfg.History.SQLitePath)
		if err != nil {
			log.Close()
			return nil, err
		}
		appCtx.History = history
	}

	rate, _ := cfg.RateLimit()
	chunk, _ := cfg.ChunkSize()
	reserve, _ := cfg.MinFreeSpace()

	lim := limiter.New(rate)
	if lim.Rate() > 0 {
		log.Info("Limiting downloads to %s/s", humanize.IBytes(uint64(lim.Rate())))
	}

	worker := engine.NewWorker(engine.WorkerOptions{
		ChunkSize:      chunk,
		ConnectTimeout: cfg.Download.ConnectTimeout,
		ReadTimeout:    cfg.Download.ReadTimeout,
		UserAgent:      cfg.Download.UserAgent,
		MinFreeSpace:   reserve,
	}, lim, log.Named("transfer"))

	ctrl := controller.New(appCtx, queue.NewStore(cfg.Queue.Path, log.Named("queuefile")), worker)
	if err := ctrl.Load(); err != nil {
		appCtx.Close()
		log.Close()
		return nil, err
	}

	return &runtime{app: appCtx, queue: ctrl, worker: worker}, nil
}

func (r *runtime) Close() {
	r.worker.Close()
	if err := r.app.Close(); err != nil {
		r.app.Logger.Warn("Closing history: %v", err)
	}
	r.app.Logger.Close()
}
