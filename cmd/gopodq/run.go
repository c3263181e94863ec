package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/datallboy/gopodq/internal/api"
	"github.com/datallboy/gopodq/internal/queue"
)

func newRunCmd() *cobra.Command {
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Download the queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Setup Signal Handling for Graceful Shutdown
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, rt, showProgress)
		},
	}

	cmd.Flags().BoolVarP(&showProgress, "progress", "p", false, "render a progress line on stdout")
	return cmd
}

// serve runs the scheduler plus the optional watcher, API and progress line until ctx ends.
func serve(ctx context.Context, rt *runtime, showProgress bool) error {
	cfg := rt.app.Config
	log := rt.app.Logger

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.queue.Run(ctx)
	})

	if cfg.Queue.Watch {
		w := queue.NewWatcher(cfg.Queue.Path, 0, func() {
			if _, err := rt.queue.Reload(); err != nil {
				log.Warn("Reloading queue file: %v", err)
			}
		}, log.Named("watcher"))
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	if cfg.API.Enabled {
		e := echo.New()
		api.RegisterRoutes(e, rt.app, rt.queue)

		srv := &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info("API listening on %s", cfg.API.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if showProgress {
		g.Go(func() error {
			watchProgress(ctx, rt.queue, os.Stdout)
			return nil
		})
	}

	if cfg.Queue.AutoStart {
		if err := rt.queue.Start(); err != nil {
			log.Error("Starting queue: %v", err)
		}
	}

	err := g.Wait()
	log.Info("Shut down")
	return err
}
