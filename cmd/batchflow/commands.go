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

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/andresuchdata/batchflow/internal/api"
	"github.com/andresuchdata/batchflow/internal/batch"
	"github.com/andresuchdata/batchflow/internal/pipeline"
	"github.com/andresuchdata/batchflow/pkg/logger"
)

// signalContext is canceled on SIGINT or SIGTERM. In-flight items still
// unwind through cleanup; no new items start.
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Process the files currently in the input location once (or continuously when batch.continuous_mode is set)",
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			ctx, stop := signalContext(c)
			defer stop()

			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.Batch.ContinuousMode {
				return a.sweeper.Watch(ctx)
			}

			summary, err := a.sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			logSummary(summary)
			if n := summary.Failures(); n > 0 {
				return cli.Exit(fmt.Sprintf("%d file(s) need attention", n), 1)
			}
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Keep sweeping the input location until interrupted",
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c)
			defer stop()

			a, err := newApp(ctx, configFrom(c), false)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.sweeper.Watch(ctx)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Watch the input location and serve the status API",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-watch",
				Usage: "Only serve the API; sweeps run when triggered over HTTP",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			ctx, stop := signalContext(c)
			defer stop()

			a, err := newApp(ctx, cfg, cfg.Server.MetricsEnabled)
			if err != nil {
				return err
			}
			defer a.Close()

			gin.SetMode(gin.ReleaseMode)
			services := &api.Services{
				Sweeps:         a.sweeper,
				Runs:           a.runs,
				MetricsHandler: a.metricsHandler,
			}
			if a.metrics != nil {
				services.Metrics = a.metrics
			}
			srv := &http.Server{
				Addr:              ":" + cfg.Server.Port,
				Handler:           api.NewRouter(ctx, services, cfg.Server.AllowedOrigins),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Log.Info().Str("port", cfg.Server.Port).Msg("Starting server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("failed to start server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Log.Info().Msg("Shutting down server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if !c.Bool("no-watch") {
				g.Go(func() error {
					return a.sweeper.Watch(gctx)
				})
			}

			err = g.Wait()
			// sweeps triggered over HTTP still hold remote jobs and files
			a.sweeper.Wait()
			return err
		},
	}
}

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Delete every file held by the job service and drop all item claims",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "yes",
				Usage: "Confirm the purge",
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("yes") {
				return cli.Exit("purge deletes all remote files; pass --yes to confirm", 2)
			}
			ctx, stop := signalContext(c)
			defer stop()

			a, err := newApp(ctx, configFrom(c), false)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, purgeErr := batch.PurgeFiles(ctx, a.jobs)
			logger.Log.Info().Int("deleted", deleted).Msg("Purged job service files")

			released, err := a.claimer.Reset(ctx)
			if err != nil {
				return errors.Join(purgeErr, fmt.Errorf("failed to reset claims: %w", err))
			}
			logger.Log.Info().Int("claims", released).Msg("Dropped item claims")
			return purgeErr
		},
	}
}

func logSummary(s *pipeline.Summary) {
	event := logger.Log.Info().
		Int("found", s.Found).
		Int("claimed", s.Claimed).
		Dur("elapsed", s.FinishedAt.Sub(s.StartedAt))
	for outcome, n := range s.Outcomes {
		event = event.Int(string(outcome), n)
	}
	event.Msg("Run finished")

	for _, r := range s.Results {
		if r.Err == nil && r.Cleanup.OK() {
			continue
		}
		logger.Log.Warn().
			Str("file", r.Item.Path).
			Str("outcome", string(r.Outcome)).
			Str("stage", r.Stage.String()).
			Err(r.Err).
			Interface("cleanup_failures", r.Cleanup.Failed()).
			Msg("File needs attention")
	}
}
