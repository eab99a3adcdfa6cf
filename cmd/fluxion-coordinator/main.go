package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/fluxionlabs/fluxion/pkg/cmd"
	"github.com/fluxionlabs/fluxion/pkg/coordinator"
	"github.com/fluxionlabs/fluxion/pkg/dispatch"
	"github.com/fluxionlabs/fluxion/pkg/dispatch/redisindex"
	"github.com/fluxionlabs/fluxion/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "fluxion-coordinator",
		EnableShellCompletion: true,
		Usage:                 "Drive workflow sessions to completion",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Optional Redis URL for the ready task index",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "How often to sweep leases, retries and active sessions",
				Value:   coordinator.DefaultSweepInterval,
				Sources: cli.EnvVars("COORDINATOR_SWEEP_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "lease-ttl",
				Usage:   "Lease duration granted to agents",
				Value:   dispatch.DefaultLeaseTTL,
				Sources: cli.EnvVars("LEASE_TTL"),
			},
			&cli.StringFlag{
				Name:    "retry-backoff",
				Usage:   "Retry backoff strategy (fixed, exponential)",
				Value:   dispatch.BackoffExponential,
				Sources: cli.EnvVars("RETRY_BACKOFF"),
			},
			&cli.DurationFlag{
				Name:    "retry-backoff-base",
				Usage:   "Base retry delay",
				Value:   10 * time.Second,
				Sources: cli.EnvVars("RETRY_BACKOFF_BASE"),
			},
			&cli.DurationFlag{
				Name:    "retry-backoff-cap",
				Usage:   "Maximum retry delay",
				Value:   10 * time.Minute,
				Sources: cli.EnvVars("RETRY_BACKOFF_CAP"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("fluxion-coordinator")

			logger.InfoContext(ctx, "Initializing Fluxion Coordinator")

			ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "fluxion-coordinator", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer closeCancel()

				if err := persistence.Close(closeCtx); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			opts := []dispatch.Option{
				dispatch.WithLeaseTTL(command.Duration("lease-ttl")),
				dispatch.WithBackoff(dispatch.Backoff{
					Strategy: command.String("retry-backoff"),
					Base:     command.Duration("retry-backoff-base"),
					Cap:      command.Duration("retry-backoff-cap"),
				}),
			}

			if redisURL := command.String("redis-url"); redisURL != "" {
				index, err := redisindex.NewIndex(ctx, redisURL)
				if err != nil {
					return err
				}

				defer func() {
					if err := index.Close(); err != nil {
						logger.Error("Failed to close ready index", "error", err)
					}
				}()

				opts = append(opts, dispatch.WithReadyIndex(index))
			}

			dispatcher := dispatch.NewDispatcher(persistence, eventBus, logger, opts...)

			// The index may have drifted while no coordinator was running.
			if err := dispatcher.RebuildIndex(ctx); err != nil {
				return err
			}

			coord := coordinator.NewCoordinator(persistence, dispatcher, eventBus, logger,
				coordinator.WithSweepInterval(command.Duration("sweep-interval")))

			if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("fluxion-coordinator").Error("Coordinator exited with error", "error", err)
		os.Exit(1)
	}
}
