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
	"github.com/fluxionlabs/fluxion/pkg/log"
	"github.com/fluxionlabs/fluxion/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "fluxion-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Fire recurring workflows as sessions",
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
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often to look for due schedules",
				Value:   scheduler.DefaultPollInterval,
				Sources: cli.EnvVars("SCHEDULER_POLL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "catch-up",
				Usage:   "Catch-up policy for missed instants (fire-latest, fire-all)",
				Value:   scheduler.CatchUpFireLatest,
				Sources: cli.EnvVars("SCHEDULER_CATCH_UP"),
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
			logger := log.WithModule("fluxion-scheduler")

			logger.InfoContext(ctx, "Initializing Fluxion Scheduler")

			ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "fluxion-scheduler", logger)
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

			sched, err := scheduler.NewScheduler(persistence, eventBus, logger, scheduler.Config{
				PollInterval: command.Duration("poll-interval"),
				CatchUp:      command.String("catch-up"),
			})
			if err != nil {
				return err
			}

			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("fluxion-scheduler").Error("Scheduler exited with error", "error", err)
		os.Exit(1)
	}
}
