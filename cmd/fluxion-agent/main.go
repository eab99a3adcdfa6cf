package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxionlabs/fluxion/pkg/agent"
	"github.com/fluxionlabs/fluxion/pkg/cmd"
	"github.com/fluxionlabs/fluxion/pkg/dispatch"
	"github.com/fluxionlabs/fluxion/pkg/executors"
	"github.com/fluxionlabs/fluxion/pkg/executors/script"
	"github.com/fluxionlabs/fluxion/pkg/executors/shell"
	"github.com/fluxionlabs/fluxion/pkg/log"
	"github.com/fluxionlabs/fluxion/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "fluxion-agent",
		EnableShellCompletion: true,
		Usage:                 "Lease and execute workflow tasks",
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
				Usage:   "Fallback interval for polling the ready queue",
				Value:   agent.DefaultPollInterval,
				Sources: cli.EnvVars("AGENT_POLL_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Maximum tasks run at the same time",
				Value:   agent.DefaultConcurrency,
				Sources: cli.EnvVars("AGENT_CONCURRENCY"),
			},
			&cli.StringFlag{
				Name:    "shell",
				Usage:   "Shell used by the shell capability",
				Value:   "/bin/sh",
				Sources: cli.EnvVars("AGENT_SHELL"),
			},
			&cli.StringFlag{
				Name:    "script-interpreter",
				Usage:   "Interpreter used by the script capability",
				Value:   "/bin/sh",
				Sources: cli.EnvVars("AGENT_SCRIPT_INTERPRETER"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for task execution",
				Value:   false,
				Sources: cli.EnvVars("AGENT_TRACING"),
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
			logger := log.WithModule("fluxion-agent")

			logger.InfoContext(ctx, "Initializing Fluxion Agent")

			ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "fluxion-agent", logger)
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

			var tracer trace.Tracer
			if command.Bool("tracing") {
				tracer, err = otelhelper.NewTracer(ctx, "fluxion-agent")
				if err != nil {
					return err
				}
			}

			registry := executors.NewRegistry(logger)
			registry.Register(shell.NewFactory())
			registry.Register(script.NewFactory())

			dispatcher := dispatch.NewDispatcher(persistence, eventBus, logger)

			worker := agent.NewAgent(dispatcher, registry, eventBus, logger, tracer, agent.Config{
				PollInterval: command.Duration("poll-interval"),
				Concurrency:  int(command.Int("concurrency")),
				ExecutorConfig: map[string]map[string]any{
					"shell":  {"shell": command.String("shell")},
					"script": {"interpreter": command.String("script-interpreter")},
				},
			})

			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("fluxion-agent").Error("Agent exited with error", "error", err)
		os.Exit(1)
	}
}
