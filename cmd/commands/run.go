package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/orchard-run/orchard/internal/cert"
	"github.com/orchard-run/orchard/internal/config"
	"github.com/orchard-run/orchard/internal/events"
	"github.com/orchard-run/orchard/internal/graph"
	"github.com/orchard-run/orchard/internal/localexec"
	"github.com/orchard-run/orchard/internal/run"
	"github.com/orchard-run/orchard/internal/scheduler"
	"github.com/orchard-run/orchard/internal/store"
	"github.com/orchard-run/orchard/internal/tasks"
)

// NewRunCommand returns the run subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a run definition to completion",
		ArgsUsage: "<definition.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "resume",
				Usage: "Resume a previously started run by id instead of starting a new one",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Maximum tasks executing at once",
			},
		},
		Action: runRun,
	}
}

func runRun(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	if cmd.IsSet("concurrency") {
		cfg.Run.Concurrency = cmd.Int("concurrency")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	coordinator := newCoordinator(cfg, st, bus)

	var runID string
	if cmd.IsSet("resume") {
		runID = cmd.String("resume")
		if err := coordinator.Resume(ctx, runID); err != nil {
			return err
		}
	} else {
		if cmd.Args().Len() != 1 {
			return fmt.Errorf("usage: orchard run <definition.yaml>")
		}
		data, err := os.ReadFile(cmd.Args().First())
		if err != nil {
			return fmt.Errorf("read definition: %w", err)
		}
		def, err := run.ParseDefinition(data)
		if err != nil {
			return err
		}
		certifier, err := def.BuildCertifier(st, bus, defaultProbes(), &localexec.ShellRemediator{})
		if err != nil {
			return err
		}
		runID, err = coordinator.StartRunWith(ctx, def.BuildTasks(), certifier)
		if err != nil {
			return err
		}
	}

	fmt.Println("run:", runID)
	coordinator.Wait(runID)

	final, err := coordinator.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	printRun(final)
	if final.Status != tasks.RunCompleted {
		return cli.Exit("", 1)
	}
	return nil
}

func printRun(r *tasks.Run) {
	fmt.Printf("status: %s\n", r.Status)
	fmt.Printf("  passed %d, failed %d, blocked %d, skipped %d (of %d)\n",
		r.Summary.Passed, r.Summary.Failed, r.Summary.Blocked, r.Summary.Skipped, r.Summary.Total)
	for _, t := range r.Tasks {
		line := fmt.Sprintf("  [%s] %s", t.Status, t.ID)
		if res, ok := r.Results[t.ID]; ok {
			if res.Reason != "" {
				line += ": " + res.Reason
			}
			for _, c := range res.Caveats {
				line += " (" + c + ")"
			}
		}
		fmt.Println(line)
	}
}

// loadConfig loads the config file named by the --config flag, falling
// back to defaults, and wires the log level.
func loadConfig(cmd *cli.Command) *config.Config {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		slog.Debug("config not found, using defaults", "path", cmd.String("config"), "error", err)
		cfg = config.Default()
	}

	level := slog.LevelInfo
	if cmd.Bool("debug") || cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	} else if cfg.Log.Level == "warn" {
		level = slog.LevelWarn
	} else if cfg.Log.Level == "error" {
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg
}

func newCoordinator(cfg *config.Config, st tasks.Store, bus *events.Bus) *run.Coordinator {
	policy := graph.DefaultPolicy()
	if cfg.Run.SkippedSatisfies != nil {
		policy.SkippedSatisfies = *cfg.Run.SkippedSatisfies
	}
	defaultCertifier := cert.New(cert.Config{
		Store:  st,
		Bus:    bus,
		Probes: defaultProbes(),
	})
	return run.NewCoordinator(st, bus, &localexec.ShellExecutor{}, defaultCertifier, run.Config{
		Concurrency:       cfg.Run.Concurrency,
		TaskTimeout:       cfg.Run.TaskTimeout.Duration(),
		Policy:            policy,
		DefaultMaxRetries: cfg.Run.MaxRetries,
		Backoff: scheduler.Backoff{
			Initial: cfg.Run.Backoff.Initial.Duration(),
			Max:     cfg.Run.Backoff.Max.Duration(),
			Factor:  cfg.Run.Backoff.Factor,
		},
	}, slog.Default())
}

func defaultProbes() map[string][]cert.Probe {
	return map[string][]cert.Probe{
		"": {localexec.OutputProbe{}, localexec.SuccessProbe{}},
	}
}
