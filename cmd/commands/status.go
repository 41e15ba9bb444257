package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/orchard-run/orchard/internal/store"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show stored runs, or one run in detail",
		ArgsUsage: "[run-id]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "transitions",
				Usage: "Also print the status transition history",
			},
		},
		Action: runStatus,
	}
}

func runStatus(_ context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if cmd.Args().Len() == 0 {
		runs, err := st.ListRuns()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-10s  %s  %d/%d passed\n",
				r.RunID, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"),
				r.Summary.Passed, r.Summary.Total)
		}
		return nil
	}

	runID := cmd.Args().First()
	r, err := st.LoadRun(runID)
	if err != nil {
		return err
	}
	fmt.Println("run:", r.RunID)
	printRun(r)

	if cmd.Bool("transitions") {
		trs, err := st.LoadTransitions(runID)
		if err != nil {
			return err
		}
		fmt.Println("transitions:")
		for _, tr := range trs {
			line := fmt.Sprintf("  %s  %s: %s -> %s",
				tr.At.Format("15:04:05.000"), tr.TaskID, tr.From, tr.To)
			if tr.Reason != "" {
				line += " (" + tr.Reason + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}
