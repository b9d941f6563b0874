package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPR\tBRANCH\tSTATE\tCYCLES\tUPDATED")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t#%d\t%s\t%s\t%d/%d\t%s\n",
				run.ID, run.PRNumber, run.SourceBranch, run.State,
				run.FixCycleCount, run.MaxFixCycles,
				run.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run %s\n", run.ID)
		fmt.Fprintf(out, "  PR:          #%d (%s -> %s)\n", run.PRNumber, run.SourceBranch, run.TargetBranch)
		fmt.Fprintf(out, "  State:       %s\n", run.State)
		fmt.Fprintf(out, "  Fix cycles:  %d/%d\n", run.FixCycleCount, run.MaxFixCycles)
		fmt.Fprintf(out, "  Commit:      %s\n", run.CommitSHA)
		if run.LastError != "" {
			fmt.Fprintf(out, "  Last error:  %s\n", run.LastError)
		}

		transitions, err := st.ListTransitions(ctx, args[0])
		if err != nil {
			return err
		}
		if len(transitions) > 0 {
			fmt.Fprintln(out, "\nTransitions:")
			for _, tr := range transitions {
				fmt.Fprintf(out, "  %s  %s -> %s  (%s)\n",
					tr.CreatedAt.Format(time.RFC3339), tr.FromState, tr.ToState, tr.Trigger)
			}
		}

		results, err := st.ListGateResults(ctx, args[0])
		if err != nil {
			return err
		}
		if len(results) > 0 {
			fmt.Fprintln(out, "\nGate results:")
			for _, r := range results {
				fmt.Fprintf(out, "  %s  %s  %s  (%d/%d passed)\n",
					r.CreatedAt.Format(time.RFC3339), r.Gate, r.Outcome, r.PassedTests, r.TotalTests)
			}
		}
		return nil
	},
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cmd.Context(), cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func init() {
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}
