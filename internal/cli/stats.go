package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query pipeline performance statistics",
}

var statsStateDurationCmd = &cobra.Command{
	Use:   "state-duration",
	Short: "Time spent per pipeline state",
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
		transitions, err := st.ListAllTransitions(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATE\tCOUNT\tAVG(m)\tP50(m)\tP95(m)")
		for _, d := range analytics.StateDurations(runs, transitions) {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", d.State, d.Count, d.Avg, d.P50, d.P95)
		}
		return w.Flush()
	},
}

var statsGatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "Outcome rates per verification gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		results, err := st.ListAllGateResults(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "GATE\tTOTAL\tPASS%\tNONCRIT%\tCRIT%\tTOP FAILURES")
		for _, g := range analytics.GateStats(results) {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%s\n",
				g.Gate, g.Total, g.PassPct, g.NonCritical, g.Critical, g.TopFailures)
		}
		return w.Flush()
	},
}

var statsFixCyclesCmd = &cobra.Command{
	Use:   "fix-cycles",
	Short: "Fix-cycle distribution for finished runs",
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
		fmt.Fprintln(w, "STATE\tTOTAL\t0%\t1%\t2%\t3+%")
		for _, d := range analytics.FixCycleDistribution(runs) {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%.1f\n",
				d.State, d.Total, d.Zero, d.One, d.Two, d.ThreePlus)
		}
		return w.Flush()
	},
}

var statsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Weekly run volume and outcomes",
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
		fmt.Fprintln(w, "WEEK\tCREATED\tCOMPLETED\tFAILED\tAVG(h)")
		for _, tp := range analytics.WeeklyThroughput(runs) {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n",
				tp.Period, tp.Created, tp.Completed, tp.Failed, tp.AvgDuration)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.AddCommand(statsStateDurationCmd)
	statsCmd.AddCommand(statsGatesCmd)
	statsCmd.AddCommand(statsFixCyclesCmd)
	statsCmd.AddCommand(statsThroughputCmd)
}
