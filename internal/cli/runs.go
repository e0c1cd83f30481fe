package cli

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"contacttrend/internal/render"
)

func newRunsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent warehouse fetches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := e.load(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.Runs == nil {
				return errors.New("fetch-run ledger is not configured")
			}

			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				limit = e.cfg.RunsListLimit
			}
			runs, err := rt.Runs.ListFetchRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			table := render.NewTable(cmd.OutOrStdout())
			table.Header([]string{"STARTED", "OUTCOME", "ROWS", "DURATION", "TRIGGER", "ERROR"})
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				errText := ""
				if run.Error != nil {
					errText = *run.Error
				}
				rows = append(rows, []string{
					run.StartedAt.Format(time.RFC3339),
					string(run.Outcome),
					strconv.Itoa(run.RowCount),
					run.Duration().Round(time.Millisecond).String(),
					run.Trigger,
					errText,
				})
			}
			if err := table.Bulk(rows); err != nil {
				return err
			}
			return table.Render()
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "number of runs to show (default RUNS_LIST_LIMIT)")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}
