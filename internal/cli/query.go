package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"contacttrend/internal/dashboard"
	"contacttrend/internal/render"
	"contacttrend/internal/store"
)

func newQueryCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run one page load and print the trend",
		Long: `Run one page load (bootstrap, fetch, render) and print the result.

Warnings and errors go to stderr; the hourly table goes to stdout.
Exits non-zero when the credential bootstrap fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := e.load(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := store.WithTrigger(cmd.Context(), "cli")
			jsonOutput, _ := cmd.Flags().GetBool("json")

			if jsonOutput {
				doc := render.NewDocument()
				state := rt.Pipeline.Load(ctx, doc)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(struct {
					State  dashboard.State `json:"state"`
					Blocks []render.Block  `json:"blocks"`
				}{State: state, Blocks: doc.Blocks()}); err != nil {
					return err
				}
				return stateErr(state)
			}

			sink := render.NewTextSink(cmd.OutOrStdout(), cmd.ErrOrStderr(), e.useColors())
			return stateErr(rt.Pipeline.Load(ctx, sink))
		},
	}
	cmd.Flags().Bool("json", false, "output the page blocks as JSON")
	return cmd
}

func stateErr(state dashboard.State) error {
	if state == dashboard.StateHaltedOnConfigError {
		return ErrHalted
	}
	return nil
}
