package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"contacttrend/internal/render"
	"contacttrend/internal/store"
)

func newRenderCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Write a static HTML snapshot of the dashboard",
		Long: `Run one page load and write the resulting page as standalone HTML.

Examples:
  trendctl render --out trend.html
  trendctl render --out -            # write to stdout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")

			rt, err := e.load(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			doc := render.NewDocument()
			state := rt.Pipeline.Load(store.WithTrigger(cmd.Context(), "cli"), doc)

			if err := writeHTML(cmd.OutOrStdout(), out, doc); err != nil {
				return err
			}
			if out != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s)\n", out, state)
			}
			return stateErr(state)
		},
	}
	cmd.Flags().StringP("out", "o", "trend.html", "output file, - for stdout")
	return cmd
}

func writeHTML(stdout io.Writer, path string, doc *render.Document) error {
	if path == "-" {
		return doc.WriteHTML(stdout, render.PageOptions{})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := doc.WriteHTML(f, render.PageOptions{}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
