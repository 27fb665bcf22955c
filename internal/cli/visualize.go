package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/hlsflow/pkg/graph"
)

// Visualization output formats.
const (
	formatDOT = "dot"
	formatSVG = "svg"
)

// visualizeCommand creates the visualize command for rendering a model.
func (c *CLI) visualizeCommand() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "visualize [model.json]",
		Short: "Render a model as a dataflow diagram",
		Long: `Render a model as a dataflow diagram.

The visualize command reads a model in JSON form, either the input of a build
or the model.json written by one, and draws its nodes and tensors. Hardware
layers are highlighted with their folding attributes.

The dot format writes Graphviz source; svg renders it in-process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(format)
			if format != formatDOT && format != formatSVG {
				return fmt.Errorf("unsupported format %q (use dot or svg)", format)
			}
			return c.runVisualize(cmd.Context(), args[0], format, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: input name with the format extension)")
	cmd.Flags().StringVarP(&format, "format", "f", formatSVG, "output format: svg, dot")

	return cmd
}

// runVisualize loads the model and renders it.
func (c *CLI) runVisualize(ctx context.Context, input, format, output string) error {
	prog := newProgress(c.Logger)

	g, err := graph.ImportJSON(input)
	if err != nil {
		return fmt.Errorf("load model %s: %w", input, err)
	}

	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + "." + format
	}

	var data []byte
	switch format {
	case formatDOT:
		data = []byte(graph.ToDOT(g))
	default:
		spinner := newSpinner(ctx, fmt.Sprintf("Rendering %d nodes...", len(g.Nodes)))
		spinner.Start()
		data, err = graph.RenderSVG(ctx, g)
		if err != nil {
			spinner.StopWithError("Visualization failed")
			return fmt.Errorf("visualize: %w", err)
		}
		spinner.Stop()
	}

	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	prog.done("Rendered model", "nodes", len(g.Nodes), "format", format)

	printSuccess("Rendered %s", g.Name)
	printDetail("%s", graphStats(g))
	printFile(output)
	if len(g.HWNodes()) == 0 {
		printWarning("Model has no hardware layers yet")
		printNextStep("Build it first", fmt.Sprintf("%s build %s", appName, input))
	}
	return nil
}
