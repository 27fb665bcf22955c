package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/matzehuels/hlsflow/pkg/pipeline"
)

// stepsCommand creates the steps command listing the build steps.
func (c *CLI) stepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List the build steps in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(stepsTable(pipeline.DefaultSteps))
			return nil
		},
	}
}

var tableHeaderStyle = lipgloss.NewStyle().Foreground(colorLabel).Bold(true)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle.Padding(0, 1)
			}
			if col == 0 {
				return lipgloss.NewStyle().Foreground(colorAccent).Padding(0, 1)
			}
			return lipgloss.NewStyle().Foreground(colorValue).Padding(0, 1)
		})
}

// stepsTable renders the name and description of every step.
func stepsTable(steps []pipeline.Step) string {
	t := newTable("#", "Step", "Description")
	for i, s := range steps {
		t.Row(strconv.Itoa(i+1), s.Name, s.Description)
	}
	return t.Render()
}

// stepStatsTable renders the node count and duration of completed steps.
func stepStatsTable(stats []pipeline.StepStats) string {
	t := newTable("Step", "Nodes", "Time")
	for _, s := range stats {
		t.Row(s.Step, strconv.Itoa(s.Nodes), s.Duration.Round(time.Millisecond).String())
	}
	return t.Render()
}
