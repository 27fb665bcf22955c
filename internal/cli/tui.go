package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/matzehuels/hlsflow/pkg/graph"
	"github.com/matzehuels/hlsflow/pkg/pipeline"
)

// Step list styles
var (
	stepRunningStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	stepDoneStyle    = lipgloss.NewStyle().Foreground(colorOK)
	stepFailedStyle  = lipgloss.NewStyle().Foreground(colorFail)
	stepPendingStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

type stepState int

const (
	stepPending stepState = iota
	stepRunning
	stepDone
	stepFailed
)

// stepRow is the displayed state of one build step.
type stepRow struct {
	name     string
	state    stepState
	nodes    int
	duration time.Duration
}

// stepEventMsg forwards a runner progress event into the program.
type stepEventMsg pipeline.StepEvent

// buildDoneMsg ends the program with the build outcome.
type buildDoneMsg struct {
	result *pipeline.Result
	err    error
}

type tickMsg time.Time

// =============================================================================
// BuildModel - Live step view
// =============================================================================

// BuildModel is the bubbletea model showing the steps of a running build.
type BuildModel struct {
	Title  string
	Steps  []stepRow
	Result *pipeline.Result
	Err    error

	started time.Time
	frame   int
	cancel  context.CancelFunc
}

// NewBuildModel creates a model listing the given step names as pending.
func NewBuildModel(title string, steps []string, cancel context.CancelFunc) BuildModel {
	rows := make([]stepRow, len(steps))
	for i, name := range steps {
		rows[i] = stepRow{name: name}
	}
	return BuildModel{Title: title, Steps: rows, started: time.Now(), cancel: cancel}
}

func tick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m BuildModel) Init() tea.Cmd {
	return tick()
}

func (m BuildModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.cancel != nil {
				m.cancel()
			}
		}
	case tickMsg:
		m.frame++
		return m, tick()
	case stepEventMsg:
		m.apply(pipeline.StepEvent(msg))
	case buildDoneMsg:
		m.Result, m.Err = msg.result, msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m *BuildModel) apply(ev pipeline.StepEvent) {
	if ev.Index < 0 || ev.Index >= len(m.Steps) {
		return
	}
	row := &m.Steps[ev.Index]
	row.name = ev.Step
	switch {
	case !ev.Done:
		row.state = stepRunning
	case ev.Err != nil:
		row.state = stepFailed
		row.duration = ev.Duration
	default:
		row.state = stepDone
		row.nodes = ev.Nodes
		row.duration = ev.Duration
	}
}

func (m BuildModel) View() string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render(m.Title))
	b.WriteString("\n")
	b.WriteString(stepPendingStyle.Render("q cancel"))
	b.WriteString("\n\n")

	rows := make([][]string, len(m.Steps))
	for i, s := range m.Steps {
		icon, nodes, took := "·", "", ""
		switch s.state {
		case stepRunning:
			icon = spinnerFrames[m.frame%len(spinnerFrames)]
		case stepDone:
			icon = iconSuccess
			nodes = fmt.Sprintf("%d", s.nodes)
			took = s.duration.Round(time.Millisecond).String()
		case stepFailed:
			icon = iconError
			took = s.duration.Round(time.Millisecond).String()
		}
		rows[i] = []string{icon, s.name, nodes, took}
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
		Headers("", "Step", "Nodes", "Time").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle.Padding(0, 1)
			}
			if row < 0 || row >= len(m.Steps) {
				return lipgloss.NewStyle()
			}
			base := lipgloss.NewStyle().Padding(0, 1)
			switch m.Steps[row].state {
			case stepRunning:
				return base.Inherit(stepRunningStyle)
			case stepDone:
				return base.Inherit(stepDoneStyle)
			case stepFailed:
				return base.Inherit(stepFailedStyle)
			}
			return base.Inherit(stepPendingStyle)
		})

	b.WriteString(t.Render())
	b.WriteString("\n\n")
	b.WriteString(stepPendingStyle.Render(fmt.Sprintf("  elapsed %s", time.Since(m.started).Round(time.Second))))
	b.WriteString("\n")

	return b.String()
}

// runBuildTUI runs the build while showing the live step view. The build
// runs in its own goroutine and reports progress to the program.
func runBuildTUI(ctx context.Context, runner *pipeline.Runner, g *graph.Graph, cfg pipeline.Config) (*pipeline.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := NewBuildModel(fmt.Sprintf("Building %s", g.Name), cfg.StepNames(), cancel)
	p := tea.NewProgram(model)

	runner.Progress = func(ev pipeline.StepEvent) { p.Send(stepEventMsg(ev)) }
	go func() {
		result, err := runner.Run(ctx, g, cfg, nil)
		p.Send(buildDoneMsg{result: result, err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("build view: %w", err)
	}
	m := final.(BuildModel)
	return m.Result, m.Err
}
