package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// fetchFunc loads the current state of a run.
type fetchFunc func(ctx context.Context, id string) (*models.ExtractionRun, error)

// tickMsg triggers polling the run status
type tickMsg time.Time

// runUpdateMsg carries the updated run
type runUpdateMsg struct {
	run *models.ExtractionRun
	err error
}

// progressModel is the bubbletea model for run progress.
type progressModel struct {
	fetch    fetchFunc
	runID    string
	run      *models.ExtractionRun
	progress progress.Model
	theme    Theme
	local    bool // the run executes in this process
	done     bool
	quitting bool
	err      error
}

func newProgressModel(fetch fetchFunc, run *models.ExtractionRun) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return progressModel{
		fetch:    fetch,
		runID:    run.Key(),
		run:      run,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchRun()

	case runUpdateMsg:
		return m.applyUpdate(msg)

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) applyUpdate(msg runUpdateMsg) (progressModel, tea.Cmd) {
	if msg.err != nil {
		m.err = fmt.Errorf("failed to fetch run status: %w", msg.err)
		m.done = true
		return m, tea.Quit
	}

	m.run = msg.run
	switch m.run.Status {
	case models.RunCompleted, models.RunCancelled:
		m.done = true
		return m, tea.Quit
	case models.RunFailed:
		m.done = true
		if m.run.Error != nil {
			m.err = fmt.Errorf("%s", *m.run.Error)
		} else {
			m.err = fmt.Errorf("run failed with unknown error")
		}
		return m, tea.Quit
	}
	return m, tickCmd()
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.run == nil {
		return "Loading run status...\n"
	}

	c := m.run.Counters
	var pct float64
	if c.BatchesTotal > 0 {
		pct = float64(c.BatchesProcessed) / float64(c.BatchesTotal)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.run.Status))
	bar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d batches", c.BatchesProcessed, c.BatchesTotal)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")
	if m.local {
		hint = m.theme.hintStyle().Render("Press Ctrl+C to cancel the run")
	}

	return fmt.Sprintf("%s %s %s\n  %d topics, %d atoms, %d links so far\n%s\n",
		status, bar, counts, c.TopicsCreated, c.AtomsCreated, c.LinksCreated, hint)
}

func (m progressModel) finalView() string {
	if m.quitting && m.local {
		return m.theme.hintStyle().Render(fmt.Sprintf("\nCancelling run %s after the current batch...\n", m.runID))
	}
	if m.quitting {
		msg := fmt.Sprintf("\nRun %s continues in background.\nUse 'atomgraph run status %s' to check status.\n",
			m.runID, m.runID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Run failed: %s\n", m.err))
	}

	var b strings.Builder
	if m.run != nil && m.run.Status == models.RunCancelled {
		b.WriteString(m.theme.hintStyle().Render("■ Cancelled") + "\n\n")
	} else {
		b.WriteString(m.theme.completedStyle().Render("✓ Completed") + "\n\n")
	}
	if m.run != nil {
		writeCounters(&b, m.run.Counters)
		if m.run.Counters.BatchesFailed > 0 {
			b.WriteString(m.theme.errorStyle().Render(
				fmt.Sprintf("\n%d batch(es) failed; see 'atomgraph dlq list'\n", m.run.Counters.BatchesFailed)))
		}
	}
	return b.String()
}

// writeCounters renders run counters as an aligned block.
func writeCounters(b *strings.Builder, c models.RunCounters) {
	fmt.Fprintf(b, "  Messages processed: %d\n", c.MessagesProcessed)
	fmt.Fprintf(b, "  Batches:            %d/%d", c.BatchesProcessed, c.BatchesTotal)
	if c.BatchesFailed > 0 {
		fmt.Fprintf(b, " (%d failed)", c.BatchesFailed)
	}
	b.WriteString("\n")
	fmt.Fprintf(b, "  Topics created:     %d\n", c.TopicsCreated)
	fmt.Fprintf(b, "  Atoms created:      %d\n", c.AtomsCreated)
	fmt.Fprintf(b, "  Links created:      %d\n", c.LinksCreated)
	fmt.Fprintf(b, "  Versions created:   %d\n", c.VersionsCreated)
}

// fetchRun loads the run in a command so Update never blocks.
func (m progressModel) fetchRun() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		run, err := m.fetch(ctx, m.runID)
		return runUpdateMsg{run: run, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunProgress shows an interactive progress view until the run ends.
// Returns nil on success, cancellation or Ctrl+C (background), the run's
// error on failure.
func RunProgress(fetch fetchFunc, run *models.ExtractionRun) error {
	_, err := runProgress(newProgressModel(fetch, run))
	return err
}

func runProgress(model progressModel) (quit bool, err error) {
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return true, nil
		}
		return false, m.err
	}
	return false, nil
}

// waitPlain polls until the run ends, printing one line per change. Used
// when stdout is not a terminal.
func waitPlain(ctx context.Context, fetch fetchFunc, id string) (*models.ExtractionRun, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last models.RunCounters
	for {
		run, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		if run.Counters != last {
			last = run.Counters
			fmt.Printf("%s: %d/%d batches, %d atoms\n", run.Status,
				last.BatchesProcessed, last.BatchesTotal, last.AtomsCreated)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
