package cli

import (
	"fmt"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/lenamarten/memvault/internal/catalog"
	"github.com/lenamarten/memvault/internal/pipeline"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
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

// eventMsg carries one pipeline status change.
type eventMsg pipeline.Event

// runDoneMsg signals that the event channel closed, i.e. the run ended.
type runDoneMsg struct{}

// kindCount tracks terminal outcomes for one media kind.
type kindCount struct {
	total  int
	done   int
	failed int
}

func (k kindCount) finished() int { return k.done + k.failed }

// archiveModel is the bubbletea model for a running archive pipeline.
// It mirrors the classic three-bar layout: one bar for everything, one
// per media kind.
type archiveModel struct {
	events   <-chan pipeline.Event
	progress progress.Model
	theme    Theme

	photos   kindCount
	videos   kindCount
	skipped  int
	terminal map[string]bool

	lastID   string
	done     bool
	quitting bool
}

// newArchiveModel creates a progress model for the given totals.
func newArchiveModel(events <-chan pipeline.Event, photoTotal, videoTotal int) archiveModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return archiveModel{
		events:   events,
		progress: prog,
		theme:    defaultTheme,
		photos:   kindCount{total: photoTotal},
		videos:   kindCount{total: videoTotal},
		terminal: make(map[string]bool),
	}
}

// Init returns the initial command (start consuming events).
func (m archiveModel) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m archiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case eventMsg:
		m.apply(pipeline.Event(msg))
		return m, waitForEvent(m.events)

	case runDoneMsg:
		m.done = true
		return m, tea.Quit

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// apply folds one event into the counters. Only the first terminal
// status of a memory counts, so a later repair pass cannot double-book.
func (m *archiveModel) apply(ev pipeline.Event) {
	m.lastID = ev.MemoryID

	switch ev.Status {
	case pipeline.StatusDone, pipeline.StatusFailed:
	default:
		return
	}
	if m.terminal[ev.MemoryID] {
		return
	}
	m.terminal[ev.MemoryID] = true

	count := &m.photos
	if ev.Kind == catalog.KindVideo {
		count = &m.videos
	}
	if ev.Status == pipeline.StatusDone {
		count.done++
		if ev.Skipped {
			m.skipped++
		}
	} else {
		count.failed++
	}
}

// View renders the progress display.
func (m archiveModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m archiveModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	total := kindCount{
		total:  m.photos.total + m.videos.total,
		done:   m.photos.done + m.videos.done,
		failed: m.photos.failed + m.videos.failed,
	}

	out := m.renderBar("TOTAL", total)
	if failed := total.failed; failed > 0 {
		out += "  " + m.theme.errorStyle().Render(fmt.Sprintf("✗ %d", failed))
	}
	out += "\n"
	out += m.renderBar("IMG", m.photos) + "\n"
	out += m.renderBar("VID", m.videos) + "\n"

	hint := m.theme.hintStyle().Render("Press q to detach; the run keeps going.")
	return out + hint + "\n"
}

// renderBar draws one labeled progress bar with counts.
func (m archiveModel) renderBar(label string, c kindCount) string {
	var pct float64
	if c.total > 0 {
		pct = float64(c.finished()) / float64(c.total)
	}
	name := m.theme.statusStyle().Render(fmt.Sprintf("%-5s", label))
	return fmt.Sprintf("%s %s %d/%d", name, m.progress.ViewAs(pct), c.finished(), c.total)
}

// finalView renders the completion line. The detailed summary is printed
// by the command after the UI exits.
func (m archiveModel) finalView() string {
	failed := m.photos.failed + m.videos.failed
	if failed > 0 {
		return m.theme.errorStyle().Render(fmt.Sprintf("Run finished with %d failure(s).", failed)) + "\n"
	}
	return m.theme.completedStyle().Render("✓ Run finished") + "\n"
}

// waitForEvent blocks on the next pipeline event.
// Runs in a separate goroutine (command) to avoid blocking Update().
func waitForEvent(events <-chan pipeline.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return runDoneMsg{}
		}
		return eventMsg(ev)
	}
}

// runArchiveProgress runs the interactive progress UI over a pipeline
// event stream. Returns whether the user detached before the run ended.
func runArchiveProgress(events <-chan pipeline.Event, photoTotal, videoTotal int) (bool, error) {
	model := newArchiveModel(events, photoTotal, videoTotal)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(archiveModel); ok {
		return m.quitting, nil
	}
	return false, nil
}
