package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/hkuds/vmpool/internal/sandbox"
)

// Styles for the setup progress view.
var (
	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205"))

	stepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// Setupper is the part of the lifecycle manager the progress view drives.
type Setupper interface {
	Name() string
	Setup(ctx context.Context) error
	Subscribe(fn func(sandbox.Transition)) func()
}

// progressModel is the Bubble Tea model for an instance setup.
type progressModel struct {
	name       string
	spinner    spinner.Model
	steps      []sandbox.Transition
	current    sandbox.State
	started    time.Time
	cancel     context.CancelFunc
	cancelling bool
	done       bool
	err        error
}

// transitionMsg carries a lifecycle transition into the program.
type transitionMsg sandbox.Transition

// setupDoneMsg is sent when Setup returns.
type setupDoneMsg struct {
	err error
}

func newProgressModel(name string, cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return progressModel{
		name:    name,
		spinner: s,
		current: sandbox.StateInitializing,
		started: time.Now(),
		cancel:  cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// Setup cleans up after itself once its context is cancelled.
			if !m.cancelling {
				m.cancelling = true
				m.cancel()
			}
			return m, nil
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case transitionMsg:
		m.steps = append(m.steps, sandbox.Transition(msg))
		m.current = msg.To
		return m, nil

	case setupDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m progressModel) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Setting up " + m.name))
	sb.WriteString("\n\n")

	for _, t := range m.steps {
		mark := successStyle.Render("✓")
		if t.Err != nil {
			mark = errorStyle.Render("✗")
		}
		sb.WriteString(fmt.Sprintf("  %s %s\n", mark, stepStyle.Render(string(t.To))))
		if t.Err != nil {
			sb.WriteString("    " + subtitleStyle.Render(firstLine(t.Err.Error())) + "\n")
		}
	}
	sb.WriteString("\n")

	elapsed := time.Since(m.started).Round(time.Second)
	switch {
	case m.done && m.err != nil:
		sb.WriteString(errorStyle.Render(fmt.Sprintf("Setup failed after %s: %v", elapsed, firstLine(m.err.Error()))))
		sb.WriteString("\n")
	case m.done:
		sb.WriteString(successStyle.Render(fmt.Sprintf("Instance ready in %s", elapsed)))
		sb.WriteString("\n")
	case m.cancelling:
		sb.WriteString(m.spinner.View() + " Cancelling, cleaning up...")
		sb.WriteString("\n")
	default:
		sb.WriteString(m.spinner.View() + fmt.Sprintf(" %s (%s)", m.current, elapsed))
		sb.WriteString("\n\n")
		sb.WriteString(subtitleStyle.Render("Press q or Ctrl+C to cancel"))
	}

	return sb.String()
}

// RunSetupProgress runs mgr.Setup while showing its lifecycle transitions.
// It returns the error of Setup, which is the context error when the user
// cancelled.
func RunSetupProgress(ctx context.Context, mgr Setupper) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newProgressModel(mgr.Name(), cancel))
	unsubscribe := mgr.Subscribe(func(t sandbox.Transition) {
		p.Send(transitionMsg(t))
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		err := mgr.Setup(ctx)
		done <- err
		p.Send(setupDoneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		log.Debug().Err(err).Msg("progress view unavailable")
	}
	return <-done
}
