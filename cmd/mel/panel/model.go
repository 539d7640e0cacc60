// Package panel implements the interactive suggestion panel.
// The user pastes or types editor context; Mel offers the best learned
// pattern, optionally escalating to the configured AI provider. Every
// accept/reject feeds back into the learning engine.
package panel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"mel/cmd/mel/ui"
	"mel/internal/ethics"
	"mel/internal/learning"
	"mel/internal/logging"
	"mel/internal/provider"
)

const queryTimeout = 2 * time.Minute

// Services are the backends the panel drives.
type Services struct {
	Engine  *learning.Engine
	Checker *ethics.Checker
	Router  *provider.Router
}

type state int

const (
	stateIdle state = iota
	stateMatching
	stateAsking
	stateShowing
)

// Model is the bubbletea model for the suggestion panel.
type Model struct {
	services  Services
	sessionID string
	styles    ui.Styles

	input    textinput.Model
	view     viewport.Model
	spin     spinner.Model
	state    state
	width    int
	height   int
	ready    bool
	quitting bool

	lastContext string
	suggestion  *learning.Suggestion
	check       *ethics.CheckResult
	answer      string
	status      string
	err         error
}

// New creates the panel model.
func New(services Services, styles ui.Styles) Model {
	input := textinput.New()
	input.Placeholder = "paste editor context, then enter"
	input.Prompt = "mel> "
	input.CharLimit = 0
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = styles.Info

	return Model{
		services:  services,
		sessionID: uuid.NewString(),
		styles:    styles,
		input:     input,
		spin:      spin,
		state:     stateIdle,
	}
}

// SessionID returns the panel's session identifier.
func (m Model) SessionID() string {
	return m.sessionID
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// suggestionMsg carries a match result back into the update loop.
type suggestionMsg struct {
	suggestion *learning.Suggestion
	check      *ethics.CheckResult
}

type noSuggestionMsg struct{}

type answerMsg struct {
	text  string
	check *ethics.CheckResult
}

type errMsg struct{ err error }

type statusMsg struct{ text string }

func (m *Model) fetchSuggestion(editorContext string) tea.Cmd {
	engine := m.services.Engine
	checker := m.services.Checker
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()

		s, err := engine.GetSuggestion(ctx, editorContext)
		if errors.Is(err, learning.ErrNoSuggestion) {
			return noSuggestionMsg{}
		}
		if err != nil {
			return errMsg{err}
		}

		check, err := checker.CheckSuggestion(ctx, s.Text)
		if err != nil {
			return errMsg{err}
		}
		return suggestionMsg{suggestion: s, check: check}
	}
}

func (m *Model) askProvider(editorContext string) tea.Cmd {
	router := m.services.Router
	checker := m.services.Checker
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()

		answer, err := router.CompleteWithSystem(ctx,
			"You are Mel, a terse pair-programming assistant. Suggest the next step for the given editor context. Answer in markdown.",
			editorContext)
		if err != nil {
			return errMsg{err}
		}

		check, err := checker.CheckSuggestion(ctx, answer)
		if err != nil {
			return errMsg{err}
		}
		return answerMsg{text: answer, check: check}
	}
}

func (m *Model) recordFeedback(action string) tea.Cmd {
	engine := m.services.Engine
	editorContext := m.lastContext
	sessionID := m.sessionID
	suggestion := m.suggestion
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if suggestion != nil {
			var err error
			switch action {
			case "accepted":
				err = engine.Accept(ctx, suggestion.PatternID)
			case "rejected":
				err = engine.Reject(ctx, suggestion.PatternID)
			}
			if err != nil {
				return errMsg{err}
			}
		}

		// Feedback verbs are logged only; learning the verb as a
		// response would poison the pattern for this context.
		if err := engine.RecordFeedback(ctx, sessionID, editorContext, action); err != nil {
			return errMsg{err}
		}
		return statusMsg{text: action}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		viewHeight := max(msg.Height-6, 3)
		if !m.ready {
			m.view = viewport.New(msg.Width, viewHeight)
			m.ready = true
		} else {
			m.view.Width = msg.Width
			m.view.Height = viewHeight
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit

		case "enter":
			text := m.input.Value()
			if text == "" || m.state == stateMatching || m.state == stateAsking {
				return m, nil
			}
			m.lastContext = text
			m.suggestion = nil
			m.answer = ""
			m.check = nil
			m.err = nil
			m.status = ""
			m.state = stateMatching
			m.input.SetValue("")
			logging.UI("panel query: len=%d", len(text))
			return m, tea.Batch(m.spin.Tick, m.fetchSuggestion(text))

		case "ctrl+a":
			if m.lastContext == "" || m.state == stateMatching || m.state == stateAsking {
				return m, nil
			}
			m.state = stateAsking
			m.err = nil
			return m, tea.Batch(m.spin.Tick, m.askProvider(m.lastContext))

		case "ctrl+y":
			if m.state == stateShowing && m.suggestion != nil {
				m.state = stateIdle
				return m, m.recordFeedback("accepted")
			}
			return m, nil

		case "ctrl+n":
			if m.state == stateShowing && m.suggestion != nil {
				m.state = stateIdle
				return m, m.recordFeedback("rejected")
			}
			return m, nil
		}

	case suggestionMsg:
		m.suggestion = msg.suggestion
		m.check = msg.check
		m.state = stateShowing
		m.renderContent()
		return m, nil

	case noSuggestionMsg:
		m.suggestion = nil
		m.check = nil
		m.state = stateIdle
		m.status = "no learned pattern matches; ctrl+a asks " + string(m.services.Router.ActiveProvider())
		m.renderContent()
		// Still worth learning that this context was seen
		return m, m.recordFeedback("typed")

	case answerMsg:
		m.answer = msg.text
		m.check = msg.check
		m.state = stateShowing
		m.renderContent()
		return m, nil

	case statusMsg:
		if m.status == "" {
			m.status = msg.text
		}
		return m, nil

	case errMsg:
		m.err = msg.err
		m.state = stateIdle
		m.renderContent()
		return m, nil

	case spinner.TickMsg:
		if m.state == stateMatching || m.state == stateAsking {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.view, cmd = m.view.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// Run starts the panel and blocks until the user quits.
func Run(services Services, styles ui.Styles) error {
	m := New(services, styles)
	logging.UI("panel session started: %s", m.sessionID)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("panel failed: %w", err)
	}

	logging.UI("panel session ended: %s", m.sessionID)
	return nil
}
