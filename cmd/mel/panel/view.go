package panel

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"mel/internal/ethics"
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "starting mel...\n"
	}

	var b strings.Builder

	header := m.styles.Header.Width(m.width).Render("Mel — pair programming panel")
	b.WriteString(header)
	b.WriteString("\n")

	b.WriteString(m.view.View())
	b.WriteString("\n")

	switch m.state {
	case stateMatching:
		b.WriteString(m.styles.Muted.Render(m.spin.View() + " matching learned patterns..."))
	case stateAsking:
		b.WriteString(m.styles.Muted.Render(m.spin.View() + " asking " + string(m.services.Router.ActiveProvider()) + "..."))
	default:
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")

	footer := "enter: match  ctrl+a: ask AI  ctrl+y: accept  ctrl+n: reject  esc: quit"
	if m.status != "" {
		footer = m.status + "  ·  " + footer
	}
	b.WriteString(m.styles.Footer.Width(m.width).Render(footer))

	return b.String()
}

// renderContent rebuilds the viewport body from the current state.
func (m *Model) renderContent() {
	var b strings.Builder

	if m.err != nil {
		b.WriteString(m.styles.Error.Render("error: " + m.err.Error()))
		m.view.SetContent(b.String())
		return
	}

	if m.lastContext != "" {
		b.WriteString(m.styles.Muted.Render("context: " + truncate(m.lastContext, 120)))
		b.WriteString("\n\n")
	}

	if m.check != nil && m.check.Result == ethics.ResultRejected {
		b.WriteString(m.styles.Error.Render("suggestion withheld: " + m.check.Reason))
		m.view.SetContent(b.String())
		return
	}

	switch {
	case m.answer != "":
		b.WriteString(m.renderBadges())
		rendered, err := glamour.Render(m.answer, glamourStyle(m.styles.Theme.IsDark))
		if err != nil {
			rendered = m.answer
		}
		b.WriteString(rendered)

	case m.suggestion != nil:
		b.WriteString(m.renderBadges())
		b.WriteString(m.styles.Suggestion.Width(max(m.width-6, 20)).Render(m.suggestion.Text))
		b.WriteString("\n")
		b.WriteString(m.styles.SourceBadge.Render(
			fmt.Sprintf("matched %q via %s", m.suggestion.Pattern, m.suggestion.Source)))

	case m.status != "":
		b.WriteString(m.styles.Muted.Render(m.status))
	}

	m.view.SetContent(b.String())
	m.view.GotoTop()
}

func (m *Model) renderBadges() string {
	var parts []string

	if m.suggestion != nil {
		conf := fmt.Sprintf("confidence %.0f%%", m.suggestion.Confidence*100)
		if m.suggestion.Confidence >= 0.7 {
			parts = append(parts, m.styles.ConfidenceHi.Render(conf))
		} else {
			parts = append(parts, m.styles.ConfidenceLo.Render(conf))
		}
	}

	if m.check != nil && m.check.Result == ethics.ResultNeedsReview {
		parts = append(parts, m.styles.ReviewBadge.Render("review: "+m.check.Reason))
	}

	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "  ") + "\n\n"
}

func glamourStyle(dark bool) string {
	if dark {
		return "dark"
	}
	return "light"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
