package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pomodoro-bridge/internal/events"
	"github.com/mattjoyce/pomodoro-bridge/internal/pomodoro"
)

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to backend..."
	}

	parts := []string{
		m.renderHeader(),
		m.renderTimer(),
		m.renderOutcomes(),
		m.renderEvents(),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Help.Render(" [s] Start • [p] Pause • [r] Reset • [n] Next preset • [g] Refresh • [q] Quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) innerWidth() int {
	w := m.width - 8
	if w < 20 {
		w = 20
	}
	return w
}

func (m Model) renderHeader() string {
	title := m.theme.Title.Render("POMODORO BRIDGE")

	pending := m.theme.Dim.Render("idle")
	if m.inflight > 0 {
		pending = fmt.Sprintf("%s %d pending", m.spinner.View(), m.inflight)
	}

	lastEvent := "never"
	if !m.activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", m.now().Sub(m.activity.LastEvent()).Round(time.Second))
	}

	statusLine := fmt.Sprintf(" Backend: %s  PID: %s  Restarts: %d  %s",
		m.renderState(m.status.State),
		pidText(m.status.PID),
		m.status.Restarts,
		pending,
	)
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, m.activity.Render(m.theme))

	content := lipgloss.JoinVertical(lipgloss.Left, title, statusLine, activityLine)
	return m.theme.Border.Width(m.innerWidth()).Render(content)
}

func (m Model) renderState(state string) string {
	switch state {
	case "ready":
		return m.theme.StatusOK.Render(strings.ToUpper(state))
	case "starting", "not_started", "":
		if state == "" {
			state = "unknown"
		}
		return m.theme.StatusPending.Render(strings.ToUpper(state))
	default:
		return m.theme.StatusFailed.Render(strings.ToUpper(state))
	}
}

func pidText(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func (m Model) renderTimer() string {
	if !m.haveTimer {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("TIMER"),
			m.theme.Dim.Render("  Waiting for timer state..."),
		)
		return m.theme.Border.Width(m.innerWidth()).Render(content)
	}

	st := m.timer
	phase := m.theme.Focus.Render("FOCUS")
	if st.IsBreak {
		if st.BreakKind == pomodoro.BreakLong {
			phase = m.theme.LongBreak.Render("LONG BREAK")
		} else {
			phase = m.theme.Break.Render("SHORT BREAK")
		}
	}
	if !st.Running {
		phase += " " + m.theme.Paused.Render("(paused)")
	}

	clock := m.theme.Clock.Render(formatClock(st.RemainingSeconds))
	details := lipgloss.JoinVertical(lipgloss.Left,
		phase,
		fmt.Sprintf("Preset: %s", m.theme.Highlight.Render(st.Preset)),
		fmt.Sprintf("Cycle:  %s", cycleDots(st.CycleProgress, st.LongBreakInterval, m.theme)),
		m.renderStats(),
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("TIMER"),
		lipgloss.JoinHorizontal(lipgloss.Center, clock, details),
	)
	return m.theme.Border.Width(m.innerWidth()).Render(content)
}

func (m Model) renderStats() string {
	if !m.haveStats {
		return m.theme.Dim.Render("Today:  -")
	}
	s := m.stats
	return fmt.Sprintf("Today:  %d sessions, %s focus, %d/%d breaks",
		s.Count,
		(time.Duration(s.FocusSeconds) * time.Second).String(),
		s.ShortBreaks, s.LongBreaks,
	)
}

func (m Model) renderOutcomes() string {
	body := m.theme.Dim.Render("  No commands yet")
	if len(m.outcomes) > 0 {
		body = m.table.View()
	}
	content := lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("COMMANDS"), body)
	return m.theme.Border.Width(m.innerWidth()).Render(content)
}

func outcomeRows(outcomes []Outcome) []table.Row {
	rows := make([]table.Row, 0, len(outcomes))
	for _, o := range outcomes {
		result := "● " + o.Detail
		if !o.OK {
			result = "∅ " + o.Detail
		}
		rows = append(rows, table.Row{
			o.At.Format("15:04:05"),
			o.Command,
			fmt.Sprintf("#%d", o.Token),
			result,
			o.Took.Round(time.Millisecond).String(),
		})
	}
	return rows
}

func (m Model) renderEvents() string {
	if len(m.eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENTS"),
			m.theme.Dim.Render("  Waiting for events..."),
		)
		return m.theme.Border.Width(m.innerWidth()).Render(content)
	}

	lines := make([]string, 0, len(m.eventLog))
	for _, e := range m.eventLog {
		lines = append(lines, m.formatEvent(e))
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return m.theme.Border.Width(m.innerWidth()).Render(content)
}

func (m Model) formatEvent(e events.Event) string {
	ts := m.theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeBackendState:
		typeStyle = m.theme.Highlight
	case events.TypeTransportDisconnected, events.TypeProtocolError:
		typeStyle = m.theme.StatusFailed
	case events.TypeCommandSubmitted:
		typeStyle = m.theme.StatusPending
	default:
		typeStyle = m.theme.Dim
	}
	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-22s", e.Type)), eventDesc(e))
}

func eventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if from, ok := data["from"].(string); ok {
		parts = append(parts, from+" → "+asString(data["to"]))
	}
	if cmd, ok := data["command"].(string); ok {
		parts = append(parts, cmd)
	}
	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}
	if healthy, ok := data["healthy"].(bool); ok {
		parts = append(parts, fmt.Sprintf("healthy=%t", healthy))
	}
	if msg, ok := data["error"].(string); ok {
		parts = append(parts, msg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
