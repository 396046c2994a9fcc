// Package tui is the terminal front-end for the pomodoro timer. Every key
// press becomes a command submitted through the shell; responses come back
// as messages on the Bubble Tea loop, which never waits on the backend.
package tui

import (
	"encoding/json"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pomodoro-bridge/internal/bridge"
	"github.com/mattjoyce/pomodoro-bridge/internal/events"
	"github.com/mattjoyce/pomodoro-bridge/internal/pomodoro"
	"github.com/mattjoyce/pomodoro-bridge/internal/shell"
)

const (
	maxOutcomes  = 20
	maxEvents    = 6
	tickInterval = time.Second
)

// Bridge is the part of the shell the front-end talks to.
type Bridge interface {
	Submit(name string, args ...any) *bridge.Future
	Status() shell.Status
}

// Outcome is one resolved command, newest first in the table.
type Outcome struct {
	At      time.Time
	Command string
	Token   uint64
	OK      bool
	Detail  string
	Took    time.Duration
}

type resultMsg struct {
	resp    bridge.Response
	took    time.Duration
	tracked bool
}

// Resolved wraps a response delivered from outside the model, for example
// by shell.Post, so the model can apply it.
func Resolved(resp bridge.Response) tea.Msg { return resultMsg{resp: resp} }

type eventMsg events.Event

type eventsClosedMsg struct{}

type tickMsg time.Time

// Model is the Bubble Tea model for the timer.
type Model struct {
	bridge      Bridge
	sub         <-chan events.Event
	unsubscribe func()
	now         func() time.Time

	width  int
	height int

	status    shell.Status
	timer     pomodoro.TimerState
	haveTimer bool
	stats     pomodoro.Stats
	haveStats bool

	inflight  int
	outcomes  []Outcome
	eventLog  []events.Event
	lastError string

	spinner  spinner.Model
	table    table.Model
	activity Activity
	theme    Theme
}

// New returns a model submitting through b. hub may be nil; when set the
// model follows its events until quit. The initial state is not fetched
// here: post it with shell.Post and Resolved once the program exists.
func New(b Bridge, hub *events.Hub) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 8},
			{Title: "Command", Width: 12},
			{Title: "Token", Width: 6},
			{Title: "Result", Width: 28},
			{Title: "Took", Width: 8},
		}),
		table.WithHeight(6),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)

	theme := NewDefaultTheme()
	m := &Model{
		bridge:      b,
		unsubscribe: func() {},
		now:         time.Now,
		status:      b.Status(),
		spinner:     spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.StatusPending)),
		table:       t,
		theme:       theme,
	}
	if hub != nil {
		m.sub, m.unsubscribe = hub.Subscribe()
	}
	return m
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tick()}
	if m.sub != nil {
		cmds = append(cmds, waitForEvent(m.sub))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.unsubscribe()
			return m, tea.Quit
		case "s":
			return m.submit("start_timer")
		case "p":
			return m.submit("pause_timer")
		case "r":
			return m.submit("reset_timer")
		case "n":
			return m.submit("set_preset", map[string]any{"preset": pomodoro.NextPreset(m.timer.Preset)})
		case "g":
			var state, stats tea.Cmd
			m, state = m.submit("get_state")
			m, stats = m.submit("read_stats")
			return m, tea.Batch(state, stats)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(msg.Width - 8)

	case spinner.TickMsg:
		if m.inflight == 0 {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case resultMsg:
		if msg.tracked && m.inflight > 0 {
			m.inflight--
		}
		m.record(msg)
		return m.apply(msg.resp)

	case eventMsg:
		e := events.Event(msg)
		m.activity.OnEvent(m.now())
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEvents {
			m.eventLog = m.eventLog[:maxEvents]
		}
		if e.Type == events.TypeBackendState {
			var st events.BackendState
			if err := json.Unmarshal(e.Data, &st); err == nil {
				m.status.State = st.To
			}
		}
		return m, waitForEvent(m.sub)

	case eventsClosedMsg:
		m.sub = nil

	case tickMsg:
		m.activity.Decay(m.now())
		m.status = m.bridge.Status()
		// A running timer is polled once a second, never stacking requests.
		if m.timer.Running && m.inflight == 0 {
			var poll tea.Cmd
			m, poll = m.submit("get_state")
			return m, tea.Batch(poll, tick())
		}
		return m, tick()
	}

	return m, nil
}

// submit sends name through the bridge and returns the command that waits
// for its response.
func (m Model) submit(name string, args ...any) (Model, tea.Cmd) {
	m.inflight++
	cmd := m.await(name, args...)
	if m.inflight == 1 {
		return m, tea.Batch(cmd, m.spinner.Tick)
	}
	return m, cmd
}

func (m Model) await(name string, args ...any) tea.Cmd {
	start := m.now()
	f := m.bridge.Submit(name, args...)
	now := m.now
	return func() tea.Msg {
		<-f.Done()
		resp, _ := f.Result()
		return resultMsg{resp: resp, took: now().Sub(start), tracked: true}
	}
}

func (m *Model) record(msg resultMsg) {
	o := Outcome{
		At:      m.now(),
		Command: msg.resp.Command,
		Token:   msg.resp.Token,
		OK:      msg.resp.OK(),
		Detail:  "ok",
		Took:    msg.took,
	}
	if !o.OK {
		o.Detail = msg.resp.Err.Error()
	}
	m.outcomes = append([]Outcome{o}, m.outcomes...)
	if len(m.outcomes) > maxOutcomes {
		m.outcomes = m.outcomes[:maxOutcomes]
	}
	m.table.SetRows(outcomeRows(m.outcomes))
}

// apply folds a response into the model. A phase change refreshes the
// day's stats.
func (m Model) apply(resp bridge.Response) (Model, tea.Cmd) {
	if !resp.OK() {
		m.lastError = resp.Err.Message
		return m, nil
	}
	m.lastError = ""

	switch resp.Command {
	case "get_state", "start_timer", "pause_timer", "reset_timer", "set_preset":
		var st pomodoro.TimerState
		if err := resp.Decode(&st); err != nil {
			m.lastError = "unexpected timer state: " + err.Error()
			return m, nil
		}
		phaseChanged := m.haveTimer && st.IsBreak != m.timer.IsBreak
		m.timer = st
		m.haveTimer = true
		if phaseChanged {
			return m.submit("read_stats")
		}
	case "read_stats", "write_stats":
		var st pomodoro.Stats
		if err := resp.Decode(&st); err != nil {
			m.lastError = "unexpected stats: " + err.Error()
			return m, nil
		}
		m.stats = st
		m.haveStats = true
	}
	return m, nil
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(e)
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}
