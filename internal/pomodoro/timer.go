// Package pomodoro is the timer and statistics core served by the reference
// backend. It knows nothing about the wire protocol.
package pomodoro

import (
	"sync"
	"time"
)

// Break kinds.
const (
	BreakShort = "short"
	BreakLong  = "long"
)

// Preset is a named work/break cadence.
type Preset struct {
	Name      string
	Work      time.Duration
	Break     time.Duration
	LongBreak time.Duration
	// Interval is the number of work sessions before a long break.
	Interval int
}

// CustomPreset names the user-defined cadence; selecting it keeps the
// current durations.
const CustomPreset = "Custom"

// Presets are offered in this order.
var Presets = []Preset{
	{Name: "Classic 25/5", Work: 25 * time.Minute, Break: 5 * time.Minute, LongBreak: 15 * time.Minute, Interval: 4},
	{Name: "Quick 15/3", Work: 15 * time.Minute, Break: 3 * time.Minute, LongBreak: 10 * time.Minute, Interval: 4},
	{Name: "Deep 50/10", Work: 50 * time.Minute, Break: 10 * time.Minute, LongBreak: 20 * time.Minute, Interval: 3},
	{Name: "Gentle 20/5", Work: 20 * time.Minute, Break: 5 * time.Minute, LongBreak: 15 * time.Minute, Interval: 4},
}

// PresetNames lists every selectable preset, Custom last.
func PresetNames() []string {
	names := make([]string, 0, len(Presets)+1)
	for _, p := range Presets {
		names = append(names, p.Name)
	}
	return append(names, CustomPreset)
}

// LookupPreset finds a built-in preset by name.
func LookupPreset(name string) (Preset, bool) {
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// NextPreset returns the preset after current, wrapping around. Custom is
// skipped.
func NextPreset(current string) string {
	for i, p := range Presets {
		if p.Name == current {
			return Presets[(i+1)%len(Presets)].Name
		}
	}
	return Presets[0].Name
}

// TimerState is the snapshot returned to the front-end.
type TimerState struct {
	Preset            string   `json:"preset"`
	WorkSeconds       int      `json:"work_seconds"`
	BreakSeconds      int      `json:"break_seconds"`
	LongBreakSeconds  int      `json:"long_break_seconds"`
	LongBreakInterval int      `json:"long_break_interval"`
	RemainingSeconds  int      `json:"remaining_seconds"`
	Running           bool     `json:"running"`
	IsBreak           bool     `json:"is_break"`
	BreakKind         string   `json:"break_kind"`
	CycleProgress     int      `json:"cycle_progress"`
	Presets           []string `json:"presets"`
}

// Completion is a phase that ran to zero.
type Completion struct {
	// Kind is "work", "short" or "long".
	Kind    string
	Seconds int
}

// Timer is a wall-clock countdown through work and break phases. A finished
// work phase rolls straight into its break; a finished break stops the timer
// ready for the next work phase.
type Timer struct {
	now func() time.Time

	mu        sync.Mutex
	preset    Preset
	remaining time.Duration
	deadline  time.Time
	running   bool
	isBreak   bool
	breakKind string
	cycle     int

	onComplete func(Completion)
}

// NewTimer returns a stopped timer on the first preset. now may be nil.
func NewTimer(now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	p := Presets[0]
	return &Timer{
		now:       now,
		preset:    p,
		remaining: p.Work,
		breakKind: BreakShort,
	}
}

// OnComplete registers fn for every finished phase. fn runs with the timer
// locked and must not call back into it.
func (t *Timer) OnComplete(fn func(Completion)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onComplete = fn
}

// Start resumes the countdown, refilling an exhausted phase first.
func (t *Timer) Start() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked()
	if t.remaining <= 0 {
		t.remaining = t.phaseLength()
	}
	if !t.running {
		t.running = true
		t.deadline = t.now().Add(t.remaining)
	}
	return t.snapshotLocked()
}

// Pause freezes the countdown.
func (t *Timer) Pause() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked()
	t.running = false
	return t.snapshotLocked()
}

// Reset stops the timer and returns to the start of a work phase.
func (t *Timer) Reset() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.isBreak = false
	t.breakKind = BreakShort
	t.remaining = t.preset.Work
	return t.snapshotLocked()
}

// SetPreset switches cadence and rewinds to a full work phase. Unknown names
// and Custom leave the timer unchanged.
func (t *Timer) SetPreset(name string) TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := LookupPreset(name); ok {
		t.preset = p
		t.remaining = p.Work
		if t.running {
			t.deadline = t.now().Add(t.remaining)
		}
		t.isBreak = false
		t.breakKind = BreakShort
	}
	return t.snapshotLocked()
}

// State returns the current snapshot.
func (t *Timer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked()
	return t.snapshotLocked()
}

func (t *Timer) phaseLength() time.Duration {
	switch {
	case !t.isBreak:
		return t.preset.Work
	case t.breakKind == BreakLong:
		return t.preset.LongBreak
	default:
		return t.preset.Break
	}
}

// advanceLocked brings the countdown up to now, completing phases that
// elapsed in the meantime.
func (t *Timer) advanceLocked() {
	if !t.running {
		return
	}
	now := t.now()
	t.remaining = t.deadline.Sub(now)

	for t.running && t.remaining <= 0 {
		overshoot := -t.remaining
		length := t.phaseLength()

		if !t.isBreak {
			t.complete(Completion{Kind: "work", Seconds: int(length.Seconds())})
			t.cycle++
			t.isBreak = true
			t.breakKind = BreakShort
			if t.preset.Interval > 0 && t.cycle >= t.preset.Interval {
				t.breakKind = BreakLong
				t.cycle = 0
			}
			t.remaining = t.phaseLength() - overshoot
			t.deadline = now.Add(t.remaining)
			continue
		}

		t.complete(Completion{Kind: t.breakKind, Seconds: int(length.Seconds())})
		t.isBreak = false
		t.breakKind = BreakShort
		t.running = false
		t.remaining = t.preset.Work
	}
}

func (t *Timer) complete(c Completion) {
	if t.onComplete != nil {
		t.onComplete(c)
	}
}

func (t *Timer) snapshotLocked() TimerState {
	remaining := t.remaining
	if remaining < 0 {
		remaining = 0
	}
	return TimerState{
		Preset:            t.preset.Name,
		WorkSeconds:       int(t.preset.Work.Seconds()),
		BreakSeconds:      int(t.preset.Break.Seconds()),
		LongBreakSeconds:  int(t.preset.LongBreak.Seconds()),
		LongBreakInterval: t.preset.Interval,
		// Round up so a fresh 25:00 phase does not read 24:59.
		RemainingSeconds: int((remaining + time.Second - 1) / time.Second),
		Running:          t.running,
		IsBreak:          t.isBreak,
		BreakKind:        t.breakKind,
		CycleProgress:    t.cycle,
		Presets:          PresetNames(),
	}
}
