package pomodoro

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func TestNewTimerDefaults(t *testing.T) {
	st := NewTimer(newClock().Now).State()
	assert.Equal(t, "Classic 25/5", st.Preset)
	assert.Equal(t, 1500, st.WorkSeconds)
	assert.Equal(t, 300, st.BreakSeconds)
	assert.Equal(t, 900, st.LongBreakSeconds)
	assert.Equal(t, 4, st.LongBreakInterval)
	assert.Equal(t, 1500, st.RemainingSeconds)
	assert.False(t, st.Running)
	assert.Equal(t, BreakShort, st.BreakKind)
	assert.Equal(t, []string{"Classic 25/5", "Quick 15/3", "Deep 50/10", "Gentle 20/5", "Custom"}, st.Presets)
}

func TestStartPauseReset(t *testing.T) {
	clock := newClock()
	timer := NewTimer(clock.Now)

	st := timer.Start()
	assert.True(t, st.Running)

	clock.Advance(90 * time.Second)
	st = timer.Pause()
	assert.False(t, st.Running)
	assert.Equal(t, 1410, st.RemainingSeconds)

	clock.Advance(time.Hour)
	assert.Equal(t, 1410, timer.State().RemainingSeconds, "paused timer does not move")

	st = timer.Reset()
	assert.Equal(t, 1500, st.RemainingSeconds)
	assert.False(t, st.IsBreak)
}

func TestWorkRollsIntoBreakThenStops(t *testing.T) {
	clock := newClock()
	timer := NewTimer(clock.Now)
	var done []Completion
	timer.OnComplete(func(c Completion) { done = append(done, c) })

	timer.Start()
	clock.Advance(25*time.Minute + 10*time.Second)
	st := timer.State()
	assert.True(t, st.Running)
	assert.True(t, st.IsBreak)
	assert.Equal(t, BreakShort, st.BreakKind)
	assert.Equal(t, 290, st.RemainingSeconds)
	assert.Equal(t, 1, st.CycleProgress)

	clock.Advance(5 * time.Minute)
	st = timer.State()
	assert.False(t, st.Running)
	assert.False(t, st.IsBreak)
	assert.Equal(t, 1500, st.RemainingSeconds)

	require.Len(t, done, 2)
	assert.Equal(t, Completion{Kind: "work", Seconds: 1500}, done[0])
	assert.Equal(t, Completion{Kind: BreakShort, Seconds: 300}, done[1])
}

func TestLongBreakAfterInterval(t *testing.T) {
	clock := newClock()
	timer := NewTimer(clock.Now)
	timer.SetPreset("Deep 50/10")

	for i := 0; i < 2; i++ {
		timer.Start()
		clock.Advance(50 * time.Minute)
		require.Equal(t, BreakShort, timer.State().BreakKind)
		clock.Advance(10 * time.Minute)
		require.False(t, timer.State().Running)
	}

	timer.Start()
	clock.Advance(50 * time.Minute)
	st := timer.State()
	assert.True(t, st.IsBreak)
	assert.Equal(t, BreakLong, st.BreakKind)
	assert.Equal(t, 1200, st.RemainingSeconds)
	assert.Equal(t, 0, st.CycleProgress)
}

func TestSetPreset(t *testing.T) {
	timer := NewTimer(newClock().Now)

	st := timer.SetPreset("Quick 15/3")
	assert.Equal(t, "Quick 15/3", st.Preset)
	assert.Equal(t, 900, st.RemainingSeconds)
	assert.Equal(t, 180, st.BreakSeconds)

	st = timer.SetPreset(CustomPreset)
	assert.Equal(t, "Quick 15/3", st.Preset, "Custom keeps current durations")

	st = timer.SetPreset("Nope")
	assert.Equal(t, "Quick 15/3", st.Preset)
}

func TestNextPreset(t *testing.T) {
	assert.Equal(t, "Quick 15/3", NextPreset("Classic 25/5"))
	assert.Equal(t, "Classic 25/5", NextPreset("Gentle 20/5"))
	assert.Equal(t, "Classic 25/5", NextPreset(CustomPreset))
}

func TestStatsRecordAndPersist(t *testing.T) {
	clock := newClock()
	path := filepath.Join(t.TempDir(), "stats", "pomodoro.json")
	s := OpenStats(path, clock.Now)

	require.NoError(t, s.Record(Completion{Kind: "work", Seconds: 1500}))
	require.NoError(t, s.Record(Completion{Kind: BreakShort, Seconds: 300}))
	require.NoError(t, s.Record(Completion{Kind: BreakLong, Seconds: 900}))
	assert.Error(t, s.Record(Completion{Kind: "nap"}))

	reopened := OpenStats(path, clock.Now)
	got := reopened.Get()
	assert.Equal(t, Stats{
		Date:         "2026-03-02",
		Count:        1,
		ShortBreaks:  1,
		LongBreaks:   1,
		FocusSeconds: 1500,
		BreakSeconds: 1200,
	}, got)
}

func TestStatsResetOnNewDay(t *testing.T) {
	clock := newClock()
	path := filepath.Join(t.TempDir(), "pomodoro.json")
	s := OpenStats(path, clock.Now)
	require.NoError(t, s.Record(Completion{Kind: "work", Seconds: 60}))

	clock.Advance(24 * time.Hour)
	assert.Equal(t, Stats{Date: "2026-03-03"}, s.Get())
	assert.Equal(t, Stats{Date: "2026-03-03"}, OpenStats(path, clock.Now).Get())
}

func TestStatsIgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pomodoro.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s := OpenStats(path, newClock().Now)
	assert.Equal(t, 0, s.Get().Count)
}

func TestStatsMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pomodoro.json")
	s := OpenStats(path, newClock().Now)

	got, err := s.Merge(map[string]any{"count": 7, "focus_seconds": 600, "mood": "good"})
	require.NoError(t, err)
	assert.Equal(t, 7, got.Count)
	assert.Equal(t, 600, got.FocusSeconds)
	assert.Equal(t, "2026-03-02", got.Date)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Stats
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, 7, onDisk.Count)

	_, err = s.Merge(map[string]any{"count": "lots"})
	assert.Error(t, err)
	assert.Equal(t, 7, s.Get().Count)
}

func TestInMemoryStats(t *testing.T) {
	s := OpenStats("", nil)
	require.NoError(t, s.Record(Completion{Kind: "work", Seconds: 1}))
	assert.Equal(t, 1, s.Get().Count)
}
