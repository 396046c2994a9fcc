package pomodoro

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Stats are the day's totals. They reset when the date changes.
type Stats struct {
	Date         string `json:"date"`
	Count        int    `json:"count"`
	ShortBreaks  int    `json:"short_breaks"`
	LongBreaks   int    `json:"long_breaks"`
	FocusSeconds int    `json:"focus_seconds"`
	BreakSeconds int    `json:"break_seconds"`
}

// StatsStore keeps today's Stats in a JSON file. An empty path keeps them in
// memory only.
type StatsStore struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	stats Stats
}

// OpenStats loads path, starting fresh when the file is missing, unreadable
// or from another day.
func OpenStats(path string, now func() time.Time) *StatsStore {
	if now == nil {
		now = time.Now
	}
	s := &StatsStore{path: path, now: now}
	s.stats = s.load()
	return s
}

func (s *StatsStore) today() string {
	return s.now().Format(time.DateOnly)
}

func (s *StatsStore) fresh() Stats {
	return Stats{Date: s.today()}
}

func (s *StatsStore) load() Stats {
	if s.path == "" {
		return s.fresh()
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.fresh()
	}
	var st Stats
	if err := json.Unmarshal(data, &st); err != nil || st.Date != s.today() {
		return s.fresh()
	}
	return st
}

// Get returns today's stats.
func (s *StatsStore) Get() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	return s.stats
}

// Record folds a finished phase into today's totals and saves them.
func (s *StatsStore) Record(c Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	switch c.Kind {
	case "work":
		s.stats.Count++
		s.stats.FocusSeconds += c.Seconds
	case BreakShort:
		s.stats.ShortBreaks++
		s.stats.BreakSeconds += c.Seconds
	case BreakLong:
		s.stats.LongBreaks++
		s.stats.BreakSeconds += c.Seconds
	default:
		return fmt.Errorf("unknown phase kind %q", c.Kind)
	}
	return s.saveLocked()
}

// Merge overlays the fields present in patch onto today's stats and saves
// them. Unknown fields are ignored.
func (s *StatsStore) Merge(patch map[string]any) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()

	current, err := json.Marshal(s.stats)
	if err != nil {
		return s.stats, err
	}
	merged := map[string]any{}
	if err := json.Unmarshal(current, &merged); err != nil {
		return s.stats, err
	}
	for k, v := range patch {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return s.stats, err
	}
	var next Stats
	if err := json.Unmarshal(data, &next); err != nil {
		return s.stats, fmt.Errorf("invalid stats: %w", err)
	}
	s.stats = next
	return s.stats, s.saveLocked()
}

func (s *StatsStore) rollLocked() {
	if s.stats.Date != s.today() {
		s.stats = s.fresh()
	}
}

// saveLocked writes through a temp file so a crash never leaves a torn file.
func (s *StatsStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create stats dir: %w", err)
	}
	data, err := json.Marshal(s.stats)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Join(fmt.Errorf("replace stats: %w", err), os.Remove(tmp))
	}
	return nil
}
