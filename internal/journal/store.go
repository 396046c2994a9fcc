// Package journal persists the outcome of every bridged command and every
// backend state transition to SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a journal row does not exist.
var ErrNotFound = errors.New("journal entry not found")

// Command statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Entry is one resolved command.
type Entry struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Token        uint64    `json:"token"`
	Command      string    `json:"command"`
	Status       string    `json:"status"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	ResolvedAt   time.Time `json:"resolved_at"`
	DurationMS   int64     `json:"duration_ms"`
}

// Age renders how long ago the entry resolved, e.g. "3 minutes ago".
func (e Entry) Age(now time.Time) string {
	return humanize.RelTime(e.ResolvedAt, now, "ago", "from now")
}

// Transition is one backend state change.
type Transition struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Summary aggregates the command log.
type Summary struct {
	Total         int            `json:"total"`
	Succeeded     int            `json:"succeeded"`
	Failed        map[string]int `json:"failed"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	LastAt        *time.Time     `json:"last_at,omitempty"`
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store reads and writes journal rows.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordCommand inserts e, assigning an ID if it has none.
func (s *Store) RecordCommand(ctx context.Context, e Entry) (string, error) {
	if e.Command == "" {
		return "", fmt.Errorf("command is empty")
	}
	if e.Status != StatusOK && e.Status != StatusError {
		return "", fmt.Errorf("invalid status: %q", e.Status)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_log(
  id, session_id, token, command, status, error_kind, error_code, error_message, submitted_at, resolved_at, duration_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.SessionID, int64(e.Token), e.Command, e.Status, nullable(e.ErrorKind), nullable(e.ErrorCode), nullable(e.ErrorMessage),
		formatTime(e.SubmittedAt), formatTime(e.ResolvedAt), e.DurationMS)
	if err != nil {
		return "", fmt.Errorf("insert command_log: %w", err)
	}
	return e.ID, nil
}

// RecordTransition inserts t, assigning an ID if it has none.
func (s *Store) RecordTransition(ctx context.Context, t Transition) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO backend_events(id, session_id, from_state, to_state, reason, at)
VALUES(?, ?, ?, ?, ?, ?);
`, t.ID, t.SessionID, t.From, t.To, nullable(t.Reason), formatTime(t.At))
	if err != nil {
		return "", fmt.Errorf("insert backend_events: %w", err)
	}
	return t.ID, nil
}

// Get loads one command entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, token, command, status, error_kind, error_code, error_message, submitted_at, resolved_at, duration_ms
FROM command_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command_log %s: %w", id, err)
	}
	return e, nil
}

// List returns up to limit entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, token, command, status, error_kind, error_code, error_message, submitted_at, resolved_at, duration_ms
FROM command_log
ORDER BY resolved_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list command_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command_log: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Transitions returns up to limit backend state changes, newest first.
func (s *Store) Transitions(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, from_state, to_state, reason, at
FROM backend_events
ORDER BY at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list backend_events: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t      Transition
			reason sql.NullString
			atS    string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.From, &t.To, &reason, &atS); err != nil {
			return nil, fmt.Errorf("scan backend_events: %w", err)
		}
		t.Reason = reason.String
		t.At = parseTime(atS)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summary aggregates every command in the log.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{Failed: make(map[string]int)}

	var (
		avg   sql.NullFloat64
		lastS sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'ok' THEN 1 ELSE 0 END), 0), AVG(duration_ms), MAX(resolved_at)
FROM command_log;
`).Scan(&sum.Total, &sum.Succeeded, &avg, &lastS); err != nil {
		return sum, fmt.Errorf("summarize command_log: %w", err)
	}
	if avg.Valid {
		sum.AvgDurationMS = avg.Float64
	}
	if lastS.Valid {
		t := parseTime(lastS.String)
		sum.LastAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT COALESCE(error_kind, 'unknown'), COUNT(*)
FROM command_log
WHERE status = 'error'
GROUP BY 1;
`)
	if err != nil {
		return sum, fmt.Errorf("summarize failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return sum, fmt.Errorf("scan failures: %w", err)
		}
		sum.Failed[kind] = n
	}
	return sum, rows.Err()
}

// Prune deletes rows older than retention and returns how many went.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-retention))

	var total int64
	for _, q := range []string{
		`DELETE FROM command_log WHERE resolved_at < ?;`,
		`DELETE FROM backend_events WHERE at < ?;`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune journal: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e            Entry
		token        int64
		errKind      sql.NullString
		errCode      sql.NullString
		errMsg       sql.NullString
		submittedAtS string
		resolvedAtS  string
		durationMS   int64
	)
	if err := sc.Scan(&e.ID, &e.SessionID, &token, &e.Command, &e.Status, &errKind, &errCode, &errMsg,
		&submittedAtS, &resolvedAtS, &durationMS); err != nil {
		return nil, err
	}
	e.Token = uint64(token)
	e.ErrorKind = errKind.String
	e.ErrorCode = errCode.String
	e.ErrorMessage = errMsg.String
	e.SubmittedAt = parseTime(submittedAtS)
	e.ResolvedAt = parseTime(resolvedAtS)
	e.DurationMS = durationMS
	return &e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
