// Package history persists an append-only journal of finished tasks for
// post-mortem inspection through the monitor API. It records outcomes, not
// resumable state: tasks never survive a restart.
package history

import (
	"context"
	"time"
)

// Task outcome constants.
const (
	OutcomeSuccess  = "success"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// Record is one finished task.
type Record struct {
	ID         string    `json:"id"`
	Text       string    `json:"text,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats holds aggregate statistics over the journal.
type Stats struct {
	Total          int            `json:"total"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the task journal.
type Store interface {
	Append(ctx context.Context, r *Record) error
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
