// Package sync replays queued offline transactions against the server.
package sync

import (
	"context"
	"time"
)

// Replayer defines the replay operations the scheduler and local API use.
// This interface allows for mocking in tests.
type Replayer interface {
	// ReplayAll delivers every pending transaction once, oldest first.
	// It never returns an error; failures are counted in the result.
	ReplayAll(ctx context.Context) Result

	// InProgress reports whether a replay pass is running.
	InProgress() bool

	// Status returns the current sync status.
	Status() SyncStatus

	// LastResult returns the result of the last completed pass, or nil.
	LastResult() *Result

	// LastSync returns when the last pass without errors finished.
	LastSync() *time.Time
}

// Connectivity reports the current reachability state.
type Connectivity interface {
	IsOnline() bool
}

var _ Replayer = (*Driver)(nil)
