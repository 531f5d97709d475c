package dispatch

import (
	"sync"
	"time"
)

// Config controls the dispatch service.
//
// The app layer maps config fields into this struct; zero values get
// conservative defaults in New().
type Config struct {
	Parallelism int
	QueueSize   int

	// HourlyLimit caps sends per account inside a rolling 60-minute window.
	HourlyLimit int
	// SendCooldown is the minimum spacing between two sends on one account.
	SendCooldown time.Duration

	// MaxConsecutiveErrors trips the per-account breaker. <= 0 applies a default.
	MaxConsecutiveErrors int

	// DeferPolicy decides what happens to a job blocked by the rate window.
	DeferPolicy DeferPolicy

	// RatePerSec throttles driver work globally across all workers.
	// 0 disables global pacing.
	RatePerSec float64
}

type DeferPolicy string

const (
	// DeferRequeue puts rate-blocked jobs back with a not-before time.
	DeferRequeue DeferPolicy = "requeue"
	// DeferSkip marks rate-blocked jobs skipped immediately.
	DeferSkip DeferPolicy = "skip"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Job is one unit of driver work bound to an account.
//
// Either Recipient/Text (a direct message) or FlowAlias/Bindings (a recorded
// flow) is set. After submission the owning worker is the only writer; callers
// read results after Flush or Stop returns.
type Job struct {
	ID      string
	Account string

	Recipient string
	Text      string

	FlowAlias string
	Bindings  map[string]string

	Status    Status
	Attempts  int
	LastError string

	// NotBefore defers execution without consuming an admission slot.
	NotBefore time.Time

	enqueuedAt time.Time
}

// Terminal reports whether the job reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// runGuard tracks whether an account already has a job in-flight.
// Workers that lose the race requeue the job instead of blocking, which
// keeps the pool busy while preserving one-job-per-account execution.
type runGuard struct {
	mu       sync.Mutex
	inflight int
}

func (g *runGuard) tryAcquire() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight > 0 {
		return false
	}
	g.inflight++
	return true
}

func (g *runGuard) release() {
	if g == nil {
		return
	}
	g.mu.Lock()
	if g.inflight > 0 {
		g.inflight--
	}
	g.mu.Unlock()
}

// accountState holds per-account admission state. The run guard serializes
// execution, so only the worker holding it mutates window/counters; mu covers
// concurrent reads from Snapshot and external resets.
type accountState struct {
	run runGuard

	mu          sync.Mutex
	window      sendWindow
	lastSend    time.Time
	consecutive int
	halted      bool
}

// AccountSnapshot is a read-only view of one account's dispatch state.
type AccountSnapshot struct {
	Account     string
	SentInHour  int
	LastSend    time.Time
	Consecutive int
	Halted      bool
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	Dropped  uint64
	Accounts []AccountSnapshot
}
