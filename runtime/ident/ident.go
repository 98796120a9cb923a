// Package ident provides identifier minting and clock access behind a single
// interface so production code gets time-ordered unique ids while tests get a
// reproducible sequence and a fixed clock.
package ident

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator mints the identifiers used across the runtime and reports the
// current time. Implementations must be safe for concurrent use.
type Generator interface {
	// NewRunID returns a per-invocation id unique within the process.
	NewRunID() string
	// NewCorrelationID returns a process-level id tying together requests,
	// logs, and errors for one logical operation.
	NewCorrelationID() string
	// NewMessageID returns a globally unique, time-ordered id for a single
	// transmission attempt.
	NewMessageID() string
	// NewRequestID returns an id stable across retries of a logical request.
	NewRequestID() string
	// Now reports the current time.
	Now() time.Time
}

// production mints UUIDv7 values, which are time-ordered and unique, and
// reads the system wall clock.
type production struct{}

// NewProduction returns the Generator used outside of tests.
func NewProduction() Generator {
	return production{}
}

func (production) NewRunID() string         { return "run-" + newV7() }
func (production) NewCorrelationID() string { return "corr-" + newV7() }
func (production) NewMessageID() string     { return "msg-" + newV7() }
func (production) NewRequestID() string     { return "req-" + newV7() }
func (production) Now() time.Time           { return time.Now().UTC() }

func newV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source is broken; fall back to v4
		// rather than stalling the pipeline.
		return uuid.NewString()
	}
	return id.String()
}

// Deterministic mints ids from a seeded counter and reports a fixed,
// manually advanced clock. It exists to make the test suite reproducible.
type Deterministic struct {
	mu   sync.Mutex
	seed string
	next int
	now  time.Time
}

// NewDeterministic returns a Deterministic generator. All ids share the seed
// prefix and carry a monotonically increasing ordinal.
func NewDeterministic(seed string, start time.Time) *Deterministic {
	return &Deterministic{seed: seed, now: start}
}

func (d *Deterministic) NewRunID() string         { return d.mint("run") }
func (d *Deterministic) NewCorrelationID() string { return d.mint("corr") }
func (d *Deterministic) NewMessageID() string     { return d.mint("msg") }
func (d *Deterministic) NewRequestID() string     { return d.mint("req") }

// Now reports the fixed clock value.
func (d *Deterministic) Now() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Advance moves the fixed clock forward by the given duration.
func (d *Deterministic) Advance(delta time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = d.now.Add(delta)
}

func (d *Deterministic) mint(kind string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	return fmt.Sprintf("%s-%s-%06d", kind, d.seed, d.next)
}
