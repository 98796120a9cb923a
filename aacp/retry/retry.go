// Package retry drives retransmission of unsettled AACP messages. The
// schedule advances only on explicit ticks so callers control time, backoff
// is exponential with symmetric jitter, and eligibility is decided from the
// ledger record.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/aacp/ledger"
	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/ident"
	"github.com/parley-dev/parley/runtime/telemetry"
)

type (
	// Policy tunes retransmission behavior.
	Policy struct {
		// MaxAttempts bounds retransmissions per message. Zero or negative
		// falls back to the default.
		MaxAttempts int
		// BaseDelay is the backoff before the first retransmission.
		BaseDelay time.Duration
		// MaxDelay caps the exponential growth.
		MaxDelay time.Duration
		// Multiplier is the per-attempt growth factor.
		Multiplier float64
		// Jitter spreads each delay symmetrically: 0.1 means ±10%.
		Jitter float64
	}

	// Scheduler tracks pending retransmissions keyed by messageId. It holds
	// no timers; ProcessRetriesOnce extracts whatever is due at call time.
	// Safe for concurrent use.
	Scheduler struct {
		mu       sync.Mutex
		policy   Policy
		now      func() time.Time
		jitterFn func() float64
		schedule map[string]*entry
	}

	entry struct {
		scheduledAt time.Time
		attempt     int
	}

	// Option customizes a Scheduler.
	Option func(*Scheduler)

	// Retransmitter pumps the scheduler against the ledger: due messages
	// still eligible per policy are re-sent with a fresh messageId and the
	// original requestId.
	Retransmitter struct {
		sched  *Scheduler
		ledger ledger.Ledger
		ids    ident.Generator
		send   SendFunc
		log    *telemetry.Logger
	}

	// SendFunc transmits one envelope. Failures leave the message scheduled
	// for the next tick.
	SendFunc func(ctx context.Context, env *envelope.Envelope) error
)

// DefaultPolicy returns the production retransmission settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableCode reports whether a failure code is transient enough to
// retransmit.
func RetryableCode(code errs.Code) bool {
	switch code {
	case errs.Timeout, errs.ResourceExhausted, errs.Internal:
		return true
	default:
		return false
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithJitterSource overrides the uniform [0,1) source used for jitter.
func WithJitterSource(fn func() float64) Option {
	return func(s *Scheduler) { s.jitterFn = fn }
}

// NewScheduler constructs a Scheduler with the given policy. Zero policy
// fields fall back to defaults.
func NewScheduler(policy Policy, opts ...Option) *Scheduler {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = def.Multiplier
	}
	s := &Scheduler{
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
		jitterFn: rand.Float64,
		schedule: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the scheduler's effective policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// ScheduleRetry queues the message to become due after delay. Scheduling an
// already-queued message moves its due time and advances its attempt counter.
func (s *Scheduler) ScheduleRetry(messageID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now().Add(delay)
	if e, ok := s.schedule[messageID]; ok {
		e.scheduledAt = at
		e.attempt++
		return
	}
	s.schedule[messageID] = &entry{scheduledAt: at}
}

// CancelRetry removes the message from the schedule, reporting whether it was
// queued. Acknowledgment and completion both land here.
func (s *Scheduler) CancelRetry(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.schedule[messageID]
	delete(s.schedule, messageID)
	return ok
}

// Attempt reports the attempt counter for a scheduled message, or -1 when the
// message is not queued.
func (s *Scheduler) Attempt(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.schedule[messageID]; ok {
		return e.attempt
	}
	return -1
}

// Pending reports the number of scheduled retransmissions.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedule)
}

// ProcessRetriesOnce extracts and returns the messageIds whose due time has
// arrived, ordered by due time. Extracted entries leave the schedule; the
// caller performs the retransmit and reschedules as needed.
func (s *Scheduler) ProcessRetriesOnce() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	type due struct {
		id string
		at time.Time
	}
	var extracted []due
	for id, e := range s.schedule {
		if !e.scheduledAt.After(now) {
			extracted = append(extracted, due{id: id, at: e.scheduledAt})
			delete(s.schedule, id)
		}
	}
	sort.Slice(extracted, func(i, j int) bool {
		if extracted[i].at.Equal(extracted[j].at) {
			return extracted[i].id < extracted[j].id
		}
		return extracted[i].at.Before(extracted[j].at)
	})
	out := make([]string, len(extracted))
	for i, d := range extracted {
		out[i] = d.id
	}
	return out
}

// ShouldRetry decides eligibility from the message record and the failure
// that settled it: exhausted attempts never retry, UNKNOWN outcomes always
// retry, FAILED outcomes retry only when the policy predicate accepts the
// error, everything else does not.
func (s *Scheduler) ShouldRetry(msg *ledger.MessageRecord, cause *errs.Error) bool {
	if msg == nil {
		return false
	}
	if msg.RetryCount >= s.policy.MaxAttempts {
		return false
	}
	switch msg.Status {
	case ledger.StatusUnknown:
		return true
	case ledger.StatusFailed:
		if cause == nil {
			return true
		}
		return RetryableCode(cause.Code)
	default:
		return false
	}
}

// BackoffDelay computes min(base·multiplier^attempt, max) with symmetric
// jitter, clamped at zero and rounded to a whole duration.
func (s *Scheduler) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(s.policy.BaseDelay) * math.Pow(s.policy.Multiplier, float64(attempt))
	if backoff > float64(s.policy.MaxDelay) {
		backoff = float64(s.policy.MaxDelay)
	}
	if s.policy.Jitter > 0 {
		backoff += backoff * s.policy.Jitter * (s.jitterFn() - 0.5) * 2
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(math.Round(backoff))
}

// NewRetransmitter wires a Scheduler to the ledger and a transport send.
func NewRetransmitter(sched *Scheduler, led ledger.Ledger, ids ident.Generator, send SendFunc, log *telemetry.Logger) *Retransmitter {
	return &Retransmitter{sched: sched, ledger: led, ids: ids, send: send, log: log}
}

// Scheduler returns the underlying schedule for direct control.
func (r *Retransmitter) Scheduler() *Scheduler { return r.sched }

// Tick runs one retransmission pass: every due message still eligible per the
// ledger is re-sent with a fresh messageId and its original requestId, then
// rescheduled with backoff. The number of retransmissions sent is returned.
func (r *Retransmitter) Tick(ctx context.Context) (int, error) {
	sent := 0
	for _, id := range r.sched.ProcessRetriesOnce() {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		msg, ok, err := r.ledger.GetByMessageID(ctx, id)
		if err != nil {
			return sent, err
		}
		if !ok {
			continue
		}
		cause, err := r.failureCause(ctx, msg)
		if err != nil {
			return sent, err
		}
		if !r.sched.ShouldRetry(msg, cause) {
			r.log.Debug("retransmission abandoned", telemetry.Fields{
				"messageId":  msg.MessageID,
				"status":     string(msg.Status),
				"retryCount": msg.RetryCount,
			})
			continue
		}

		// Same requestId for idempotency, fresh messageId for transport
		// identity.
		env := msg.Envelope.Clone()
		env.MessageID = r.ids.NewMessageID()
		env.Timestamp = envelope.FormatTimestamp(r.ids.Now())

		delay := r.sched.BackoffDelay(msg.RetryCount + 1)
		if err := r.ledger.IncrementRetry(ctx, msg.MessageID, r.ids.Now().Add(delay)); err != nil {
			return sent, err
		}
		if err := r.send(ctx, env); err != nil {
			// Keep the original entry due so the next tick tries again.
			r.log.Warn("retransmission send failed", telemetry.Fields{
				"messageId": msg.MessageID,
				"error":     err.Error(),
			})
			r.sched.ScheduleRetry(msg.MessageID, 0)
			continue
		}
		sent++
		r.sched.ScheduleRetry(msg.MessageID, delay)
	}
	return sent, nil
}

// Run ticks the retransmitter at the given interval until the context ends.
func (r *Retransmitter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("retransmission tick failed", telemetry.Fields{"error": err.Error()})
			}
		}
	}
}

func (r *Retransmitter) failureCause(ctx context.Context, msg *ledger.MessageRecord) (*errs.Error, error) {
	if msg.Status != ledger.StatusFailed || msg.RequestID == "" {
		return nil, nil
	}
	req, ok, err := r.ledger.GetByRequestID(ctx, msg.RequestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return req.Error, nil
}
