package retry

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/aacp/ledger"
	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/ident"
	"github.com/parley-dev/parley/runtime/telemetry"
)

type capture struct {
	envs []*envelope.Envelope
	err  error
}

func (c *capture) send(_ context.Context, env *envelope.Envelope) error {
	if c.err != nil {
		return c.err
	}
	c.envs = append(c.envs, env)
	return nil
}

func testLogger() *telemetry.Logger {
	return telemetry.New(telemetry.Options{Writer: io.Discard})
}

func appendOne(t *testing.T, led ledger.Ledger, messageID, requestID string) {
	t.Helper()
	_, err := led.Append(context.Background(), &envelope.Envelope{
		MessageID:     messageID,
		RequestID:     requestID,
		SourceAgentID: "a1",
		TargetAgentID: "a2",
		Seq:           1,
		Type:          envelope.Request,
		Timestamp:     envelope.FormatTimestamp(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		Payload:       json.RawMessage(`{}`),
	})
	require.NoError(t, err)
}

func TestBackoffDelayWithoutJitter(t *testing.T) {
	s := NewScheduler(Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	})

	assert.Equal(t, time.Second, s.BackoffDelay(0))
	assert.Equal(t, 2*time.Second, s.BackoffDelay(1))
	assert.Equal(t, 4*time.Second, s.BackoffDelay(2))
	assert.Equal(t, 16*time.Second, s.BackoffDelay(4))
	// Growth stops at the cap.
	assert.Equal(t, 30*time.Second, s.BackoffDelay(5))
	assert.Equal(t, 30*time.Second, s.BackoffDelay(20))
	// Negative attempts clamp to the base delay.
	assert.Equal(t, time.Second, s.BackoffDelay(-3))
}

func TestBackoffDelayJitterIsSymmetric(t *testing.T) {
	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}

	low := NewScheduler(policy, WithJitterSource(func() float64 { return 0 }))
	mid := NewScheduler(policy, WithJitterSource(func() float64 { return 0.5 }))
	high := NewScheduler(policy, WithJitterSource(func() float64 { return 1 }))

	assert.Equal(t, 900*time.Millisecond, low.BackoffDelay(0))
	assert.Equal(t, time.Second, mid.BackoffDelay(0))
	assert.Equal(t, 1100*time.Millisecond, high.BackoffDelay(0))
}

func TestBackoffBoundsProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("delay stays within jittered bounds and never negative", prop.ForAll(
		func(attempt int, roll float64) bool {
			policy := DefaultPolicy()
			s := NewScheduler(policy, WithJitterSource(func() float64 { return roll }))
			d := s.BackoffDelay(attempt)
			if d < 0 {
				return false
			}
			upper := time.Duration(float64(policy.MaxDelay) * (1 + policy.Jitter))
			return d <= upper
		},
		gen.IntRange(0, 40),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestScheduleAndCancel(t *testing.T) {
	s := NewScheduler(DefaultPolicy())
	s.ScheduleRetry("m1", time.Second)
	s.ScheduleRetry("m2", time.Second)
	assert.Equal(t, 2, s.Pending())
	assert.Zero(t, s.Attempt("m1"))

	// Rescheduling advances the attempt counter.
	s.ScheduleRetry("m1", time.Second)
	assert.Equal(t, 1, s.Attempt("m1"))

	assert.True(t, s.CancelRetry("m1"))
	assert.False(t, s.CancelRetry("m1"))
	assert.Equal(t, -1, s.Attempt("m1"))
	assert.Equal(t, 1, s.Pending())
}

func TestProcessRetriesOnceExtractsDue(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewScheduler(DefaultPolicy(), WithClock(func() time.Time { return clock }))

	s.ScheduleRetry("m1", time.Second)
	s.ScheduleRetry("m2", 3*time.Second)

	assert.Empty(t, s.ProcessRetriesOnce())

	clock = clock.Add(time.Second)
	assert.Equal(t, []string{"m1"}, s.ProcessRetriesOnce())
	// Extraction removes the entry.
	assert.Equal(t, 1, s.Pending())

	clock = clock.Add(5 * time.Second)
	assert.Equal(t, []string{"m2"}, s.ProcessRetriesOnce())
	assert.Zero(t, s.Pending())
}

func TestShouldRetry(t *testing.T) {
	s := NewScheduler(Policy{MaxAttempts: 3})
	cases := []struct {
		name  string
		msg   *ledger.MessageRecord
		cause *errs.Error
		want  bool
	}{
		{"nil record", nil, nil, false},
		{"attempts exhausted", &ledger.MessageRecord{Status: ledger.StatusUnknown, RetryCount: 3}, nil, false},
		{"unknown retries", &ledger.MessageRecord{Status: ledger.StatusUnknown}, nil, true},
		{"failed timeout retries", &ledger.MessageRecord{Status: ledger.StatusFailed}, errs.New(errs.Timeout, "t"), true},
		{"failed exhaustion retries", &ledger.MessageRecord{Status: ledger.StatusFailed}, errs.New(errs.ResourceExhausted, "r"), true},
		{"failed internal retries", &ledger.MessageRecord{Status: ledger.StatusFailed}, errs.New(errs.Internal, "i"), true},
		{"failed invalid argument does not", &ledger.MessageRecord{Status: ledger.StatusFailed}, errs.New(errs.InvalidArgument, "v"), false},
		{"failed not found does not", &ledger.MessageRecord{Status: ledger.StatusFailed}, errs.New(errs.NotFound, "n"), false},
		{"pending does not", &ledger.MessageRecord{Status: ledger.StatusPending}, nil, false},
		{"completed does not", &ledger.MessageRecord{Status: ledger.StatusCompleted}, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.ShouldRetry(tc.msg, tc.cause))
		})
	}
}

func TestTickRetransmitsEligibleMessages(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	led := ledger.NewMemory(ledger.MemoryOptions{})
	out := &capture{}
	ids := ident.NewDeterministic("t", clock)
	sched := NewScheduler(Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}, WithClock(func() time.Time { return clock }))
	r := NewRetransmitter(sched, led, ids, out.send, testLogger())

	appendOne(t, led, "m1", "r1")
	require.NoError(t, led.MarkUnknown(context.Background(), "r1"))
	sched.ScheduleRetry("m1", time.Second)

	// Not due yet.
	sent, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, out.envs)

	clock = clock.Add(time.Second)
	sent, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, out.envs, 1)
	// Fresh transport identity, stable request identity.
	assert.NotEqual(t, "m1", out.envs[0].MessageID)
	assert.Equal(t, "r1", out.envs[0].RequestID)

	msg, ok, err := led.GetByMessageID(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, msg.RetryCount)
	require.NotNil(t, msg.NextRetryAt)

	// Rescheduled for the next attempt.
	assert.Equal(t, 1, sched.Pending())
}

func TestTickStopsAfterMaxAttempts(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	led := ledger.NewMemory(ledger.MemoryOptions{})
	out := &capture{}
	ids := ident.NewDeterministic("t", clock)
	sched := NewScheduler(Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}, WithClock(func() time.Time { return clock }))
	r := NewRetransmitter(sched, led, ids, out.send, testLogger())

	appendOne(t, led, "m1", "r1")
	require.NoError(t, led.MarkUnknown(context.Background(), "r1"))
	sched.ScheduleRetry("m1", time.Second)

	for i := 0; i < 5; i++ {
		clock = clock.Add(time.Minute)
		_, err := r.Tick(context.Background())
		require.NoError(t, err)
	}

	assert.Len(t, out.envs, 2)
	assert.Zero(t, sched.Pending())
}

func TestTickSkipsCompletedMessages(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	led := ledger.NewMemory(ledger.MemoryOptions{})
	out := &capture{}
	ids := ident.NewDeterministic("t", clock)
	sched := NewScheduler(DefaultPolicy(),
		WithClock(func() time.Time { return clock }),
		WithJitterSource(func() float64 { return 0.5 }))
	r := NewRetransmitter(sched, led, ids, out.send, testLogger())

	appendOne(t, led, "m1", "r1")
	require.NoError(t, led.MarkCompleted(context.Background(), "r1", nil, ""))
	sched.ScheduleRetry("m1", time.Second)

	clock = clock.Add(time.Minute)
	sent, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, out.envs)
	assert.Zero(t, sched.Pending())
}

func TestTickFailureEligibilityFollowsErrorCode(t *testing.T) {
	cases := []struct {
		name  string
		cause error
		want  int
	}{
		{"timeout retries", errs.New(errs.Timeout, "deadline"), 1},
		{"exhaustion retries", errs.New(errs.ResourceExhausted, "full"), 1},
		{"internal retries", errs.New(errs.Internal, "boom"), 1},
		{"invalid argument does not", errs.New(errs.InvalidArgument, "bad"), 0},
		{"not found does not", errs.New(errs.NotFound, "gone"), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
			led := ledger.NewMemory(ledger.MemoryOptions{})
			out := &capture{}
			ids := ident.NewDeterministic("t", clock)
			sched := NewScheduler(DefaultPolicy(),
				WithClock(func() time.Time { return clock }),
				WithJitterSource(func() float64 { return 0.5 }))
			r := NewRetransmitter(sched, led, ids, out.send, testLogger())

			appendOne(t, led, "m1", "r1")
			require.NoError(t, led.MarkFailed(context.Background(), "r1", tc.cause))
			sched.ScheduleRetry("m1", time.Second)

			clock = clock.Add(time.Minute)
			sent, err := r.Tick(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, sent)
		})
	}
}

func TestTickSendFailureKeepsMessageScheduled(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	led := ledger.NewMemory(ledger.MemoryOptions{})
	out := &capture{err: errs.New(errs.Internal, "transport down")}
	ids := ident.NewDeterministic("t", clock)
	sched := NewScheduler(DefaultPolicy(),
		WithClock(func() time.Time { return clock }),
		WithJitterSource(func() float64 { return 0.5 }))
	r := NewRetransmitter(sched, led, ids, out.send, testLogger())

	appendOne(t, led, "m1", "r1")
	require.NoError(t, led.MarkUnknown(context.Background(), "r1"))
	sched.ScheduleRetry("m1", time.Second)

	clock = clock.Add(time.Minute)
	sent, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, 1, sched.Pending())

	// The transport recovers; the same message goes out on the next tick.
	out.err = nil
	sent, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestRetryableCode(t *testing.T) {
	assert.True(t, RetryableCode(errs.Timeout))
	assert.True(t, RetryableCode(errs.ResourceExhausted))
	assert.True(t, RetryableCode(errs.Internal))
	assert.False(t, RetryableCode(errs.InvalidArgument))
	assert.False(t, RetryableCode(errs.NotFound))
	assert.False(t, RetryableCode(errs.Unauthorized))
}
