package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/runtime/errs"
)

func reqEnvelope(messageID, requestID string, seq uint64) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:     messageID,
		RequestID:     requestID,
		SourceAgentID: "a1",
		TargetAgentID: "a2",
		Seq:           seq,
		Type:          envelope.Request,
		Timestamp:     envelope.FormatTimestamp(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		Payload:       json.RawMessage(`{"n":1}`),
	}
}

func TestAppendFirstAppearanceExecutes(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	res, err := led.Append(context.Background(), reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.True(t, res.ShouldExecute)

	req, ok, err := led.GetByRequestID(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusPending, req.Status)
}

func TestAppendPendingDuplicateIgnored(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	ctx := context.Background()
	_, err := led.Append(ctx, reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)

	res, err := led.Append(ctx, reqEnvelope("m2", "r1", 2))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.False(t, res.ShouldExecute)
	assert.Nil(t, res.CachedResult)
}

func TestAppendCompletedDuplicateServesCache(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	ctx := context.Background()
	_, err := led.Append(ctx, reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)
	require.NoError(t, led.MarkCompleted(ctx, "r1", map[string]any{"answer": 42}, "ref-1"))

	res, err := led.Append(ctx, reqEnvelope("m2", "r1", 2))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.False(t, res.ShouldExecute)
	assert.Equal(t, map[string]any{"answer": 42}, res.CachedResult)
	assert.Equal(t, "ref-1", res.CompletionRef)
}

func TestAppendUnknownDuplicateIgnored(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	ctx := context.Background()
	_, err := led.Append(ctx, reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)
	require.NoError(t, led.MarkUnknown(ctx, "r1"))

	res, err := led.Append(ctx, reqEnvelope("m2", "r1", 2))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.False(t, res.ShouldExecute)
}

func TestEventsWithoutRequestIDAlwaysExecute(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		env := reqEnvelope(id, "", uint64(i+1))
		env.Type = envelope.Event
		res, err := led.Append(ctx, env)
		require.NoError(t, err)
		assert.True(t, res.ShouldExecute)
	}
}

func TestMarkFailedRecordsStructuredError(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	ctx := context.Background()
	_, err := led.Append(ctx, reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)

	require.NoError(t, led.MarkFailed(ctx, "r1", errs.New(errs.Timeout, "handler deadline")))

	req, ok, err := led.GetByRequestID(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, req.Status)
	require.NotNil(t, req.Error)
	assert.Equal(t, errs.Timeout, req.Error.Code)

	// Message records follow the request record.
	msg, ok, err := led.GetByMessageID(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, msg.Status)
}

func TestMarkCompletedUnknownRequest(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	err := led.MarkCompleted(context.Background(), "missing", nil, "")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestGetUnacknowledgedOrderedBySeq(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	ctx := context.Background()

	// Out-of-order appends; completion removes m2 from the unacked view.
	_, err := led.Append(ctx, reqEnvelope("m3", "r3", 3))
	require.NoError(t, err)
	_, err = led.Append(ctx, reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)
	_, err = led.Append(ctx, reqEnvelope("m2", "r2", 2))
	require.NoError(t, err)
	require.NoError(t, led.MarkCompleted(ctx, "r2", nil, ""))

	unacked, err := led.GetUnacknowledgedMessages(ctx, "a1", "a2")
	require.NoError(t, err)
	require.Len(t, unacked, 2)
	assert.Equal(t, uint64(1), unacked[0].Envelope.Seq)
	assert.Equal(t, uint64(3), unacked[1].Envelope.Seq)

	// Other pairs are unaffected.
	other, err := led.GetUnacknowledgedMessages(ctx, "a2", "a1")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestQueryMessagesByStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	led := NewMemory(MemoryOptions{Now: func() time.Time { return clock }})
	ctx := context.Background()

	_, err := led.Append(ctx, reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)
	clock = clock.Add(time.Minute)
	_, err = led.Append(ctx, reqEnvelope("m2", "r2", 2))
	require.NoError(t, err)
	require.NoError(t, led.MarkFailed(ctx, "r1", errs.New(errs.Internal, "boom")))

	failed, err := led.QueryMessagesByStatus(ctx, StatusFailed, time.Time{})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m1", failed[0].MessageID)

	// olderThan filters records at or after the bound.
	pending, err := led.QueryMessagesByStatus(ctx, StatusPending, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueryPendingRequests(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	ctx := context.Background()
	_, err := led.Append(ctx, reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)
	_, err = led.Append(ctx, reqEnvelope("m2", "r2", 2))
	require.NoError(t, err)
	require.NoError(t, led.MarkCompleted(ctx, "r1", nil, ""))

	pending, err := led.QueryPendingRequests(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].RequestID)
}

func TestIncrementRetry(t *testing.T) {
	led := NewMemory(MemoryOptions{})
	ctx := context.Background()
	_, err := led.Append(ctx, reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)

	next := time.Now().Add(time.Second)
	require.NoError(t, led.IncrementRetry(ctx, "m1", next))
	require.NoError(t, led.IncrementRetry(ctx, "m1", next.Add(time.Second)))

	msg, ok, err := led.GetByMessageID(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, msg.RetryCount)
	require.NotNil(t, msg.NextRetryAt)
}

func TestPruneExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	led := NewMemory(MemoryOptions{
		DefaultTTL: time.Minute,
		Now:        func() time.Time { return now },
	})
	ctx := context.Background()
	_, err := led.Append(ctx, reqEnvelope("m1", "r1", 1))
	require.NoError(t, err)

	pruned, err := led.PruneExpired(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, pruned)

	pruned, err = led.PruneExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned) // message and request records

	_, ok, err := led.GetByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnvelopeTTLOverridesDefault(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	led := NewMemory(MemoryOptions{
		DefaultTTL: time.Hour,
		Now:        func() time.Time { return now },
	})
	ctx := context.Background()
	env := reqEnvelope("m1", "r1", 1)
	env.TTLMs = 1000
	_, err := led.Append(ctx, env)
	require.NoError(t, err)

	pruned, err := led.PruneExpired(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
}
