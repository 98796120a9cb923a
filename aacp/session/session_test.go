package session

import (
	"context"
	"encoding/json"
	"io"
	"reflect"
	"sync"
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

func newManager(t *testing.T) *Manager {
	t.Helper()
	ids := ident.NewDeterministic("t", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	log := telemetry.New(telemetry.Options{Writer: io.Discard})
	return NewManager(ledger.NewMemory(ledger.MemoryOptions{}), ids, log)
}

func TestOpenIsLazyAndIdempotent(t *testing.T) {
	mgr := newManager(t)
	assert.Zero(t, mgr.Len())

	s1 := mgr.Open("a1", "a2")
	s2 := mgr.Open("a1", "a2")
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, mgr.Len())

	// Direction matters: the reverse pair is a distinct session.
	s3 := mgr.Open("a2", "a1")
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, mgr.Len())
}

func TestSendMessageAssignsSequentialSeqs(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		env, res, err := s.SendMessage(ctx, json.RawMessage(`{}`), envelope.Request, "")
		require.NoError(t, err)
		assert.Equal(t, want, env.Seq)
		assert.True(t, res.ShouldExecute)
		assert.NotEmpty(t, env.MessageID)
		assert.NotEmpty(t, env.RequestID)
	}
	assert.Equal(t, uint64(4), s.NextSeq())
}

func TestSendMessageKeepsCallerRequestID(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")

	env, _, err := s.SendMessage(context.Background(), nil, envelope.Response, "req-caller")
	require.NoError(t, err)
	assert.Equal(t, "req-caller", env.RequestID)
}

func TestSendMessageEventHasNoRequestID(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")

	env, _, err := s.SendMessage(context.Background(), json.RawMessage(`{"ev":1}`), envelope.Event, "")
	require.NoError(t, err)
	assert.Empty(t, env.RequestID)
}

func TestSendMessageRejectsUnknownType(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")

	_, _, err := s.SendMessage(context.Background(), nil, "PING", "")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestSendMessageDuplicateRequestServedFromLedger(t *testing.T) {
	ids := ident.NewDeterministic("t", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	log := telemetry.New(telemetry.Options{Writer: io.Discard})
	led := ledger.NewMemory(ledger.MemoryOptions{})
	mgr := NewManager(led, ids, log)
	s := mgr.Open("a1", "a2")
	ctx := context.Background()

	env, _, err := s.SendMessage(ctx, json.RawMessage(`{}`), envelope.Request, "req-dup")
	require.NoError(t, err)
	require.NoError(t, led.MarkCompleted(ctx, env.RequestID, "done", "ref-9"))

	_, res, err := s.SendMessage(ctx, json.RawMessage(`{}`), envelope.Request, "req-dup")
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.False(t, res.ShouldExecute)
	assert.Equal(t, "done", res.CachedResult)
	assert.Equal(t, "ref-9", res.CompletionRef)
}

func TestDuplicateSendDoesNotConsumeSeq(t *testing.T) {
	ids := ident.NewDeterministic("t", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	log := telemetry.New(telemetry.Options{Writer: io.Discard})
	led := ledger.NewMemory(ledger.MemoryOptions{})
	mgr := NewManager(led, ids, log)
	s := mgr.Open("a1", "a2")
	ctx := context.Background()

	first, _, err := s.SendMessage(ctx, json.RawMessage(`{}`), envelope.Request, "req-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	require.NoError(t, led.MarkCompleted(ctx, "req-1", "done", ""))

	// A retried requestId is served from the ledger and must not burn a seq.
	_, res, err := s.SendMessage(ctx, json.RawMessage(`{}`), envelope.Request, "req-1")
	require.NoError(t, err)
	require.True(t, res.IsDuplicate)
	assert.Equal(t, uint64(2), s.NextSeq())

	next, _, err := s.SendMessage(ctx, nil, envelope.Event, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Seq)

	// With no hole in the stream the cumulative ack catches up fully.
	s.AcknowledgeMessage(first.Seq)
	s.AcknowledgeMessage(next.Seq)
	assert.Equal(t, uint64(2), s.LastAck())
}

func TestSendMessageCarriesLastAck(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")
	ctx := context.Background()

	env, _, err := s.SendMessage(ctx, nil, envelope.Event, "")
	require.NoError(t, err)
	assert.Nil(t, env.Ack)

	s.AcknowledgeMessage(1)
	s.AcknowledgeMessage(2)

	env, _, err = s.SendMessage(ctx, nil, envelope.Event, "")
	require.NoError(t, err)
	require.NotNil(t, env.Ack)
	assert.Equal(t, uint64(2), *env.Ack)
}

func TestAcknowledgeCumulativeWithGap(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")

	// 1, 2, 4, 5: the gap at 3 blocks advancement at 2.
	assert.Equal(t, uint64(1), s.AcknowledgeMessage(1))
	assert.Equal(t, uint64(2), s.AcknowledgeMessage(2))
	assert.Equal(t, uint64(2), s.AcknowledgeMessage(4))
	assert.Equal(t, uint64(2), s.AcknowledgeMessage(5))

	// The gap filler advances through the buffered seqs in one step.
	assert.Equal(t, uint64(5), s.AcknowledgeMessage(3))
}

func TestAcknowledgeNeverRollsBack(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")

	s.AcknowledgeMessage(1)
	s.AcknowledgeMessage(2)
	assert.Equal(t, uint64(2), s.AcknowledgeMessage(1))
	assert.Equal(t, uint64(2), s.AcknowledgeMessage(0))
}

func TestGetUnacknowledgedMessages(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")
	ctx := context.Background()

	_, _, err := s.SendMessage(ctx, nil, envelope.Event, "")
	require.NoError(t, err)
	env2, _, err := s.SendMessage(ctx, json.RawMessage(`{}`), envelope.Request, "")
	require.NoError(t, err)

	unacked, err := s.GetUnacknowledgedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, unacked, 2)
	assert.Equal(t, uint64(1), unacked[0].Envelope.Seq)
	assert.Equal(t, env2.MessageID, unacked[1].MessageID)
}

func TestCloseDropsSession(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")
	_, _, err := s.SendMessage(context.Background(), nil, envelope.Event, "")
	require.NoError(t, err)

	assert.True(t, mgr.Close("a1", "a2"))
	assert.False(t, mgr.Close("a1", "a2"))

	// A fresh session restarts the sequence.
	fresh := mgr.Open("a1", "a2")
	assert.Equal(t, uint64(1), fresh.NextSeq())
}

func TestSeqMonotonicityProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("seqs are gapless and strictly increasing", prop.ForAll(
		func(n int) bool {
			mgr := newManager(t)
			s := mgr.Open("a1", "a2")
			for want := 1; want <= n; want++ {
				env, _, err := s.SendMessage(context.Background(), nil, envelope.Event, "")
				if err != nil || env.Seq != uint64(want) {
					return false
				}
			}
			return s.NextSeq() == uint64(n+1)
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func TestCumulativeAckProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("any receive order converges without rollback", prop.ForAll(
		func(order []int) bool {
			mgr := newManager(t)
			s := mgr.Open("a1", "a2")
			prev := uint64(0)
			for _, seq := range order {
				ack := s.AcknowledgeMessage(uint64(seq))
				if ack < prev {
					return false
				}
				prev = ack
			}
			// Every seq 1..n delivered in some order converges to n.
			return prev == uint64(len(order))
		},
		genPermutation(1, 32),
	))

	properties.TestingRun(t)
}

// genPermutation generates a random permutation of 1..n for n in [minN, maxN].
func genPermutation(minN, maxN int) gopter.Gen {
	return gen.IntRange(minN, maxN).FlatMap(func(v any) gopter.Gen {
		n := v.(int)
		base := make([]int, n)
		for i := range base {
			base[i] = i + 1
		}
		return gen.Int64Range(0, 1<<62).Map(func(seed int64) []int {
			out := append([]int(nil), base...)
			r := seed
			for i := len(out) - 1; i > 0; i-- {
				r = r*6364136223846793005 + 1442695040888963407
				j := int((r >> 33) % int64(i+1))
				if j < 0 {
					j = -j
				}
				out[i], out[j] = out[j], out[i]
			}
			return out
		})
	}, reflect.TypeOf([]int(nil)))
}

func TestConcurrentSendsDistinctSeqs(t *testing.T) {
	mgr := newManager(t)
	s := mgr.Open("a1", "a2")

	const n = 100
	seqs := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, _, err := s.SendMessage(context.Background(), nil, envelope.Event, "")
			require.NoError(t, err)
			seqs[i] = env.Seq
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, n)
	for _, seq := range seqs {
		_, dup := seen[seq]
		assert.False(t, dup)
		assert.GreaterOrEqual(t, seq, uint64(1))
		assert.LessOrEqual(t, seq, uint64(n))
		seen[seq] = struct{}{}
	}
}
