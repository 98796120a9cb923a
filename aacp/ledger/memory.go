package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/runtime/errs"
)

type (
	// MemoryOptions configures the in-memory ledger.
	MemoryOptions struct {
		// DefaultTTL bounds record lifetime when the envelope carries none.
		// Zero disables expiry.
		DefaultTTL time.Duration
		// Now supplies timestamps. Defaults to time.Now in UTC.
		Now func() time.Time
	}

	// Memory is the in-process Ledger used by default and by the test
	// suite. Safe for concurrent use.
	Memory struct {
		mu       sync.Mutex
		opts     MemoryOptions
		messages map[string]*MessageRecord
		requests map[string]*RequestRecord
		// pairIndex orders message ids per (source,target) by insertion,
		// which follows seq assignment order.
		pairIndex map[pairKey][]string
	}

	pairKey struct {
		source string
		target string
	}
)

// NewMemory constructs an empty in-memory ledger.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Memory{
		opts:      opts,
		messages:  make(map[string]*MessageRecord),
		requests:  make(map[string]*RequestRecord),
		pairIndex: make(map[pairKey][]string),
	}
}

// Append classifies and records the envelope, checking in order:
// completed duplicate, in-flight/unknown duplicate, then first appearance.
func (m *Memory) Append(_ context.Context, env *envelope.Envelope) (AppendResult, error) {
	if env == nil {
		return AppendResult{}, errs.New(errs.InvalidArgument, "envelope is nil")
	}
	if err := env.Validate(); err != nil {
		return AppendResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()

	if env.RequestID != "" {
		if req, ok := m.requests[env.RequestID]; ok {
			if req.Status == StatusCompleted {
				return AppendResult{
					IsDuplicate:   true,
					CachedResult:  req.Result,
					CompletionRef: req.CompletionRef,
					ShouldExecute: false,
				}, nil
			}
			// Pending, failed, or unknown: record the duplicate attempt but
			// do not re-execute; retransmission owns failed requests.
			return AppendResult{IsDuplicate: true, ShouldExecute: false}, nil
		}
	}

	expires := m.expiry(env, now)
	msg := &MessageRecord{
		MessageID: env.MessageID,
		RequestID: env.RequestID,
		Envelope:  env.Clone(),
		Status:    StatusPending,
		Timestamp: now,
		ExpiresAt: expires,
	}
	m.messages[env.MessageID] = msg
	key := pairKey{source: env.SourceAgentID, target: env.TargetAgentID}
	m.pairIndex[key] = append(m.pairIndex[key], env.MessageID)

	if env.RequestID != "" {
		m.requests[env.RequestID] = &RequestRecord{
			RequestID:     env.RequestID,
			SourceAgentID: env.SourceAgentID,
			TargetAgentID: env.TargetAgentID,
			Type:          env.Type,
			Payload:       append([]byte(nil), env.Payload...),
			Status:        StatusPending,
			Timestamp:     now,
			ExpiresAt:     expires,
		}
	}

	return AppendResult{ShouldExecute: true}, nil
}

// MarkCompleted settles the request record first, then the pair's message
// records carrying the same requestId.
func (m *Memory) MarkCompleted(_ context.Context, requestID string, result any, completionRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return errs.Newf(errs.NotFound, "request %q is not in the ledger", requestID)
	}
	req.Status = StatusCompleted
	req.Result = result
	req.CompletionRef = completionRef
	req.Error = nil

	m.settleMessages(requestID, StatusCompleted)
	return nil
}

// MarkFailed settles the request as FAILED, or UNKNOWN when no cause is
// supplied (the outcome was lost rather than observed).
func (m *Memory) MarkFailed(_ context.Context, requestID string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return errs.Newf(errs.NotFound, "request %q is not in the ledger", requestID)
	}
	if cause == nil {
		req.Status = StatusUnknown
		req.Error = nil
		m.settleMessages(requestID, StatusUnknown)
		return nil
	}
	req.Status = StatusFailed
	req.Error = errs.FromError(cause)
	m.settleMessages(requestID, StatusFailed)
	return nil
}

// MarkUnknown records observability loss for the request.
func (m *Memory) MarkUnknown(ctx context.Context, requestID string) error {
	return m.MarkFailed(ctx, requestID, nil)
}

// settleMessages moves every message of the request to the given status.
// Caller holds the lock.
func (m *Memory) settleMessages(requestID string, status Status) {
	for _, msg := range m.messages {
		if msg.RequestID == requestID {
			msg.Status = status
		}
	}
}

// GetByMessageID returns a copy of the message record.
func (m *Memory) GetByMessageID(_ context.Context, messageID string) (*MessageRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, false, nil
	}
	cp := *msg
	return &cp, true, nil
}

// GetByRequestID returns a copy of the request record.
func (m *Memory) GetByRequestID(_ context.Context, requestID string) (*RequestRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, false, nil
	}
	cp := *req
	return &cp, true, nil
}

// GetUnacknowledgedMessages returns the pair's non-completed messages
// ordered by seq.
func (m *Memory) GetUnacknowledgedMessages(_ context.Context, sourceAgentID, targetAgentID string) ([]*MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.pairIndex[pairKey{source: sourceAgentID, target: targetAgentID}]
	out := make([]*MessageRecord, 0, len(ids))
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok || msg.Status == StatusCompleted {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Envelope.Seq < out[j].Envelope.Seq })
	return out, nil
}

// QueryMessagesByStatus returns messages in the given status, older than
// olderThan when non-zero, ordered by timestamp.
func (m *Memory) QueryMessagesByStatus(_ context.Context, status Status, olderThan time.Time) ([]*MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*MessageRecord
	for _, msg := range m.messages {
		if msg.Status != status {
			continue
		}
		if !olderThan.IsZero() && !msg.Timestamp.Before(olderThan) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// QueryPendingRequests returns unsettled requests, older than olderThan when
// non-zero, ordered by timestamp.
func (m *Memory) QueryPendingRequests(_ context.Context, olderThan time.Time) ([]*RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*RequestRecord
	for _, req := range m.requests {
		if req.Status != StatusPending {
			continue
		}
		if !olderThan.IsZero() && !req.Timestamp.Before(olderThan) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// IncrementRetry bumps the retry counter and schedules the next attempt.
func (m *Memory) IncrementRetry(_ context.Context, messageID string, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return errs.Newf(errs.NotFound, "message %q is not in the ledger", messageID)
	}
	msg.RetryCount++
	msg.NextRetryAt = &nextRetryAt
	return nil
}

// PruneExpired drops records whose TTL elapsed before now.
func (m *Memory) PruneExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, msg := range m.messages {
		if msg.ExpiresAt != nil && msg.ExpiresAt.Before(now) {
			delete(m.messages, id)
			key := pairKey{source: msg.Envelope.SourceAgentID, target: msg.Envelope.TargetAgentID}
			m.pairIndex[key] = removeID(m.pairIndex[key], id)
			pruned++
		}
	}
	for id, req := range m.requests {
		if req.ExpiresAt != nil && req.ExpiresAt.Before(now) {
			delete(m.requests, id)
			pruned++
		}
	}
	return pruned, nil
}

func (m *Memory) expiry(env *envelope.Envelope, now time.Time) *time.Time {
	ttl := time.Duration(env.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	if ttl <= 0 {
		return nil
	}
	at := now.Add(ttl)
	return &at
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
