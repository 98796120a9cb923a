// Package redis backs the AACP ledger with Redis so record state survives
// process restarts and can be shared across nodes. Records are stored as JSON
// under prefixed string keys; per-pair ordering uses a sorted set scored by
// seq, and record expiry rides Redis TTLs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/aacp/ledger"
	"github.com/parley-dev/parley/runtime/errs"
)

type (
	// Options configures the Redis-backed ledger.
	Options struct {
		// Client is the Redis connection. Required.
		Client *goredis.Client
		// KeyPrefix namespaces all ledger keys. Defaults to "parley:ledger".
		KeyPrefix string
		// DefaultTTL bounds record lifetime when the envelope carries none.
		// Zero disables expiry.
		DefaultTTL time.Duration
		// Now supplies timestamps. Defaults to time.Now in UTC.
		Now func() time.Time
	}

	// Ledger implements ledger.Ledger on Redis. Mark operations assume a
	// single writer per requestId, which the coordinator guarantees through
	// per-agent serialization.
	Ledger struct {
		rdb    *goredis.Client
		prefix string
		ttl    time.Duration
		now    func() time.Time
	}
)

// New constructs a Redis-backed ledger.
func New(opts Options) (*Ledger, error) {
	if opts.Client == nil {
		return nil, errs.New(errs.InvalidArgument, "redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "parley:ledger"
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{rdb: opts.Client, prefix: prefix, ttl: opts.DefaultTTL, now: now}, nil
}

// Ping verifies the Redis connection.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *Ledger) messageKey(id string) string { return l.prefix + ":msg:" + id }
func (l *Ledger) requestKey(id string) string { return l.prefix + ":req:" + id }
func (l *Ledger) pairKey(source, target string) string {
	return l.prefix + ":pair:" + source + ":" + target
}
func (l *Ledger) requestMsgsKey(id string) string { return l.prefix + ":reqmsgs:" + id }
func (l *Ledger) statusKey(s ledger.Status) string {
	return l.prefix + ":status:" + string(s)
}

// Append classifies and records the envelope, checking in order:
// completed duplicate, in-flight/unknown duplicate, then first appearance.
func (l *Ledger) Append(ctx context.Context, env *envelope.Envelope) (ledger.AppendResult, error) {
	if env == nil {
		return ledger.AppendResult{}, errs.New(errs.InvalidArgument, "envelope is nil")
	}
	if err := env.Validate(); err != nil {
		return ledger.AppendResult{}, err
	}

	now := l.now()

	if env.RequestID != "" {
		req, ok, err := l.getRequest(ctx, env.RequestID)
		if err != nil {
			return ledger.AppendResult{}, err
		}
		if ok {
			if req.Status == ledger.StatusCompleted {
				return ledger.AppendResult{
					IsDuplicate:   true,
					CachedResult:  req.Result,
					CompletionRef: req.CompletionRef,
				}, nil
			}
			return ledger.AppendResult{IsDuplicate: true}, nil
		}
	}

	ttl := l.recordTTL(env)
	var expires *time.Time
	if ttl > 0 {
		at := now.Add(ttl)
		expires = &at
	}

	msg := &ledger.MessageRecord{
		MessageID: env.MessageID,
		RequestID: env.RequestID,
		Envelope:  env.Clone(),
		Status:    ledger.StatusPending,
		Timestamp: now,
		ExpiresAt: expires,
	}
	if err := l.putMessage(ctx, msg, ttl); err != nil {
		return ledger.AppendResult{}, err
	}

	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, l.pairKey(env.SourceAgentID, env.TargetAgentID), goredis.Z{
		Score:  float64(env.Seq),
		Member: env.MessageID,
	})
	pipe.ZAdd(ctx, l.statusKey(ledger.StatusPending), goredis.Z{
		Score:  float64(now.UnixMilli()),
		Member: env.MessageID,
	})
	if env.RequestID != "" {
		pipe.SAdd(ctx, l.requestMsgsKey(env.RequestID), env.MessageID)
		if ttl > 0 {
			pipe.Expire(ctx, l.requestMsgsKey(env.RequestID), ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return ledger.AppendResult{}, wrap(err, "index append")
	}

	if env.RequestID != "" {
		req := &ledger.RequestRecord{
			RequestID:     env.RequestID,
			SourceAgentID: env.SourceAgentID,
			TargetAgentID: env.TargetAgentID,
			Type:          env.Type,
			Payload:       append([]byte(nil), env.Payload...),
			Status:        ledger.StatusPending,
			Timestamp:     now,
			ExpiresAt:     expires,
		}
		if err := l.putRequest(ctx, req, ttl); err != nil {
			return ledger.AppendResult{}, err
		}
	}

	return ledger.AppendResult{ShouldExecute: true}, nil
}

// MarkCompleted settles the request record first, then its message records.
func (l *Ledger) MarkCompleted(ctx context.Context, requestID string, result any, completionRef string) error {
	req, ok, err := l.getRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.NotFound, "request %q is not in the ledger", requestID)
	}
	req.Status = ledger.StatusCompleted
	req.Result = result
	req.CompletionRef = completionRef
	req.Error = nil
	if err := l.putRequest(ctx, req, l.remainingTTL(req.ExpiresAt)); err != nil {
		return err
	}
	return l.settleMessages(ctx, requestID, ledger.StatusCompleted)
}

// MarkFailed settles the request as FAILED, or UNKNOWN when no cause is
// supplied.
func (l *Ledger) MarkFailed(ctx context.Context, requestID string, cause error) error {
	req, ok, err := l.getRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.NotFound, "request %q is not in the ledger", requestID)
	}
	if cause == nil {
		req.Status = ledger.StatusUnknown
		req.Error = nil
	} else {
		req.Status = ledger.StatusFailed
		req.Error = errs.FromError(cause)
	}
	if err := l.putRequest(ctx, req, l.remainingTTL(req.ExpiresAt)); err != nil {
		return err
	}
	return l.settleMessages(ctx, requestID, req.Status)
}

// MarkUnknown records observability loss for the request.
func (l *Ledger) MarkUnknown(ctx context.Context, requestID string) error {
	return l.MarkFailed(ctx, requestID, nil)
}

func (l *Ledger) settleMessages(ctx context.Context, requestID string, status ledger.Status) error {
	ids, err := l.rdb.SMembers(ctx, l.requestMsgsKey(requestID)).Result()
	if err != nil {
		return wrap(err, "list request messages")
	}
	for _, id := range ids {
		msg, ok, err := l.GetByMessageID(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		prev := msg.Status
		msg.Status = status
		if err := l.putMessage(ctx, msg, l.remainingTTL(msg.ExpiresAt)); err != nil {
			return err
		}
		pipe := l.rdb.TxPipeline()
		pipe.ZRem(ctx, l.statusKey(prev), id)
		pipe.ZAdd(ctx, l.statusKey(status), goredis.Z{
			Score:  float64(msg.Timestamp.UnixMilli()),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return wrap(err, "index settle")
		}
	}
	return nil
}

// GetByMessageID returns the message record, if present.
func (l *Ledger) GetByMessageID(ctx context.Context, messageID string) (*ledger.MessageRecord, bool, error) {
	raw, err := l.rdb.Get(ctx, l.messageKey(messageID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err, "get message")
	}
	var msg ledger.MessageRecord
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false, wrap(err, "decode message")
	}
	return &msg, true, nil
}

// GetByRequestID returns the request record, if present.
func (l *Ledger) GetByRequestID(ctx context.Context, requestID string) (*ledger.RequestRecord, bool, error) {
	return l.getRequest(ctx, requestID)
}

// GetUnacknowledgedMessages returns the pair's non-completed messages
// ordered by seq.
func (l *Ledger) GetUnacknowledgedMessages(ctx context.Context, sourceAgentID, targetAgentID string) ([]*ledger.MessageRecord, error) {
	ids, err := l.rdb.ZRange(ctx, l.pairKey(sourceAgentID, targetAgentID), 0, -1).Result()
	if err != nil {
		return nil, wrap(err, "list pair messages")
	}
	out := make([]*ledger.MessageRecord, 0, len(ids))
	for _, id := range ids {
		msg, ok, err := l.GetByMessageID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || msg.Status == ledger.StatusCompleted {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// QueryMessagesByStatus returns messages in the given status, older than
// olderThan when non-zero, ordered by timestamp.
func (l *Ledger) QueryMessagesByStatus(ctx context.Context, status ledger.Status, olderThan time.Time) ([]*ledger.MessageRecord, error) {
	max := "+inf"
	if !olderThan.IsZero() {
		// ZRangeByScore max is inclusive; records at the bound are excluded.
		max = fmt.Sprintf("(%d", olderThan.UnixMilli())
	}
	ids, err := l.rdb.ZRangeByScore(ctx, l.statusKey(status), &goredis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return nil, wrap(err, "query by status")
	}
	out := make([]*ledger.MessageRecord, 0, len(ids))
	for _, id := range ids {
		msg, ok, err := l.GetByMessageID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || msg.Status != status {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// QueryPendingRequests returns unsettled requests, older than olderThan when
// non-zero. The scan walks request keys; pending volume is expected to be
// small relative to total records.
func (l *Ledger) QueryPendingRequests(ctx context.Context, olderThan time.Time) ([]*ledger.RequestRecord, error) {
	var out []*ledger.RequestRecord
	iter := l.rdb.Scan(ctx, 0, l.prefix+":req:*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := l.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, wrap(err, "get request")
		}
		var req ledger.RequestRecord
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, wrap(err, "decode request")
		}
		if req.Status != ledger.StatusPending {
			continue
		}
		if !olderThan.IsZero() && !req.Timestamp.Before(olderThan) {
			continue
		}
		out = append(out, &req)
	}
	if err := iter.Err(); err != nil {
		return nil, wrap(err, "scan requests")
	}
	return out, nil
}

// IncrementRetry bumps the retry counter and schedules the next attempt.
func (l *Ledger) IncrementRetry(ctx context.Context, messageID string, nextRetryAt time.Time) error {
	msg, ok, err := l.GetByMessageID(ctx, messageID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.NotFound, "message %q is not in the ledger", messageID)
	}
	msg.RetryCount++
	msg.NextRetryAt = &nextRetryAt
	return l.putMessage(ctx, msg, l.remainingTTL(msg.ExpiresAt))
}

// PruneExpired removes index entries whose records Redis already expired.
// Record deletion itself is native TTL; this sweep keeps the sorted sets from
// accumulating dangling members.
func (l *Ledger) PruneExpired(ctx context.Context, _ time.Time) (int, error) {
	pruned := 0
	for _, status := range []ledger.Status{ledger.StatusPending, ledger.StatusCompleted, ledger.StatusFailed, ledger.StatusUnknown} {
		ids, err := l.rdb.ZRange(ctx, l.statusKey(status), 0, -1).Result()
		if err != nil {
			return pruned, wrap(err, "list status index")
		}
		for _, id := range ids {
			exists, err := l.rdb.Exists(ctx, l.messageKey(id)).Result()
			if err != nil {
				return pruned, wrap(err, "check message")
			}
			if exists == 0 {
				if err := l.rdb.ZRem(ctx, l.statusKey(status), id).Err(); err != nil {
					return pruned, wrap(err, "prune status index")
				}
				pruned++
			}
		}
	}
	return pruned, nil
}

func (l *Ledger) getRequest(ctx context.Context, requestID string) (*ledger.RequestRecord, bool, error) {
	raw, err := l.rdb.Get(ctx, l.requestKey(requestID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err, "get request")
	}
	var req ledger.RequestRecord
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, false, wrap(err, "decode request")
	}
	return &req, true, nil
}

func (l *Ledger) putMessage(ctx context.Context, msg *ledger.MessageRecord, ttl time.Duration) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return wrap(err, "encode message")
	}
	return wrap(l.rdb.Set(ctx, l.messageKey(msg.MessageID), raw, ttl).Err(), "put message")
}

func (l *Ledger) putRequest(ctx context.Context, req *ledger.RequestRecord, ttl time.Duration) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return wrap(err, "encode request")
	}
	return wrap(l.rdb.Set(ctx, l.requestKey(req.RequestID), raw, ttl).Err(), "put request")
}

func (l *Ledger) recordTTL(env *envelope.Envelope) time.Duration {
	ttl := time.Duration(env.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = l.ttl
	}
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func (l *Ledger) remainingTTL(expiresAt *time.Time) time.Duration {
	if expiresAt == nil {
		return 0
	}
	rem := time.Until(*expiresAt)
	if rem <= 0 {
		return time.Millisecond
	}
	return rem
}

func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.Internal, "ledger "+op, err)
}
