// Package ledger provides the append-only store of AACP message and request
// records. The ledger is the deduplication authority: appends are keyed on
// requestId so a retried request is never executed twice, and completed
// outcomes are served from cache.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/runtime/errs"
)

// Status is the outcome state of a message or request record.
type Status string

const (
	// StatusPending marks a record whose outcome has not settled.
	StatusPending Status = "PENDING"
	// StatusCompleted marks a successfully settled record.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed marks a record that settled with an error.
	StatusFailed Status = "FAILED"
	// StatusUnknown marks observability loss: the outcome was never
	// recorded. Unknown records are always retry-eligible.
	StatusUnknown Status = "UNKNOWN"
)

type (
	// RequestRecord tracks one logical request across its retries.
	RequestRecord struct {
		RequestID     string
		SourceAgentID string
		TargetAgentID string
		Type          envelope.MessageType
		Payload       json.RawMessage
		Status        Status
		Timestamp     time.Time
		ExpiresAt     *time.Time
		CompletionRef string
		Result        any
		Error         *errs.Error
	}

	// MessageRecord tracks one transmission attempt.
	MessageRecord struct {
		MessageID   string
		RequestID   string
		Envelope    *envelope.Envelope
		Status      Status
		Timestamp   time.Time
		ExpiresAt   *time.Time
		RetryCount  int
		NextRetryAt *time.Time
	}

	// AppendResult reports how an append was classified.
	AppendResult struct {
		// IsDuplicate is true when the requestId was seen before.
		IsDuplicate bool
		// CachedResult carries the stored outcome of a completed duplicate.
		CachedResult any
		// CompletionRef is the stored completion reference, when present.
		CompletionRef string
		// ShouldExecute is true only for first appearances.
		ShouldExecute bool
	}

	// Ledger is the append-only record store. Implementations must apply
	// the normative append classification order: completed duplicates return
	// the cached outcome, in-flight or unknown duplicates are ignored, and
	// only first appearances execute.
	Ledger interface {
		// Append records the envelope and classifies it for execution.
		Append(ctx context.Context, env *envelope.Envelope) (AppendResult, error)

		// MarkCompleted settles the request record first, then its message
		// records, storing the result for duplicate serving.
		MarkCompleted(ctx context.Context, requestID string, result any, completionRef string) error

		// MarkFailed settles the request as FAILED with the structured
		// error. A nil cause records observability loss as UNKNOWN.
		MarkFailed(ctx context.Context, requestID string, cause error) error

		// MarkUnknown records observability loss for the request.
		MarkUnknown(ctx context.Context, requestID string) error

		// GetByMessageID returns the message record, if present.
		GetByMessageID(ctx context.Context, messageID string) (*MessageRecord, bool, error)

		// GetByRequestID returns the request record, if present.
		GetByRequestID(ctx context.Context, requestID string) (*RequestRecord, bool, error)

		// GetUnacknowledgedMessages returns the pair's messages whose status
		// is not COMPLETED, ordered by seq.
		GetUnacknowledgedMessages(ctx context.Context, sourceAgentID, targetAgentID string) ([]*MessageRecord, error)

		// QueryMessagesByStatus returns messages in the given status, older
		// than olderThan when non-zero.
		QueryMessagesByStatus(ctx context.Context, status Status, olderThan time.Time) ([]*MessageRecord, error)

		// QueryPendingRequests returns unsettled requests, older than
		// olderThan when non-zero.
		QueryPendingRequests(ctx context.Context, olderThan time.Time) ([]*RequestRecord, error)

		// IncrementRetry bumps the message retry counter and schedules the
		// next attempt time.
		IncrementRetry(ctx context.Context, messageID string, nextRetryAt time.Time) error

		// PruneExpired drops records whose TTL elapsed before now. Pruning
		// is the only path that deletes records.
		PruneExpired(ctx context.Context, now time.Time) (int, error)
	}
)
