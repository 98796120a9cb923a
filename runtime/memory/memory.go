// Package memory defines the coordinator's message-summary sink. Every
// message an agent processes leaves a compact summary so operators can
// reconstruct conversation history without replaying the ledger.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parley-dev/parley/aacp/envelope"
)

type (
	// MessageSummary is the per-message record kept after processing.
	MessageSummary struct {
		// MessageID identifies the transmission attempt.
		MessageID string
		// RequestID ties retries of one logical request together. Empty for
		// events.
		RequestID string
		// SourceAgentID is the sender.
		SourceAgentID string
		// Type is the AACP message type.
		Type envelope.MessageType
		// Outcome is "completed" or "failed".
		Outcome string
		// Error holds the failure summary when Outcome is "failed".
		Error string
		// ReceivedAt is when the coordinator dispatched the message.
		ReceivedAt time.Time
	}

	// Store persists message summaries per agent. Implementations must be
	// safe for concurrent use.
	Store interface {
		// AppendSummaries records summaries for the agent in order.
		AppendSummaries(ctx context.Context, agentID string, summaries ...MessageSummary) error

		// ListSummaries returns the agent's most recent summaries, newest
		// last, bounded by limit when positive.
		ListSummaries(ctx context.Context, agentID string, limit int) ([]MessageSummary, error)
	}

	// InMemory is the process-local Store used by default and in tests.
	InMemory struct {
		mu        sync.Mutex
		summaries map[string][]MessageSummary
		// maxPerAgent bounds retained history per agent. Zero keeps all.
		maxPerAgent int
	}
)

// NewInMemory constructs an empty in-process store. maxPerAgent bounds the
// retained history per agent; zero keeps everything.
func NewInMemory(maxPerAgent int) *InMemory {
	return &InMemory{
		summaries:   make(map[string][]MessageSummary),
		maxPerAgent: maxPerAgent,
	}
}

// AppendSummaries records summaries for the agent in order.
func (s *InMemory) AppendSummaries(_ context.Context, agentID string, summaries ...MessageSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.summaries[agentID], summaries...)
	if s.maxPerAgent > 0 && len(list) > s.maxPerAgent {
		list = list[len(list)-s.maxPerAgent:]
	}
	s.summaries[agentID] = list
	return nil
}

// ListSummaries returns the agent's summaries oldest first, keeping only the
// most recent limit entries when limit is positive.
func (s *InMemory) ListSummaries(_ context.Context, agentID string, limit int) ([]MessageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.summaries[agentID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]MessageSummary, len(list))
	copy(out, list)
	return out, nil
}

// Agents returns the ids with recorded history, sorted.
func (s *InMemory) Agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.summaries))
	for id := range s.summaries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
