// Package session manages the ordered AACP conversation between one source
// and one target agent: sequence assignment at send time, cumulative
// acknowledgment on the receive side, and retrieval of unacknowledged
// messages for retransmission.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/aacp/ledger"
	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/ident"
	"github.com/parley-dev/parley/runtime/telemetry"
)

type (
	// Manager maps (sourceAgentId, targetAgentId) pairs to sessions.
	// Sessions are created lazily on first use and retained for the process
	// lifetime unless explicitly closed. Safe for concurrent use.
	Manager struct {
		mu       sync.Mutex
		sessions map[pairKey]*Session
		ledger   ledger.Ledger
		ids      ident.Generator
		log      *telemetry.Logger
	}

	// Session holds the ordered-delivery state for one directed pair.
	// nextSeq starts at 1 and is the next value to emit; lastAck starts at
	// 0 and is the highest contiguous received seq. Safe for concurrent use.
	Session struct {
		mu            sync.Mutex
		sourceAgentID string
		targetAgentID string
		nextSeq       uint64
		lastAck       uint64
		received      map[uint64]struct{}
		createdAt     time.Time
		lastActivity  time.Time

		ledger ledger.Ledger
		ids    ident.Generator
		log    *telemetry.Logger
	}

	pairKey struct {
		source string
		target string
	}
)

// NewManager constructs a session manager over the given ledger.
func NewManager(led ledger.Ledger, ids ident.Generator, log *telemetry.Logger) *Manager {
	return &Manager{
		sessions: make(map[pairKey]*Session),
		ledger:   led,
		ids:      ids,
		log:      log,
	}
}

// Open returns the session for the pair, creating it on first use.
func (m *Manager) Open(sourceAgentID, targetAgentID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{source: sourceAgentID, target: targetAgentID}
	if s, ok := m.sessions[key]; ok {
		return s
	}
	now := m.ids.Now()
	s := &Session{
		sourceAgentID: sourceAgentID,
		targetAgentID: targetAgentID,
		nextSeq:       1,
		received:      make(map[uint64]struct{}),
		createdAt:     now,
		lastActivity:  now,
		ledger:        m.ledger,
		ids:           m.ids,
		log: m.log.Child(telemetry.Fields{
			"sourceAgentId": sourceAgentID,
			"targetAgentId": targetAgentID,
		}),
	}
	m.sessions[key] = s
	return s
}

// Close removes the pair's session and reports whether one existed.
func (m *Manager) Close(sourceAgentID, targetAgentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{source: sourceAgentID, target: targetAgentID}
	_, ok := m.sessions[key]
	delete(m.sessions, key)
	return ok
}

// Len reports the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SendMessage mints a fresh messageId, generates a requestId for
// REQUEST/RESPONSE messages when the caller supplies none, and appends the
// envelope to the ledger. The append classification is returned so callers
// can honor deduplication. A seq is consumed only when the ledger actually
// records the envelope: a duplicate requestId leaves nextSeq untouched, so
// the pair's seq stream stays contiguous and the receiver's cumulative ack
// can always advance past it.
func (s *Session) SendMessage(ctx context.Context, payload json.RawMessage, msgType envelope.MessageType, requestID string) (*envelope.Envelope, ledger.AppendResult, error) {
	if !msgType.Valid() {
		return nil, ledger.AppendResult{}, errs.Newf(errs.InvalidArgument, "unknown messageType %q", msgType)
	}
	if requestID == "" && (msgType == envelope.Request || msgType == envelope.Response) {
		requestID = s.ids.NewRequestID()
	}

	// The lock is held across the append so classification and seq
	// consumption are atomic; sends on one pair serialize, which matches the
	// ordered delivery the seq stream promises anyway.
	s.mu.Lock()
	defer s.mu.Unlock()

	var ack *uint64
	if s.lastAck > 0 {
		v := s.lastAck
		ack = &v
	}

	env := &envelope.Envelope{
		MessageID:     s.ids.NewMessageID(),
		RequestID:     requestID,
		SourceAgentID: s.sourceAgentID,
		TargetAgentID: s.targetAgentID,
		Seq:           s.nextSeq,
		Ack:           ack,
		Type:          msgType,
		Timestamp:     envelope.FormatTimestamp(s.ids.Now()),
		Payload:       payload,
		Destination:   envelope.Direct,
	}

	res, err := s.ledger.Append(ctx, env)
	if err != nil {
		return nil, ledger.AppendResult{}, err
	}
	if res.ShouldExecute {
		s.nextSeq++
	}
	s.lastActivity = s.ids.Now()
	return env, res, nil
}

// AcknowledgeMessage records receipt of seq and advances lastAck along the
// contiguous prefix. Out-of-order seqs create gaps that block advancement;
// lastAck never rolls back. The new lastAck is returned.
func (s *Session) AcknowledgeMessage(seq uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq > 0 && seq > s.lastAck {
		s.received[seq] = struct{}{}
	}
	for {
		if _, ok := s.received[s.lastAck+1]; !ok {
			break
		}
		delete(s.received, s.lastAck+1)
		s.lastAck++
	}
	s.lastActivity = s.ids.Now()
	return s.lastAck
}

// GetUnacknowledgedMessages returns the pair's messages whose status is not
// COMPLETED, ordered by seq.
func (s *Session) GetUnacknowledgedMessages(ctx context.Context) ([]*ledger.MessageRecord, error) {
	return s.ledger.GetUnacknowledgedMessages(ctx, s.sourceAgentID, s.targetAgentID)
}

// LastAck reports the highest contiguous received seq.
func (s *Session) LastAck() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

// NextSeq reports the next seq value to emit.
func (s *Session) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// SourceAgentID returns the session's source routing identifier.
func (s *Session) SourceAgentID() string { return s.sourceAgentID }

// TargetAgentID returns the session's target routing identifier.
func (s *Session) TargetAgentID() string { return s.targetAgentID }
