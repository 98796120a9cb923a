// Package session models the lifecycle of the single client connection. A
// deterministic state machine gates which protocol methods may be serviced:
// only initialize and initialized may run before the session is running.
package session

import (
	"sync"

	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/telemetry"
)

// State is a lifecycle phase of the connection.
type State string

const (
	Starting     State = "STARTING"
	Initializing State = "INITIALIZING"
	Running      State = "RUNNING"
	Closed       State = "CLOSED"
)

// Transport tags the stream carrying the connection.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

// allowedTransitions encodes the legal lifecycle moves. Close is legal from
// every state and handled separately.
var allowedTransitions = map[State]map[State]struct{}{
	Starting: {
		Initializing: {},
	},
	Initializing: {
		Running: {},
	},
}

// CanTransition reports whether a state transition is valid. Transitions to
// Closed are always valid.
func CanTransition(from, to State) bool {
	if to == Closed {
		return true
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Session is the process-wide singleton for the active connection. Safe for
// concurrent use.
type Session struct {
	mu            sync.Mutex
	correlationID string
	state         State
	transport     Transport
	log           *telemetry.Logger
}

// New creates a session in the Starting state with a stable connection
// correlation id and a logger bound to it.
func New(correlationID string, transport Transport, log *telemetry.Logger) *Session {
	return &Session{
		correlationID: correlationID,
		state:         Starting,
		transport:     transport,
		log: log.Child(telemetry.Fields{
			"connectionCorrelationId": correlationID,
			"transport":               string(transport),
		}),
	}
}

// CorrelationID returns the stable connection correlation id.
func (s *Session) CorrelationID() string { return s.correlationID }

// Transport returns the transport tag.
func (s *Session) Transport() Transport { return s.transport }

// Logger returns the session-bound logger.
func (s *Session) Logger() *telemetry.Logger { return s.log }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize moves Starting to Initializing. Any other origin fails.
func (s *Session) Initialize() error {
	return s.transition(Initializing)
}

// Initialized moves Initializing to Running. Any other origin fails.
func (s *Session) Initialized() error {
	return s.transition(Running)
}

// Close moves the session to Closed from any state. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	already := s.state == Closed
	s.state = Closed
	s.mu.Unlock()
	if !already {
		s.log.Info("session closed", nil)
	}
}

// RequireRunning fails with NotInitialized unless the session is running.
func (s *Session) RequireRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return errs.Newf(errs.NotInitialized,
			"session is %s; complete initialize/initialized first", s.state)
	}
	return nil
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return errs.Newf(errs.NotInitialized,
			"invalid lifecycle transition %s -> %s", s.state, to)
	}
	from := s.state
	s.state = to
	s.log.Debug("session state changed", telemetry.Fields{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}
