// Package envelope defines the AACP message envelope and its canonical
// encoding. An envelope is immutable once constructed: the codec never
// mutates its input, omits absent optional fields, and keeps a stable field
// order when emitted as text.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/parley-dev/parley/runtime/errs"
)

// MessageType classifies an envelope.
type MessageType string

const (
	Request  MessageType = "REQUEST"
	Response MessageType = "RESPONSE"
	Event    MessageType = "EVENT"
)

// Valid reports whether t is a member of the closed message-type set.
func (t MessageType) Valid() bool {
	switch t {
	case Request, Response, Event:
		return true
	default:
		return false
	}
}

// Destination selects the routing mode. The envelope reserves the full set;
// the runtime services only Direct and Reply.
type Destination string

const (
	Direct      Destination = "direct"
	Reply       Destination = "reply"
	Broadcast   Destination = "broadcast"
	Multicast   Destination = "multicast"
	Coordinator Destination = "coordinator"
)

// timestampLayout is ISO-8601 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope carries an AACP payload plus routing, ordering, and reliability
// metadata. Field order here is the canonical text order.
type Envelope struct {
	// MessageID is unique per transmission attempt and time-ordered.
	MessageID string `json:"messageId"`
	// RequestID is stable across retries of one logical request. Present for
	// REQUEST and RESPONSE messages.
	RequestID string `json:"requestId,omitempty"`
	// SourceAgentID and TargetAgentID are the routing identifiers.
	SourceAgentID string `json:"sourceAgentId"`
	TargetAgentID string `json:"targetAgentId"`
	// Seq increases monotonically per ordered (source,target) pair.
	Seq uint64 `json:"seq"`
	// Ack is the highest cumulative contiguous receipt observed by the
	// sender's side, when known.
	Ack *uint64 `json:"ack,omitempty"`
	// Type classifies the message.
	Type MessageType `json:"messageType"`
	// Timestamp is ISO-8601 with millisecond precision.
	Timestamp string `json:"timestamp"`
	// Payload is opaque to the messaging layer.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Destination defaults to Direct when absent.
	Destination Destination `json:"destination,omitempty"`

	// Optional metadata.
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	TTLMs         int64             `json:"ttl,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	Context       map[string]any    `json:"context,omitempty"`
	Tracing       map[string]string `json:"tracing,omitempty"`
	Auth          map[string]any    `json:"auth,omitempty"`
	// Signature is carried but not validated by this version.
	Signature string `json:"signature,omitempty"`
}

// FormatTimestamp renders t in the canonical envelope timestamp form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// EffectiveDestination returns the destination, defaulting to Direct.
func (e *Envelope) EffectiveDestination() Destination {
	if e.Destination == "" {
		return Direct
	}
	return e.Destination
}

// Validate checks the envelope invariants that can be verified locally:
// required identifiers, a known message type, requestId pairing for
// REQUEST/RESPONSE, and a parseable timestamp.
func (e *Envelope) Validate() error {
	switch {
	case e.MessageID == "":
		return errs.New(errs.InvalidArgument, "envelope requires messageId")
	case e.SourceAgentID == "":
		return errs.New(errs.InvalidArgument, "envelope requires sourceAgentId")
	case e.TargetAgentID == "":
		return errs.New(errs.InvalidArgument, "envelope requires targetAgentId")
	case !e.Type.Valid():
		return errs.Newf(errs.InvalidArgument, "unknown messageType %q", e.Type)
	case (e.Type == Request || e.Type == Response) && e.RequestID == "":
		return errs.Newf(errs.InvalidArgument, "%s envelope requires requestId", e.Type)
	case e.Timestamp == "":
		return errs.New(errs.InvalidArgument, "envelope requires timestamp")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return errs.Wrap(errs.InvalidArgument, "envelope timestamp is not ISO-8601", err)
	}
	if e.TTLMs < 0 {
		return errs.New(errs.InvalidArgument, "envelope ttl must be non-negative")
	}
	return nil
}

// Encode validates e and renders its canonical text form. The input is not
// mutated; absent optional fields are omitted.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errs.New(errs.InvalidArgument, "envelope is nil")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "encoding envelope", err)
	}
	return raw, nil
}

// Decode parses and validates the canonical text form. Failures carry
// InvalidArgument, which is what the protocol boundary surfaces.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "decoding envelope", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Clone returns a deep copy of e. Retransmission uses it to mint a fresh
// messageId without touching the recorded original.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Ack != nil {
		ack := *e.Ack
		cp.Ack = &ack
	}
	if e.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Context != nil {
		cp.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	if e.Tracing != nil {
		cp.Tracing = make(map[string]string, len(e.Tracing))
		for k, v := range e.Tracing {
			cp.Tracing[k] = v
		}
	}
	if e.Auth != nil {
		cp.Auth = make(map[string]any, len(e.Auth))
		for k, v := range e.Auth {
			cp.Auth[k] = v
		}
	}
	return &cp
}
