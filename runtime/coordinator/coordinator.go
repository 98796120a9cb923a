// Package coordinator routes messages between registered agents. Each agent
// owns a bounded FIFO queue drained by a single processor goroutine, so
// delivery to one agent is strictly ordered while distinct agents process in
// parallel. When constructed with an AACP session manager and ledger, sends
// flow through reliable-messaging sessions: envelopes are appended to the
// ledger, receipt is acknowledged on dispatch, and outcomes settle the
// request record.
package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/aacp/ledger"
	aacpsession "github.com/parley-dev/parley/aacp/session"
	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/ident"
	"github.com/parley-dev/parley/runtime/memory"
	"github.com/parley-dev/parley/runtime/telemetry"
)

const defaultMaxQueueDepth = 1024

type (
	// Message is what an agent handler receives.
	Message struct {
		// Type is the AACP message type. Defaults to EVENT.
		Type envelope.MessageType
		// Payload is the JSON-encoded message body.
		Payload json.RawMessage
		// SourceAgentID names the sender. Defaults to "coordinator".
		SourceAgentID string
		// RequestID ties retries of one logical request together. Assigned
		// by the AACP session when reliable messaging is enabled.
		RequestID string
		// MessageID identifies this transmission. Assigned on enqueue.
		MessageID string
	}

	// AgentContext is handed to the handler for each dispatched message.
	AgentContext struct {
		// AgentID is the receiving agent.
		AgentID string
		// State is the agent's live mutable state map. The coordinator holds
		// the agent's state lock for the duration of the handler, so the
		// handler may mutate it freely; concurrent readers get snapshots.
		State map[string]any
		// Logger carries agentId, messageType, and sourceAgentId.
		Logger *telemetry.Logger
	}

	// Handler processes one message and returns its result.
	Handler func(ctx context.Context, ac *AgentContext, msg *Message) (any, error)

	// Hooks observe message lifecycle. All are optional; hook panics and
	// errors are swallowed with a warn log and never affect delivery.
	Hooks struct {
		OnMessageReceived  func(agentID string, msg *Message)
		OnMessageCompleted func(agentID string, msg *Message, duration time.Duration)
		OnMessageFailed    func(agentID string, msg *Message, err error, duration time.Duration)
		OnStateChange      func(agentID string, state map[string]any)
	}

	// Options configures a Coordinator.
	Options struct {
		Logger *telemetry.Logger
		IDs    ident.Generator
		Hooks  Hooks
		// MaxQueueDepth bounds each agent's queue. Zero means 1024.
		MaxQueueDepth int

		// Sessions and Ledger enable reliable messaging when both are set.
		Sessions *aacpsession.Manager
		Ledger   ledger.Ledger

		// Summaries, when set, receives a per-message record after each
		// dispatch settles.
		Summaries memory.Store
	}

	// Coordinator owns the agent registry and processors. Safe for
	// concurrent use.
	Coordinator struct {
		mu       sync.RWMutex
		agents   map[string]*agent
		log      *telemetry.Logger
		ids      ident.Generator
		hooks    Hooks
		depth    int
		sessions *aacpsession.Manager
		ledger   ledger.Ledger
		store    memory.Store
	}

	agent struct {
		id      string
		handler Handler
		// stateMu guards state. The processor holds it across the handler;
		// readers hold it just long enough to snapshot.
		stateMu sync.Mutex
		state   map[string]any
		queue   chan *task
		stop    chan struct{}
		done    chan struct{}
	}

	task struct {
		msg      *Message
		env      *envelope.Envelope
		result   any
		err      error
		settled  chan struct{}
		enqueued time.Time
	}
)

// New constructs a Coordinator.
func New(opts Options) *Coordinator {
	depth := opts.MaxQueueDepth
	if depth <= 0 {
		depth = defaultMaxQueueDepth
	}
	ids := opts.IDs
	if ids == nil {
		ids = ident.NewProduction()
	}
	return &Coordinator{
		agents:   make(map[string]*agent),
		log:      opts.Logger,
		ids:      ids,
		hooks:    opts.Hooks,
		depth:    depth,
		sessions: opts.Sessions,
		ledger:   opts.Ledger,
		store:    opts.Summaries,
	}
}

// RegisterAgent adds an agent and starts its processor. Duplicate ids fail.
func (c *Coordinator) RegisterAgent(id string, handler Handler) error {
	if id == "" {
		return errs.New(errs.InvalidArgument, "agent id is required")
	}
	if handler == nil {
		return errs.New(errs.InvalidArgument, "agent handler is required")
	}

	c.mu.Lock()
	if _, ok := c.agents[id]; ok {
		c.mu.Unlock()
		c.log.Warn("agent already registered", telemetry.Fields{"agentId": id})
		return errs.Newf(errs.InvalidArgument, "agent %q is already registered", id)
	}
	a := &agent{
		id:      id,
		handler: handler,
		state:   make(map[string]any),
		queue:   make(chan *task, c.depth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.agents[id] = a
	c.mu.Unlock()

	go c.process(a)
	c.log.Info("agent registered", telemetry.Fields{"agentId": id})
	return nil
}

// UnregisterAgent stops the agent's processor and reports whether the agent
// existed. Queued messages fail with NOT_FOUND.
func (c *Coordinator) UnregisterAgent(id string) bool {
	c.mu.Lock()
	a, ok := c.agents[id]
	delete(c.agents, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	close(a.stop)
	<-a.done
	c.log.Info("agent unregistered", telemetry.Fields{"agentId": id})
	return true
}

// ListAgents returns registered agent ids sorted lexicographically.
func (c *Coordinator) ListAgents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.agents))
	for id := range c.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetAgentState returns a point-in-time deep copy of the agent's state, so
// the caller can serialize it while the agent keeps processing. The second
// return is false when the agent is not registered.
func (c *Coordinator) GetAgentState(id string) (map[string]any, bool) {
	c.mu.RLock()
	a, ok := c.agents[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return cloneState(a.state), true
}

// SendMessage delivers msg to the target agent and blocks until its handler
// settles, returning the handler's result. Messages to the same agent execute
// in strict enqueue order.
func (c *Coordinator) SendMessage(ctx context.Context, targetID string, msg Message) (any, error) {
	c.mu.RLock()
	a, ok := c.agents[targetID]
	c.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.NotFound, "agent %q is not registered", targetID)
	}

	if msg.Type == "" {
		msg.Type = envelope.Event
	}
	if msg.SourceAgentID == "" {
		msg.SourceAgentID = "coordinator"
	}

	t := &task{
		msg:      &msg,
		settled:  make(chan struct{}),
		enqueued: c.ids.Now(),
	}

	if c.reliable() {
		env, res, err := c.sessions.Open(msg.SourceAgentID, targetID).
			SendMessage(ctx, msg.Payload, msg.Type, msg.RequestID)
		if err != nil {
			c.log.Warn("reliable send setup failed", telemetry.Fields{
				"agentId":       targetID,
				"sourceAgentId": msg.SourceAgentID,
				"error":         err.Error(),
			})
			msg.MessageID = c.ids.NewMessageID()
		} else {
			msg.MessageID = env.MessageID
			msg.RequestID = env.RequestID
			t.env = env
			if res.IsDuplicate {
				if res.CachedResult != nil || res.CompletionRef != "" {
					return res.CachedResult, nil
				}
				return nil, errs.Newf(errs.InvalidArgument, "request %q is already in flight", env.RequestID)
			}
		}
	} else {
		msg.MessageID = c.ids.NewMessageID()
	}

	select {
	case a.queue <- t:
	default:
		c.failFast(t, errs.Newf(errs.ResourceExhausted, "agent %q queue is full", targetID))
		return nil, t.err
	}

	select {
	case <-t.settled:
		return t.result, t.err
	case <-a.done:
		// The agent was unregistered before the task was dispatched.
		select {
		case <-t.settled:
			return t.result, t.err
		default:
			return nil, errs.Newf(errs.NotFound, "agent %q was unregistered", targetID)
		}
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Internal, "send canceled", ctx.Err())
	}
}

// reliable reports whether AACP integration is enabled.
func (c *Coordinator) reliable() bool {
	return c.sessions != nil && c.ledger != nil
}

// process is the per-agent loop: strict FIFO, one message at a time.
func (c *Coordinator) process(a *agent) {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			c.drain(a)
			return
		case t := <-a.queue:
			c.dispatch(a, t)
		}
	}
}

// drain fails whatever is still queued when the agent goes away.
func (c *Coordinator) drain(a *agent) {
	for {
		select {
		case t := <-a.queue:
			c.failFast(t, errs.Newf(errs.NotFound, "agent %q was unregistered", a.id))
		default:
			return
		}
	}
}

func (c *Coordinator) failFast(t *task, err error) {
	t.err = err
	if c.reliable() && t.msg.RequestID != "" {
		c.settleLedger(t.msg.RequestID, nil, err)
	}
	close(t.settled)
}

// dispatch runs one message through the agent handler and the surrounding
// bookkeeping: ack on dispatch, hooks, ledger settlement, summary record.
func (c *Coordinator) dispatch(a *agent, t *task) {
	msg := t.msg
	log := c.log.Child(telemetry.Fields{
		"agentId":       a.id,
		"messageType":   string(msg.Type),
		"sourceAgentId": msg.SourceAgentID,
	})

	if c.reliable() && t.env != nil {
		c.sessions.Open(msg.SourceAgentID, a.id).AcknowledgeMessage(t.env.Seq)
	}

	c.runHook(log, "onMessageReceived", func() {
		if c.hooks.OnMessageReceived != nil {
			c.hooks.OnMessageReceived(a.id, msg)
		}
	})

	started := c.ids.Now()
	result, err := c.invoke(a, msg, log)
	duration := c.ids.Now().Sub(started)

	if err != nil {
		log.Warn("agent handler failed", telemetry.Fields{
			"messageId":  msg.MessageID,
			"durationMs": duration.Milliseconds(),
			"error":      err.Error(),
		})
		c.runHook(log, "onMessageFailed", func() {
			if c.hooks.OnMessageFailed != nil {
				c.hooks.OnMessageFailed(a.id, msg, err, duration)
			}
		})
	} else {
		log.Debug("agent handler completed", telemetry.Fields{
			"messageId":  msg.MessageID,
			"durationMs": duration.Milliseconds(),
		})
		c.runHook(log, "onMessageCompleted", func() {
			if c.hooks.OnMessageCompleted != nil {
				c.hooks.OnMessageCompleted(a.id, msg, duration)
			}
		})
		c.runHook(log, "onStateChange", func() {
			if c.hooks.OnStateChange != nil {
				a.stateMu.Lock()
				snapshot := cloneState(a.state)
				a.stateMu.Unlock()
				c.hooks.OnStateChange(a.id, snapshot)
			}
		})
	}

	if c.reliable() && msg.RequestID != "" {
		c.settleLedger(msg.RequestID, result, err)
	}
	c.recordSummary(a.id, msg, err)

	t.result = result
	t.err = err
	close(t.settled)
}

// invoke calls the handler with panic protection. The state lock is held for
// the whole call so the handler can mutate the map without racing readers.
func (c *Coordinator) invoke(a *agent, msg *Message, log *telemetry.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf(errs.Internal, "agent handler panicked: %v", r)
		}
	}()
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	ac := &AgentContext{AgentID: a.id, State: a.state, Logger: log}
	return a.handler(context.Background(), ac, msg)
}

// cloneState deep-copies a state map so readers never share structure with
// the processor goroutine. Values that are not generic JSON containers are
// copied by value.
func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneState(t)
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// settleLedger records the outcome; ledger failures never affect delivery.
func (c *Coordinator) settleLedger(requestID string, result any, handlerErr error) {
	ctx := context.Background()
	var err error
	if handlerErr != nil {
		err = c.ledger.MarkFailed(ctx, requestID, handlerErr)
	} else {
		err = c.ledger.MarkCompleted(ctx, requestID, result, "")
	}
	if err != nil {
		c.log.Warn("ledger settlement failed", telemetry.Fields{
			"requestId": requestID,
			"error":     err.Error(),
		})
	}
}

// recordSummary appends the message record; store failures are non-fatal.
func (c *Coordinator) recordSummary(agentID string, msg *Message, handlerErr error) {
	if c.store == nil {
		return
	}
	s := memory.MessageSummary{
		MessageID:     msg.MessageID,
		RequestID:     msg.RequestID,
		SourceAgentID: msg.SourceAgentID,
		Type:          msg.Type,
		Outcome:       "completed",
		ReceivedAt:    c.ids.Now(),
	}
	if handlerErr != nil {
		s.Outcome = "failed"
		s.Error = handlerErr.Error()
	}
	if err := c.store.AppendSummaries(context.Background(), agentID, s); err != nil {
		c.log.Warn("summary store append failed", telemetry.Fields{
			"agentId": agentID,
			"error":   err.Error(),
		})
	}
}

// runHook executes a lifecycle hook with panic protection.
func (c *Coordinator) runHook(log *telemetry.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("lifecycle hook panicked", telemetry.Fields{
				"hook":  name,
				"error": "panic",
			})
		}
	}()
	fn()
}

// Close unregisters every agent and waits for their processors to exit.
func (c *Coordinator) Close() {
	for _, id := range c.ListAgents() {
		c.UnregisterAgent(id)
	}
}
