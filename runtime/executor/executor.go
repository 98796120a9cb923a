// Package executor runs tool invocations through the full admission pipeline:
// argument validation, payload gate, slot acquisition, the timeout race, and
// outcome classification. Cancellation is cooperative; handlers observe their
// context and return, the pipeline never kills work.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/ident"
	"github.com/parley-dev/parley/runtime/resources"
	"github.com/parley-dev/parley/runtime/telemetry"
	"github.com/parley-dev/parley/runtime/toolregistry"
)

// Outcome classifies how an invocation settled.
type Outcome string

const (
	// OutcomeSuccess is a handler result delivered before the deadline.
	OutcomeSuccess Outcome = "success"
	// OutcomeToolError is a handler failure delivered as a tool error.
	OutcomeToolError Outcome = "tool_error"
	// OutcomeTimeout is a deadline breach; the caller got a TIMEOUT error
	// while the handler was still running.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeLateCompleted is a handler that resolved after its timeout was
	// already reported. The result is dropped.
	OutcomeLateCompleted Outcome = "late_completed"
	// OutcomeAborted is a connection close observed while the handler ran.
	OutcomeAborted Outcome = "aborted"
	// OutcomeDisconnectedCompleted is a handler that settled after its
	// connection went away.
	OutcomeDisconnectedCompleted Outcome = "disconnected_completed"
	// OutcomeProtocolError is a pre-execution rejection (validation, payload,
	// admission).
	OutcomeProtocolError Outcome = "protocol_error"
)

type (
	// Options configures an Executor.
	Options struct {
		Registry  *toolregistry.Registry
		Resources *resources.Manager
		IDs       ident.Generator
		Logger    *telemetry.Logger
		Metrics   *telemetry.Metrics
		Tracer    *telemetry.Tracer
		// DefaultTimeout bounds each handler invocation. Zero falls back to
		// 30 seconds.
		DefaultTimeout time.Duration
	}

	// Executor drives tool invocations. Safe for concurrent use.
	Executor struct {
		registry  *toolregistry.Registry
		resources *resources.Manager
		ids       ident.Generator
		log       *telemetry.Logger
		metrics   *telemetry.Metrics
		tracer    *telemetry.Tracer
		timeout   time.Duration
	}

	// Invocation reports one settled (from the caller's view) invocation.
	Invocation struct {
		// Result is what the caller receives.
		Result *errs.ToolResult
		// Outcome is the classification at response time. Late transitions
		// (late_completed, disconnected_completed) are logged and counted
		// but never change the delivered response.
		Outcome Outcome
		// RunID identifies this invocation.
		RunID string
		// CorrelationID ties the invocation to its request.
		CorrelationID string
		// Settled closes once the handler goroutine has finished, after any
		// late classification. Tests and drain logic wait on it.
		Settled <-chan struct{}
	}

	// Call names the tool and arguments to invoke.
	Call struct {
		// Name is the registered tool name.
		Name string
		// Args is the decoded arguments object. Nil means {}.
		Args map[string]any
		// CorrelationID overrides the minted correlation id when the request
		// carried one.
		CorrelationID string
		// Transport tags the serving connection.
		Transport string
	}

	handlerReturn struct {
		result *errs.ToolResult
		err    error
	}
)

const defaultTimeout = 30 * time.Second

// New constructs an Executor.
func New(opts Options) *Executor {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{
		registry:  opts.Registry,
		resources: opts.Resources,
		ids:       opts.IDs,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		timeout:   timeout,
	}
}

// ErrUnknownTool reports whether err is the unknown-tool rejection, which the
// dispatcher maps to JSON-RPC method-not-found.
func ErrUnknownTool(err error) bool {
	return errs.HasCode(err, errs.NotFound)
}

// Execute runs the invocation pipeline. The returned error is non-nil only
// for the unknown-tool case; every other failure is delivered as a tool error
// inside the Invocation.
//
// ctx is the connection context: its cancellation means the client went away.
func (e *Executor) Execute(ctx context.Context, call Call) (*Invocation, error) {
	reg, ok := e.registry.Get(call.Name)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "tool %q is not registered", call.Name)
	}

	runID := e.ids.NewRunID()
	correlationID := call.CorrelationID
	if correlationID == "" {
		correlationID = e.ids.NewCorrelationID()
	}
	log := e.log.Child(telemetry.Fields{
		"tool":          call.Name,
		"runId":         runID,
		"correlationId": correlationID,
	})

	settled := make(chan struct{})
	inv := &Invocation{RunID: runID, CorrelationID: correlationID, Settled: settled}

	fail := func(outcome Outcome, err error) (*Invocation, error) {
		close(settled)
		inv.Outcome = outcome
		inv.Result = errs.ToToolError(err, correlationID, runID)
		e.metrics.RecordInvocation(ctx, call.Name, string(outcome), 0)
		return inv, nil
	}

	if err := reg.ValidateArgs(call.Args); err != nil {
		return fail(OutcomeProtocolError, err)
	}
	if err := e.resources.ValidatePayloadSize(call.Args); err != nil {
		return fail(OutcomeProtocolError, err)
	}
	slot, err := e.resources.TryAcquireSlot()
	if err != nil {
		return fail(OutcomeProtocolError, err)
	}

	spanCtx, endSpan := e.tracer.StartToolSpan(ctx, call.Name)
	e.metrics.AddInFlight(spanCtx, 1)

	handlerCtx, cancel := context.WithCancel(spanCtx)
	callCtx := &toolregistry.CallContext{
		RunID:         runID,
		CorrelationID: correlationID,
		Logger:        log,
		Transport:     call.Transport,
	}

	started := e.ids.Now()
	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerReturn{err: errs.Newf(errs.Internal, "tool handler panicked: %v", r)}
			}
		}()
		res, err := reg.Handler(handlerCtx, callCtx, call.Args)
		done <- handlerReturn{result: res, err: err}
	}()

	settle := func(outcome Outcome, elapsed time.Duration, err error) {
		slot.Release()
		e.metrics.AddInFlight(spanCtx, -1)
		e.metrics.RecordInvocation(spanCtx, call.Name, string(outcome), elapsed)
		endSpan(string(outcome), err)
		close(settled)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case ret := <-done:
		cancel()
		elapsed := e.ids.Now().Sub(started)
		if ret.err != nil {
			inv.Outcome = OutcomeToolError
			inv.Result = errs.ToToolError(ret.err, correlationID, runID)
			log.Info("tool failed", telemetry.Fields{
				"outcome":    string(OutcomeToolError),
				"durationMs": elapsed.Milliseconds(),
				"error":      ret.err.Error(),
			})
			settle(OutcomeToolError, elapsed, ret.err)
			return inv, nil
		}
		inv.Outcome = OutcomeSuccess
		inv.Result = ret.result
		if inv.Result == nil {
			inv.Result = errs.ToolText("")
		}
		log.Info("tool completed", telemetry.Fields{
			"outcome":    string(OutcomeSuccess),
			"durationMs": elapsed.Milliseconds(),
		})
		settle(OutcomeSuccess, elapsed, nil)
		return inv, nil

	case <-timer.C:
		// Deadline first: answer the caller now, leave the handler running
		// under its canceled context, and hold the slot until it settles.
		cancel()
		inv.Outcome = OutcomeTimeout
		timeoutErr := errs.Newf(errs.Timeout, "tool %q exceeded %s", call.Name, e.timeout)
		inv.Result = errs.ToToolError(timeoutErr, correlationID, runID)
		log.Warn("tool timed out", telemetry.Fields{
			"outcome":   string(OutcomeTimeout),
			"timeoutMs": e.timeout.Milliseconds(),
		})
		go e.awaitLate(done, call.Name, log, settle, started, OutcomeLateCompleted)
		return inv, nil

	case <-ctx.Done():
		// Connection gone: nobody will read the response.
		cancel()
		inv.Outcome = OutcomeAborted
		abortErr := errs.Wrap(errs.Internal, "connection closed during execution", ctx.Err())
		inv.Result = errs.ToToolError(abortErr, correlationID, runID)
		log.Warn("connection closed during tool execution", telemetry.Fields{
			"outcome": string(OutcomeAborted),
		})
		go e.awaitLate(done, call.Name, log, settle, started, OutcomeDisconnectedCompleted)
		return inv, nil
	}
}

// awaitLate waits for an already-answered handler to settle, reclassifies the
// outcome, and releases the slot.
func (e *Executor) awaitLate(done <-chan handlerReturn, tool string, log *telemetry.Logger, settle func(Outcome, time.Duration, error), started time.Time, completed Outcome) {
	ret := <-done
	elapsed := e.ids.Now().Sub(started)
	outcome := completed
	if ret.err != nil {
		outcome = OutcomeToolError
	}
	log.Warn(fmt.Sprintf("tool settled after response (%s)", outcome), telemetry.Fields{
		"outcome":    string(outcome),
		"durationMs": elapsed.Milliseconds(),
	})
	settle(outcome, elapsed, ret.err)
}

// Timeout reports the configured per-invocation deadline.
func (e *Executor) Timeout() time.Duration { return e.timeout }
