// Package mcpserver serves the MCP wire protocol over a line-delimited
// JSON-RPC 2.0 stream. The package owns framing, the structural checks, the
// initialization gate, method routing, and the admin registration policy;
// tool execution and agent delivery are delegated to the runtime packages.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/parley-dev/parley/config"
	"github.com/parley-dev/parley/runtime/coordinator"
	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/executor"
	"github.com/parley-dev/parley/runtime/ident"
	"github.com/parley-dev/parley/runtime/resources"
	"github.com/parley-dev/parley/runtime/session"
	"github.com/parley-dev/parley/runtime/telemetry"
	"github.com/parley-dev/parley/runtime/toolregistry"
)

// maxFrameBytes bounds a single request line. Longer frames fail the scan and
// close the connection; the payload gate below this bound still applies.
const maxFrameBytes = 4 << 20

type (
	// Options configures a Server.
	Options struct {
		Config      config.Config
		Logger      *telemetry.Logger
		IDs         ident.Generator
		Registry    *toolregistry.Registry
		Executor    *executor.Executor
		Resources   *resources.Manager
		Coordinator *coordinator.Coordinator
	}

	// Server dispatches one protocol connection at a time. The zero value is
	// not usable; construct with New.
	Server struct {
		cfg     config.Config
		log     *telemetry.Logger
		ids     ident.Generator
		reg     *toolregistry.Registry
		exec    *executor.Executor
		res     *resources.Manager
		coord   *coordinator.Coordinator
		limiter *rate.Limiter
	}

	// conn is the per-connection state: the session, the shared response
	// writer, and the in-flight accounting used by the shutdown drain.
	conn struct {
		sess *session.Session
		mu   sync.Mutex
		out  io.Writer
		wg   sync.WaitGroup
	}
)

// New constructs a Server. The request throttle is enabled only when
// server.maxRequestsPerSecond is positive.
func New(opts Options) *Server {
	s := &Server{
		cfg:   opts.Config,
		log:   opts.Logger,
		ids:   opts.IDs,
		reg:   opts.Registry,
		exec:  opts.Executor,
		res:   opts.Resources,
		coord: opts.Coordinator,
	}
	if rps := opts.Config.Server.MaxRequestsPerSecond; rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return s
}

// Serve reads frames from in until the stream ends, writing responses to out.
// Dispatch is serial; tool invocations run concurrently once admitted, so
// responses are per-id, not globally ordered. On stream end the session
// closes and in-flight handlers get server.shutdownTimeoutMs to drain before
// their abort signals fire.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer, transport session.Transport) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := session.New(s.ids.NewCorrelationID(), transport, s.log)
	c := &conn{sess: sess, out: out}
	sess.Logger().Info("connection open", nil)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer across frames.
		frame := make([]byte, len(line))
		copy(frame, line)
		s.dispatch(connCtx, c, frame)
	}

	err := scanner.Err()
	if err != nil {
		sess.Logger().Error("transport stream error", telemetry.Fields{"error": err.Error()})
	}
	sess.Close()

	if !waitTimeout(&c.wg, s.cfg.ShutdownTimeout()) {
		sess.Logger().Warn("shutdown drain timed out; abandoning in-flight handlers", telemetry.Fields{
			"shutdownTimeoutMs": s.cfg.Server.ShutdownTimeoutMs,
		})
	}
	cancel()

	if err != nil {
		return fmt.Errorf("transport stream: %w", err)
	}
	return nil
}

// write serializes v as one frame on the protocol stream.
func (c *conn) write(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	raw = append(raw, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.out.Write(raw); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// waitTimeout waits for wg up to d and reports whether it drained in time.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// reply writes a success response.
func (s *Server) reply(c *conn, id, result any) {
	resp := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Result  any    `json:"result"`
	}{JSONRPC: "2.0", ID: id, Result: result}
	if err := c.write(resp); err != nil {
		c.sess.Logger().Error("response write failed", telemetry.Fields{"error": err.Error()})
	}
}

// replyError writes a JSON-RPC error response whose data carries the taxonomy
// code, the detailed message, and the correlation id.
func (s *Server) replyError(c *conn, id any, rpcCode int, rpcMessage string, code errs.Code, message, correlationID string) {
	resp := errs.ToJSONRPCError(rpcCode, rpcMessage, errs.ErrorData{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	}, id)
	if err := c.write(resp); err != nil {
		c.sess.Logger().Error("error response write failed", telemetry.Fields{"error": err.Error()})
	}
}
