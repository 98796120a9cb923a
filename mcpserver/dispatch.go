package mcpserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/executor"
	"github.com/parley-dev/parley/runtime/telemetry"
)

// Methods that may be served before the session reaches RUNNING.
const (
	methodInitialize  = "initialize"
	methodInitialized = "initialized"
)

type (
	// frame is the decoded JSON-RPC request envelope. ID distinguishes three
	// states: absent (notification), literal null, and a concrete value.
	frame struct {
		jsonrpc string
		method  string
		id      any
		hasID   bool
		params  json.RawMessage
	}

	// paramsMeta extracts the request-scoped correlation id when present.
	paramsMeta struct {
		Meta struct {
			CorrelationID string `json:"correlationId"`
		} `json:"_meta"`
	}

	initializeResult struct {
		ProtocolVersion string         `json:"protocolVersion"`
		ServerInfo      serverInfo     `json:"serverInfo"`
		Capabilities    map[string]any `json:"capabilities"`
	}

	serverInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	callParams struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
)

// dispatch processes one frame: parse, structural check, throttle, gate, and
// route. Every error response's data carries the taxonomy code and the
// correlation id resolved for this request.
func (s *Server) dispatch(ctx context.Context, c *conn, raw []byte) {
	f, parseErr := decodeFrame(raw)
	corr := s.correlationID(c, f.params)

	switch {
	case errors.Is(parseErr, errMalformed):
		s.replyError(c, nil, errs.JSONRPCParseError, "Parse error",
			errs.InvalidArgument, parseErr.Error(), corr)
		return
	case parseErr != nil:
		s.replyError(c, f.id, errs.JSONRPCInvalidRequest, "Invalid Request",
			errs.InvalidArgument, parseErr.Error(), corr)
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		if !f.hasID {
			// Notifications never get a response, throttled or not.
			c.sess.Logger().Warn("notification dropped by rate limit", telemetry.Fields{
				"method": f.method,
			})
			return
		}
		s.replyError(c, f.id, errs.JSONRPCInternalError, "Internal error",
			errs.ResourceExhausted, "request rate limit exceeded", corr)
		return
	}

	if f.method != methodInitialize && f.method != methodInitialized {
		if err := c.sess.RequireRunning(); err != nil {
			s.replyError(c, f.id, errs.JSONRPCNotInitialized, "Not initialized",
				errs.NotInitialized, errs.FromError(err).Message, corr)
			return
		}
	}

	switch f.method {
	case methodInitialize:
		s.handleInitialize(c, f, corr)
	case methodInitialized:
		s.handleInitialized(c, f)
	case "tools/list":
		s.reply(c, f.id, map[string]any{"tools": s.reg.List()})
	case "tools/call":
		s.handleToolsCall(ctx, c, f, corr)
	case "admin/registerTool":
		s.handleAdminRegister(c, f, corr)
	case "admin/unregisterTool":
		s.handleAdminUnregister(c, f, corr)
	default:
		s.replyError(c, f.id, errs.JSONRPCMethodNotFound, "Method not found",
			errs.NotFound, "method "+f.method+" is not supported", corr)
	}
}

// errMalformed marks frames that are not valid JSON at all, as opposed to
// valid JSON with the wrong JSON-RPC shape.
var errMalformed = errors.New("malformed JSON frame")

// decodeFrame parses the raw line and applies the structural checks: the
// frame is an object, jsonrpc is "2.0", method is a string, and id is present
// exactly when the method expects a response. The partially decoded frame is
// returned alongside the error so the caller can echo the id when it has one.
func decodeFrame(raw []byte) (frame, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return frame{}, errors.New("request frame is not a JSON object")
		}
		return frame{}, errMalformed
	}

	var f frame
	if idRaw, ok := probe["id"]; ok && string(idRaw) != "null" {
		if err := json.Unmarshal(idRaw, &f.id); err != nil {
			return f, errMalformed
		}
		switch f.id.(type) {
		case string, float64:
		default:
			f.id = nil
			return f, errors.New("id must be a string or a number")
		}
		f.hasID = true
	}
	f.params = probe["params"]

	if err := json.Unmarshal(probe["jsonrpc"], &f.jsonrpc); err != nil || f.jsonrpc != "2.0" {
		return f, errors.New(`jsonrpc must be the string "2.0"`)
	}
	if err := json.Unmarshal(probe["method"], &f.method); err != nil || f.method == "" {
		f.method = ""
		return f, errors.New("method must be a non-empty string")
	}

	// initialized is the only notification; every other method produces a
	// response and therefore requires an id.
	if f.method == methodInitialized && f.hasID {
		return f, errors.New("initialized is a notification and must not carry an id")
	}
	if f.method != methodInitialized && !f.hasID {
		return f, errors.New("requests require an id")
	}
	return f, nil
}

// correlationID resolves the id attached to error data: the request's
// _meta.correlationId when present, the connection's otherwise.
func (s *Server) correlationID(c *conn, params json.RawMessage) string {
	if len(params) > 0 {
		var m paramsMeta
		if err := json.Unmarshal(params, &m); err == nil && m.Meta.CorrelationID != "" {
			return m.Meta.CorrelationID
		}
	}
	return c.sess.CorrelationID()
}

func (s *Server) handleInitialize(c *conn, f frame, corr string) {
	if err := c.sess.Initialize(); err != nil {
		s.replyError(c, f.id, errs.JSONRPCNotInitialized, "Not initialized",
			errs.NotInitialized, errs.FromError(err).Message, corr)
		return
	}
	s.reply(c, f.id, initializeResult{
		ProtocolVersion: s.cfg.Server.ProtocolVersion,
		ServerInfo:      serverInfo{Name: s.cfg.Server.Name, Version: s.cfg.Server.Version},
		Capabilities:    map[string]any{"tools": map[string]any{}},
	})
}

func (s *Server) handleInitialized(c *conn, f frame) {
	// Notifications never get a response; a bad transition is only logged.
	if err := c.sess.Initialized(); err != nil {
		c.sess.Logger().Warn("initialized notification rejected", telemetry.Fields{
			"error": err.Error(),
		})
	}
}

func (s *Server) handleToolsCall(ctx context.Context, c *conn, f frame, corr string) {
	var params callParams
	if len(f.params) > 0 {
		if err := json.Unmarshal(f.params, &params); err != nil {
			s.replyError(c, f.id, errs.JSONRPCInvalidParams, "Invalid params",
				errs.InvalidArgument, "params must be an object with a name", corr)
			return
		}
	}

	// Absent and null arguments mean {}; any other non-object shape is an
	// invalid-params error and the handler is never invoked.
	var args map[string]any
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.replyError(c, f.id, errs.JSONRPCInvalidParams, "Invalid params",
				errs.InvalidArgument, "arguments must be an object", corr)
			return
		}
	}

	call := executor.Call{
		Name:          params.Name,
		Args:          args,
		CorrelationID: requestCorrelationID(f.params),
		Transport:     string(c.sess.Transport()),
	}

	// The dispatch loop stays free while the invocation runs; the drain at
	// close waits on this group.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		inv, err := s.exec.Execute(ctx, call)
		if err != nil {
			// The executor only errors for an unknown tool name.
			s.replyError(c, f.id, errs.JSONRPCMethodNotFound, "Method not found",
				errs.NotFound, errs.FromError(err).Message, corr)
			return
		}
		s.reply(c, f.id, inv.Result)
		// Hold the drain until the handler settles, not merely until the
		// response is delivered.
		<-inv.Settled
	}()
}

// requestCorrelationID returns the request-supplied correlation id, or empty
// when the request carried none, in which case the executor mints one.
func requestCorrelationID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var m paramsMeta
	if err := json.Unmarshal(params, &m); err != nil {
		return ""
	}
	return m.Meta.CorrelationID
}

// errorCodeMapping translates a taxonomy code into the JSON-RPC code and
// canonical message used on admin and routing failures.
func errorCodeMapping(code errs.Code) (int, string) {
	switch code {
	case errs.InvalidArgument:
		return errs.JSONRPCInvalidParams, "Invalid params"
	case errs.NotFound:
		return errs.JSONRPCMethodNotFound, "Method not found"
	case errs.NotInitialized:
		return errs.JSONRPCNotInitialized, "Not initialized"
	case errs.Unauthorized:
		return errs.JSONRPCUnauthorized, "Unauthorized"
	default:
		return errs.JSONRPCInternalError, "Internal error"
	}
}
