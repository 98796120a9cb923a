package errs

import "encoding/json"

// JSON-RPC canonical error codes per spec, plus the MCP-specific
// not-initialized code returned by the initialization gate.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
	JSONRPCNotInitialized = -32002
	// JSONRPCUnauthorized is a server-defined code from the reserved
	// implementation range, used for admin policy denials.
	JSONRPCUnauthorized = -32000
)

type (
	// JSONRPCError is the error member of a JSON-RPC error response.
	JSONRPCError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data,omitempty"`
	}

	// JSONRPCErrorResponse is a complete JSON-RPC 2.0 error response frame.
	JSONRPCErrorResponse struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      any           `json:"id"`
		Error   *JSONRPCError `json:"error"`
	}

	// ErrorData is the structured data object attached to JSON-RPC errors so
	// clients can correlate failures with the diagnostic log stream.
	ErrorData struct {
		Code          Code   `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	}

	// ToolContent is a single content block of a tool result.
	ToolContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	// ToolResult is the MCP tool-call result shape for both success and
	// failure outcomes.
	ToolResult struct {
		Content []ToolContent `json:"content"`
		IsError bool          `json:"isError"`
	}

	// toolErrorBody is the JSON document embedded in the text block of a
	// tool-result error.
	toolErrorBody struct {
		Code          Code           `json:"code"`
		Message       string         `json:"message"`
		Details       map[string]any `json:"details,omitempty"`
		CorrelationID string         `json:"correlationId"`
		RunID         string         `json:"runId,omitempty"`
	}
)

// ToJSONRPCError builds a JSON-RPC 2.0 error response. A nil id serializes
// as null per the JSON-RPC spec.
func ToJSONRPCError(code int, message string, data any, id any) *JSONRPCErrorResponse {
	return &JSONRPCErrorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
}

// ToToolError wraps a structured error into the sole tool-result error shape
// surfaced to callers. The correlation id is always attached; the run id only
// when set.
func ToToolError(err error, correlationID, runID string) *ToolResult {
	se := FromError(err)
	body := toolErrorBody{
		Code:          se.Code,
		Message:       se.Message,
		Details:       se.Details,
		CorrelationID: correlationID,
		RunID:         runID,
	}
	text, merr := json.Marshal(body)
	if merr != nil {
		// Details failed to serialize; fall back to the code and message
		// alone so the caller still receives a well-formed result.
		body.Details = nil
		text, _ = json.Marshal(body)
	}
	return &ToolResult{
		Content: []ToolContent{{Type: "text", Text: string(text)}},
		IsError: true,
	}
}

// ToolText wraps plain text into a successful tool result.
func ToolText(text string) *ToolResult {
	return &ToolResult{
		Content: []ToolContent{{Type: "text", Text: text}},
		IsError: false,
	}
}

// ToolJSON marshals v into a single text content block of a successful tool
// result.
func ToolJSON(v any) (*ToolResult, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, Wrap(Internal, "encoding tool result", err)
	}
	return &ToolResult{
		Content: []ToolContent{{Type: "text", Text: string(text)}},
		IsError: false,
	}, nil
}
