// Package tools holds the built-in tool definitions served out of the box:
// echo, health, and the agent coordinator façade. Each constructor returns a
// definition/handler pair ready for registration.
package tools

import (
	"context"

	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/toolregistry"
)

// EchoName is the registered name of the echo tool.
const EchoName = "echo"

// Echo returns the echo tool, which reflects its message argument back to the
// caller. It exists for connectivity checks and pipeline exercises.
func Echo() (toolregistry.Definition, toolregistry.Handler) {
	def := toolregistry.Definition{
		Name:        EchoName,
		Description: "Returns the provided message unchanged.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
	}
	handler := func(_ context.Context, call *toolregistry.CallContext, args map[string]any) (*errs.ToolResult, error) {
		message, _ := args["message"].(string)
		return errs.ToolJSON(map[string]any{
			"message":       message,
			"correlationId": call.CorrelationID,
		})
	}
	return def, handler
}
