package tools

import (
	"context"
	"time"

	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/resources"
	"github.com/parley-dev/parley/runtime/toolregistry"
)

// HealthName is the registered name of the health tool.
const HealthName = "health"

// HealthOptions configures the health projection.
type HealthOptions struct {
	ServerName    string
	ServerVersion string
	Registry      *toolregistry.Registry
	Resources     *resources.Manager
	// DefaultTimeout is the per-invocation deadline reported in the summary.
	DefaultTimeout time.Duration
}

// Health returns the health tool: a pure projection of server identity,
// configuration summary, live telemetry, and the health classification. It
// has no side effects and honors cancellation at entry.
func Health(opts HealthOptions) (toolregistry.Definition, toolregistry.Handler) {
	def := toolregistry.Definition{
		Name:        HealthName,
		Description: "Reports server identity, configuration, telemetry, and health status.",
		InputSchema: map[string]any{"type": "object"},
	}
	handler := func(ctx context.Context, _ *toolregistry.CallContext, _ map[string]any) (*errs.ToolResult, error) {
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Internal, "health check aborted", ctx.Err())
		default:
		}

		telem := opts.Resources.GetTelemetry()
		return errs.ToolJSON(map[string]any{
			"server": map[string]any{
				"name":    opts.ServerName,
				"version": opts.ServerVersion,
			},
			"configuration": map[string]any{
				"defaultTimeoutMs":        opts.DefaultTimeout.Milliseconds(),
				"maxPayloadBytes":         opts.Resources.MaxPayloadBytes(),
				"maxConcurrentExecutions": telem.MaxConcurrentExecutions,
				"registeredTools":         opts.Registry.Len(),
			},
			"telemetry": telem,
			"status":    string(opts.Resources.GetHealthStatus()),
		})
	}
	return def, handler
}
