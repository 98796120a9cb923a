package tools

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/parley-dev/parley/aacp/envelope"
	"github.com/parley-dev/parley/runtime/coordinator"
	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/resources"
	"github.com/parley-dev/parley/runtime/telemetry"
	"github.com/parley-dev/parley/runtime/toolregistry"
)

// Registered names of the agent façade tools.
const (
	AgentSendMessageName = "agent/sendMessage"
	AgentListName        = "agent/list"
	AgentGetStateName    = "agent/getState"
)

// AgentOptions configures the agent façade tools.
type AgentOptions struct {
	Coordinator *coordinator.Coordinator
	Resources   *resources.Manager
	// Logger supplies the redaction deny-list applied to agent state before
	// it leaves the process.
	Logger *telemetry.Logger
	// MaxStateBytes caps the serialized agent/getState response.
	MaxStateBytes int
}

// AgentSendMessage returns the tool that delivers a message to a registered
// agent and relays the handler result.
func AgentSendMessage(opts AgentOptions) (toolregistry.Definition, toolregistry.Handler) {
	def := toolregistry.Definition{
		Name:        AgentSendMessageName,
		Description: "Delivers a message to a registered agent and returns its handler result.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"targetAgentId": map[string]any{"type": "string", "minLength": 1},
				"message": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":    map[string]any{"type": "string"},
						"payload": map[string]any{},
					},
					"required": []any{"type"},
				},
			},
			"required": []any{"targetAgentId", "message"},
		},
	}
	handler := func(ctx context.Context, _ *toolregistry.CallContext, args map[string]any) (*errs.ToolResult, error) {
		targetID, _ := args["targetAgentId"].(string)
		message, _ := args["message"].(map[string]any)

		typeName, _ := message["type"].(string)
		msgType := envelope.MessageType(typeName)
		if !msgType.Valid() {
			return nil, errs.Newf(errs.InvalidArgument, "unknown message type %q", typeName)
		}
		if err := opts.Resources.ValidatePayloadSize(message); err != nil {
			return nil, err
		}

		var payload json.RawMessage
		if raw, ok := message["payload"]; ok {
			enc, err := json.Marshal(raw)
			if err != nil {
				return nil, errs.Wrap(errs.InvalidArgument, "message payload is not serializable", err)
			}
			payload = enc
		}

		result, err := opts.Coordinator.SendMessage(ctx, targetID, coordinator.Message{
			Type:    msgType,
			Payload: payload,
		})
		if err != nil {
			// Taxonomy codes pass through; anything uncategorized is INTERNAL.
			return nil, errs.FromError(err)
		}
		return errs.ToolJSON(map[string]any{
			"targetAgentId": targetID,
			"delivered":     true,
			"result":        result,
		})
	}
	return def, handler
}

// AgentList returns the tool that lists registered agent ids. When the full
// response exceeds the payload limit, the largest fitting prefix of the
// sorted id list is returned with truncated set.
func AgentList(opts AgentOptions) (toolregistry.Definition, toolregistry.Handler) {
	def := toolregistry.Definition{
		Name:        AgentListName,
		Description: "Lists registered agent ids in sorted order.",
		InputSchema: map[string]any{"type": "object"},
	}
	handler := func(_ context.Context, _ *toolregistry.CallContext, _ map[string]any) (*errs.ToolResult, error) {
		ids := opts.Coordinator.ListAgents()
		limit := opts.Resources.MaxPayloadBytes()

		response := func(n int, truncated bool) map[string]any {
			return map[string]any{"agentIds": ids[:n], "truncated": truncated}
		}
		if fits, err := fitsWithin(response(len(ids), false), limit); err != nil {
			return nil, err
		} else if fits {
			return errs.ToolJSON(response(len(ids), false))
		}

		n, err := largestFit(len(ids), func(n int) (bool, error) {
			return fitsWithin(response(n, true), limit)
		})
		if err != nil {
			return nil, err
		}
		return errs.ToolJSON(response(n, true))
	}
	return def, handler
}

// AgentGetState returns the tool that reads an agent's state. Redaction is
// applied before any size accounting. Responses degrade in order: full state,
// keys only, then the largest fitting prefix of the sorted key list.
func AgentGetState(opts AgentOptions) (toolregistry.Definition, toolregistry.Handler) {
	def := toolregistry.Definition{
		Name:        AgentGetStateName,
		Description: "Reads a registered agent's state, degrading to keys when over the size cap.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agentId": map[string]any{"type": "string", "minLength": 1},
			},
			"required": []any{"agentId"},
		},
	}
	handler := func(_ context.Context, _ *toolregistry.CallContext, args map[string]any) (*errs.ToolResult, error) {
		agentID, _ := args["agentId"].(string)
		state, ok := opts.Coordinator.GetAgentState(agentID)
		if !ok {
			return nil, errs.Newf(errs.NotFound, "agent %q is not registered", agentID)
		}

		redacted, _ := opts.Logger.RedactValue(map[string]any(state)).(map[string]any)

		full := map[string]any{
			"agentId": agentID, "state": redacted,
			"truncated": false, "keysOnly": false,
		}
		if fits, err := fitsWithin(full, opts.MaxStateBytes); err != nil {
			return nil, err
		} else if fits {
			return errs.ToolJSON(full)
		}

		keys := make([]string, 0, len(redacted))
		for k := range redacted {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		keyed := func(n int) map[string]any {
			return map[string]any{
				"agentId": agentID, "keys": keys[:n],
				"truncated": true, "keysOnly": true,
			}
		}
		if fits, err := fitsWithin(keyed(len(keys)), opts.MaxStateBytes); err != nil {
			return nil, err
		} else if fits {
			return errs.ToolJSON(keyed(len(keys)))
		}

		n, err := largestFit(len(keys), func(n int) (bool, error) {
			return fitsWithin(keyed(n), opts.MaxStateBytes)
		})
		if err != nil {
			return nil, err
		}
		return errs.ToolJSON(keyed(n))
	}
	return def, handler
}

// fitsWithin reports whether v serializes to at most limit bytes.
func fitsWithin(v any, limit int) (bool, error) {
	n, err := resources.SerializedSize(v)
	if err != nil {
		return false, errs.Wrap(errs.Internal, "response is not serializable", err)
	}
	return n <= limit, nil
}

// largestFit binary-searches the largest n in [0, max] for which fits holds.
// fits must be monotone in n.
func largestFit(max int, fits func(int) (bool, error)) (int, error) {
	lo, hi := 0, max
	for lo < hi {
		mid := (lo + hi + 1) / 2
		ok, err := fits(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}
