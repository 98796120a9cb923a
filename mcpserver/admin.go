package mcpserver

import (
	"encoding/json"

	"github.com/parley-dev/parley/config"
	"github.com/parley-dev/parley/mcpserver/tools"
	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/session"
	"github.com/parley-dev/parley/runtime/telemetry"
	"github.com/parley-dev/parley/runtime/toolregistry"
)

// Tool types accepted by admin/registerTool. Each names a built-in factory;
// arbitrary handler code cannot be injected over the wire.
const (
	toolTypeEcho       = "echo"
	toolTypeHealth     = "health"
	toolTypeAgentProxy = "agentProxy"
)

type (
	registerParams struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		ToolType    string         `json:"toolType"`
		Version     string         `json:"version"`
		InputSchema map[string]any `json:"inputSchema"`
	}

	unregisterParams struct {
		Name string `json:"name"`
	}
)

// adminAllowed enforces the two-switch conjunction and the policy mode.
// Every denial is an UNAUTHORIZED error.
func (s *Server) adminAllowed(transport session.Transport) error {
	if !s.cfg.Tools.AdminRegistrationEnabled || !s.cfg.Security.DynamicRegistrationEnabled {
		return errs.New(errs.Unauthorized, "dynamic tool registration is disabled")
	}
	switch s.cfg.Tools.AdminPolicy.Mode {
	case config.AdminLocalStdioOnly:
		if transport != session.TransportStdio {
			return errs.Newf(errs.Unauthorized,
				"admin methods require the stdio transport, connection is %s", transport)
		}
		return nil
	case config.AdminToken:
		return errs.New(errs.Unauthorized, "token admin policy is not supported")
	default:
		return errs.New(errs.Unauthorized, "admin policy denies registration")
	}
}

func (s *Server) handleAdminRegister(c *conn, f frame, corr string) {
	if err := s.adminAllowed(c.sess.Transport()); err != nil {
		s.replyAdminError(c, f, corr, err)
		return
	}

	var params registerParams
	if len(f.params) == 0 || json.Unmarshal(f.params, &params) != nil {
		s.replyError(c, f.id, errs.JSONRPCInvalidParams, "Invalid params",
			errs.InvalidArgument, "params must be an object naming the tool", corr)
		return
	}

	def, handler, err := s.buildTool(params)
	if err != nil {
		s.replyAdminError(c, f, corr, err)
		return
	}
	if err := s.reg.Register(def, handler); err != nil {
		s.replyAdminError(c, f, corr, err)
		return
	}

	c.sess.Logger().Info("tool registered dynamically", telemetry.Fields{
		"tool":     def.Name,
		"toolType": params.ToolType,
	})
	s.reply(c, f.id, map[string]any{"success": true, "toolName": def.Name})
}

func (s *Server) handleAdminUnregister(c *conn, f frame, corr string) {
	if err := s.adminAllowed(c.sess.Transport()); err != nil {
		s.replyAdminError(c, f, corr, err)
		return
	}

	var params unregisterParams
	if len(f.params) == 0 || json.Unmarshal(f.params, &params) != nil || params.Name == "" {
		s.replyError(c, f.id, errs.JSONRPCInvalidParams, "Invalid params",
			errs.InvalidArgument, "params must be an object naming the tool", corr)
		return
	}

	found := s.reg.Unregister(params.Name)
	if found {
		c.sess.Logger().Info("tool unregistered", telemetry.Fields{"tool": params.Name})
	}
	s.reply(c, f.id, map[string]any{
		"success":  true,
		"found":    found,
		"toolName": params.Name,
	})
}

// buildTool instantiates the named built-in factory and applies the caller's
// overrides. The agentProxy type surfaces coordinator delivery under the
// registered name.
func (s *Server) buildTool(params registerParams) (toolregistry.Definition, toolregistry.Handler, error) {
	var (
		def     toolregistry.Definition
		handler toolregistry.Handler
	)
	switch params.ToolType {
	case toolTypeEcho:
		def, handler = tools.Echo()
	case toolTypeHealth:
		def, handler = tools.Health(tools.HealthOptions{
			ServerName:     s.cfg.Server.Name,
			ServerVersion:  s.cfg.Server.Version,
			Registry:       s.reg,
			Resources:      s.res,
			DefaultTimeout: s.cfg.DefaultTimeout(),
		})
	case toolTypeAgentProxy:
		def, handler = tools.AgentSendMessage(tools.AgentOptions{
			Coordinator:   s.coord,
			Resources:     s.res,
			Logger:        s.log,
			MaxStateBytes: s.cfg.Tools.MaxStateBytes,
		})
	default:
		return def, nil, errs.Newf(errs.InvalidArgument,
			"unknown toolType %q; expected echo, health, or agentProxy", params.ToolType)
	}

	if params.Name != "" {
		def.Name = params.Name
	}
	if params.Description != "" {
		def.Description = params.Description
	}
	if params.Version != "" {
		def.Version = params.Version
	}
	if params.InputSchema != nil {
		def.InputSchema = params.InputSchema
	}
	def.IsDynamic = true
	return def, handler, nil
}

// replyAdminError maps the taxonomy code to its JSON-RPC exit shape.
func (s *Server) replyAdminError(c *conn, f frame, corr string, err error) {
	se := errs.FromError(err)
	rpcCode, rpcMessage := errorCodeMapping(se.Code)
	s.replyError(c, f.id, rpcCode, rpcMessage, se.Code, se.Message, corr)
}
