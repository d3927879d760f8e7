package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"kairu-assistant/internal/mangle"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"kairu://about",
			"Kairu About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and enabled assistant features."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"kairu://chat",
			"Chat Transcript",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("The visible chat transcript, oldest first."),
		),
		s.handleChatResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"kairu://turn/{turnId}/outcomes",
			"Turn Outcomes",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Action outcomes recorded in the plan journal for one submit turn."),
		),
		s.handleTurnOutcomesResource,
	)
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	st := s.deps.Session.Status()
	return jsonContents(request.Params.URI, map[string]interface{}{
		"name":         s.cfg.Server.Name,
		"version":      s.cfg.Server.Version,
		"actions":      st.Actions,
		"drag_enabled": st.DragEnabled,
		"scroll_lock":  st.ScrollLock,
		"journal":      s.deps.Journal.Enabled(),
		"notes": []string{
			"Call launch-browser, then open-page, then kairu-toggle and kairu-submit.",
			"Resources are read-only; use tools for actions.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

func (s *Server) handleChatResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, map[string]interface{}{
		"messages": s.deps.Session.Chat(),
	})
}

func (s *Server) handleTurnOutcomesResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if !s.deps.Journal.Enabled() {
		return nil, mangle.ErrDisabled
	}
	turnID := argString(request.Params.Arguments["turnId"])
	if turnID == "" {
		return nil, fmt.Errorf("missing turnId")
	}
	facts, err := s.deps.Journal.Evaluate(ctx, mangle.PredOutcome)
	if err != nil {
		return nil, err
	}
	out := make([]mangle.Fact, 0)
	for _, f := range facts {
		if len(f.Args) > 0 && fmt.Sprintf("%v", f.Args[0]) == turnID {
			out = append(out, f)
		}
	}
	return jsonContents(request.Params.URI, map[string]interface{}{
		"turn_id":  turnID,
		"count":    len(out),
		"outcomes": out,
	})
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}
