package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"kairu-assistant/internal/assistant"
	"kairu-assistant/internal/bridge"
	"kairu-assistant/internal/browser"
	"kairu-assistant/internal/config"
	"kairu-assistant/internal/mangle"
)

// BrowserControl is the part of the browser manager the tools drive.
type BrowserControl interface {
	Start(ctx context.Context) error
	IsConnected() bool
	ControlURL() string
	Open(ctx context.Context, url string) (*browser.Session, error)
	Session() (browser.Session, bool)
	Shutdown(ctx context.Context) error
}

// Deps are the components exposed as tools. Journal may be nil.
type Deps struct {
	Browser BrowserControl
	Session *assistant.Session
	Bridge  *bridge.Router
	Journal *mangle.Journal
	Log     *zap.Logger
}

// Server wires the MCP runtime to the browser, the assistant session and the
// control bridge.
type Server struct {
	cfg       config.Config
	deps      Deps
	log       *zap.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Session == nil {
		return nil, errors.New("assistant session is required")
	}
	if deps.Bridge == nil {
		return nil, errors.New("control bridge is required")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       log.Named("mcp"),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves over stdio.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("SSE server listening", zap.Int("port", port))

	select {
	case <-ctx.Done():
		s.log.Info("SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly. The CLI subcommands go through here.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists the registered tools.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *Server) registerAllTools() {
	// Browser lifecycle
	if s.deps.Browser != nil {
		s.registerTool(&LaunchBrowserTool{browser: s.deps.Browser, startURL: s.cfg.Browser.StartURL})
		s.registerTool(&OpenPageTool{browser: s.deps.Browser})
		s.registerTool(&ShutdownBrowserTool{browser: s.deps.Browser})
	}

	// Control bridge
	s.registerTool(&ToggleTool{bridge: s.deps.Bridge})
	s.registerTool(&GetAPIKeyTool{bridge: s.deps.Bridge})
	s.registerTool(&SaveAPIKeyTool{bridge: s.deps.Bridge})

	// Assistant session
	s.registerTool(&SubmitTool{session: s.deps.Session})
	s.registerTool(&HistoryTool{session: s.deps.Session})
	s.registerTool(&ClearTool{session: s.deps.Session})
	s.registerTool(&SnapshotTool{session: s.deps.Session})
	s.registerTool(&PositionTool{session: s.deps.Session})
	s.registerTool(&StatusTool{session: s.deps.Session, browser: s.deps.Browser})

	// Plan journal
	s.registerTool(&PlanReportTool{journal: s.deps.Journal})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.log.Warn("tool failed", zap.String("tool", tool.Name()), zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
