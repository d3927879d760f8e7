package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"kairu-assistant/internal/assistant"
	"kairu-assistant/internal/bridge"
	"kairu-assistant/internal/browser"
	"kairu-assistant/internal/config"
	"kairu-assistant/internal/conversation"
	"kairu-assistant/internal/executor"
	"kairu-assistant/internal/gate"
	"kairu-assistant/internal/mangle"
	"kairu-assistant/internal/snapshot"
	"kairu-assistant/internal/storage"
)

type fakeBrowser struct {
	connected bool
	startErr  error
	opened    []string
	stopped   bool
}

func (b *fakeBrowser) Start(context.Context) error {
	if b.startErr != nil {
		return b.startErr
	}
	b.connected = true
	return nil
}

func (b *fakeBrowser) IsConnected() bool { return b.connected }

func (b *fakeBrowser) ControlURL() string {
	if !b.connected {
		return ""
	}
	return "ws://127.0.0.1:9222/devtools/browser/test"
}

func (b *fakeBrowser) Open(_ context.Context, url string) (*browser.Session, error) {
	if !b.connected {
		return nil, browser.ErrNotConnected
	}
	b.opened = append(b.opened, url)
	return &browser.Session{ID: "s1", URL: url, Title: "Shop"}, nil
}

func (b *fakeBrowser) Session() (browser.Session, bool) {
	if len(b.opened) == 0 {
		return browser.Session{}, false
	}
	return browser.Session{ID: "s1", URL: b.opened[len(b.opened)-1]}, true
}

func (b *fakeBrowser) Shutdown(context.Context) error {
	b.connected = false
	b.stopped = true
	return nil
}

type stubElement struct {
	page *stubPage
	id   string
	text string
}

func (e *stubElement) Click(context.Context) error {
	e.page.clicked = append(e.page.clicked, e.id)
	return nil
}
func (e *stubElement) SetValue(context.Context, string) error { return nil }
func (e *stubElement) Text(context.Context) (string, error)   { return e.text, nil }

type stubPage struct {
	clicked []string
	enabled []bool
}

func (p *stubPage) Query(_ context.Context, selector string) (executor.Element, error) {
	if selector == "#buy" {
		return &stubElement{page: p, id: "#buy", text: "Buy"}, nil
	}
	return nil, nil
}
func (p *stubPage) Clickables(context.Context) ([]executor.Element, error) {
	return []executor.Element{&stubElement{page: p, id: "#buy", text: "Buy"}}, nil
}
func (p *stubPage) Navigate(context.Context, string) error             { return nil }
func (p *stubPage) ScrollBy(context.Context, float64) (float64, error) { return 0, nil }
func (p *stubPage) Back(context.Context) error                         { return nil }
func (p *stubPage) Forward(context.Context) error                      { return nil }
func (p *stubPage) Title(context.Context) (string, error)              { return "Shop", nil }
func (p *stubPage) URL(context.Context) (string, error)                { return "https://shop.example/", nil }
func (p *stubPage) BodyText(context.Context) (string, error)           { return "Buy now", nil }
func (p *stubPage) Render(context.Context, browser.View) error         { return nil }
func (p *stubPage) BodyHTML(context.Context) (string, error) {
	return `<button id="buy">Buy</button>`, nil
}
func (p *stubPage) Elements(context.Context) ([]snapshot.ElementInfo, error) {
	return []snapshot.ElementInfo{{Category: snapshot.CategoryClickable, Tag: "button", ID: "buy", Text: "Buy", Visible: true}}, nil
}
func (p *stubPage) SyncGate(_ context.Context, st gate.State) error {
	p.enabled = append(p.enabled, st.Enabled)
	return nil
}

type replyPlanner string

func (r replyPlanner) Plan(context.Context, string, string, []conversation.Turn, snapshot.Snapshot) (string, error) {
	return string(r), nil
}

type testEnv struct {
	server  *Server
	browser *fakeBrowser
	page    *stubPage
	store   *storage.Store
	journal *mangle.Journal
}

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server = config.ServerConfig{Name: "test-server", Version: "1.0.0"}
	cfg.Assistant.ActionDelay = "1ms"
	cfg.Assistant.WindowCooldown = "1ms"
	return cfg
}

func newTestEnv(t *testing.T, reply string) *testEnv {
	t.Helper()
	cfg := setupTestServerConfig()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	journal, err := mangle.NewJournal(cfg.Journal, nil)
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	page := &stubPage{}
	router := bridge.NewRouter(store, nil, nil)
	session := assistant.New(assistant.OptionsFromConfig(cfg), assistant.Deps{
		Store:   store,
		Pages:   func() (assistant.Page, error) { return page, nil },
		Keys:    router,
		Planner: replyPlanner(reply),
		Journal: journal,
	})
	router.SetToggler(session)

	fb := &fakeBrowser{}
	server, err := NewServer(cfg, Deps{Browser: fb, Session: session, Bridge: router, Journal: journal})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return &testEnv{server: server, browser: fb, page: page, store: store, journal: journal}
}

func TestNewServer(t *testing.T) {
	t.Run("creates server successfully", func(t *testing.T) {
		env := newTestEnv(t, "{}")
		if env.server.tools == nil || len(env.server.tools) == 0 {
			t.Fatal("expected tools to be registered")
		}
	})

	t.Run("requires session and bridge", func(t *testing.T) {
		if _, err := NewServer(setupTestServerConfig(), Deps{}); err == nil {
			t.Error("expected error without session")
		}
	})
}

func TestToolCount(t *testing.T) {
	env := newTestEnv(t, "{}")
	want := []string{
		"kairu-clear", "kairu-get-api-key", "kairu-history", "kairu-plan-report",
		"kairu-position", "kairu-save-api-key", "kairu-snapshot", "kairu-status",
		"kairu-submit", "kairu-toggle", "launch-browser", "open-page", "shutdown-browser",
	}
	got := env.server.ToolNames()
	sort.Strings(got)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("registered tools = %v, want %v", got, want)
	}
}

func TestToolInterface(t *testing.T) {
	env := newTestEnv(t, "{}")

	t.Run("all tools have valid names", func(t *testing.T) {
		for name, tool := range env.server.tools {
			if tool.Name() != name {
				t.Errorf("tool registered as %q but Name() returns %q", name, tool.Name())
			}
		}
	})

	t.Run("all tools have descriptions", func(t *testing.T) {
		for name, tool := range env.server.tools {
			if tool.Description() == "" {
				t.Errorf("tool %q has empty description", name)
			}
		}
	})

	t.Run("all tools have valid schemas", func(t *testing.T) {
		for name, tool := range env.server.tools {
			schema := tool.InputSchema()
			if schema["type"] != "object" {
				t.Errorf("tool %q schema type is not 'object': %v", name, schema["type"])
			}
			if _, err := json.Marshal(schema); err != nil {
				t.Errorf("tool %q schema does not marshal: %v", name, err)
			}
		}
	})
}

func TestExecuteTool(t *testing.T) {
	env := newTestEnv(t, "{}")

	t.Run("execute existing tool", func(t *testing.T) {
		result, err := env.server.ExecuteTool(context.Background(), "kairu-status", nil)
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if result == nil {
			t.Error("expected non-nil result")
		}
	})

	t.Run("execute non-existent tool", func(t *testing.T) {
		if _, err := env.server.ExecuteTool(context.Background(), "non-existent-tool", nil); err == nil {
			t.Error("expected error for non-existent tool")
		}
	})
}

func callTool(t *testing.T, s *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := s.wrapTool(s.tools[name])(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestWrapTool(t *testing.T) {
	env := newTestEnv(t, "{}")

	t.Run("success is JSON", func(t *testing.T) {
		res := callTool(t, env.server, "kairu-save-api-key", map[string]interface{}{"api_key": "sk-123456789"})
		if res.IsError {
			t.Fatalf("unexpected error result: %s", resultText(t, res))
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(resultText(t, res)), &payload); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		if payload["success"] != true {
			t.Errorf("expected success, got %v", payload)
		}
	})

	t.Run("errors become error results", func(t *testing.T) {
		res := callTool(t, env.server, "kairu-save-api-key", map[string]interface{}{"api_key": " "})
		if !res.IsError {
			t.Fatal("expected error result")
		}
		if !strings.Contains(resultText(t, res), "tool kairu-save-api-key failed: api key is empty") {
			t.Errorf("unexpected message: %s", resultText(t, res))
		}
	})

	t.Run("nil arguments", func(t *testing.T) {
		res := callTool(t, env.server, "kairu-status", nil)
		if res.IsError {
			t.Fatalf("unexpected error result: %s", resultText(t, res))
		}
	})
}

func TestMarshalToolPayload(t *testing.T) {
	if got := string(marshalToolPayload("ok", map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("unexpected payload %s", got)
	}
	got := string(marshalToolPayload("bad", math.Inf(1)))
	if !strings.Contains(got, `"success":false`) || !strings.Contains(got, "tool bad returned non-serializable payload") {
		t.Errorf("unexpected fallback payload %s", got)
	}
}

func TestBrowserTools(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "{}")

	t.Run("launch is idempotent", func(t *testing.T) {
		first, err := env.server.ExecuteTool(ctx, "launch-browser", nil)
		if err != nil {
			t.Fatalf("launch failed: %v", err)
		}
		if first.(map[string]interface{})["status"] != "started" {
			t.Errorf("unexpected result %v", first)
		}
		second, err := env.server.ExecuteTool(ctx, "launch-browser", nil)
		if err != nil {
			t.Fatalf("second launch failed: %v", err)
		}
		if second.(map[string]interface{})["status"] != "already_connected" {
			t.Errorf("unexpected result %v", second)
		}
	})

	t.Run("open-page requires url", func(t *testing.T) {
		if _, err := env.server.ExecuteTool(ctx, "open-page", nil); err == nil {
			t.Error("expected error without url")
		}
	})

	t.Run("open-page", func(t *testing.T) {
		result, err := env.server.ExecuteTool(ctx, "open-page", map[string]interface{}{"url": "https://shop.example/"})
		if err != nil {
			t.Fatalf("open-page failed: %v", err)
		}
		sess := result.(map[string]interface{})["session"].(*browser.Session)
		if sess.URL != "https://shop.example/" {
			t.Errorf("unexpected session %+v", sess)
		}
	})

	t.Run("shutdown", func(t *testing.T) {
		if _, err := env.server.ExecuteTool(ctx, "shutdown-browser", nil); err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
		if !env.browser.stopped || env.browser.IsConnected() {
			t.Error("expected browser to be stopped")
		}
	})

	t.Run("launch error surfaces", func(t *testing.T) {
		env.browser.startErr = errors.New("chrome not found")
		if _, err := env.server.ExecuteTool(ctx, "launch-browser", nil); err == nil {
			t.Error("expected launch error")
		}
	})
}

func TestStartSSEStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, "{}")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.StartSSE(ctx, 0) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SSE server did not stop")
	}
}
