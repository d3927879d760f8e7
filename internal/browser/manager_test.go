package browser

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"kairu-assistant/internal/config"
	"kairu-assistant/internal/executor"
	"kairu-assistant/internal/gate"
	"kairu-assistant/internal/plan"
	"kairu-assistant/internal/snapshot"
)

func boolPtr(b bool) *bool { return &b }

func TestParseFlag(t *testing.T) {
	cases := []struct {
		raw, name, val string
		hasVal         bool
	}{
		{"--headless", "headless", "", false},
		{"--window-size=1280,800", "window-size", "1280,800", true},
		{"no-sandbox", "no-sandbox", "", false},
		{"-lang=ja", "lang", "ja", true},
	}
	for _, c := range cases {
		name, val, hasVal := parseFlag(c.raw)
		if name != c.name || val != c.val || hasVal != c.hasVal {
			t.Errorf("parseFlag(%q) = %q, %q, %v", c.raw, name, val, hasVal)
		}
	}
}

func TestResolveBinaryAuto(t *testing.T) {
	if got := resolveBinary(""); got != "" {
		t.Errorf("empty binary should defer to rod, got %q", got)
	}
	if got := resolveBinary("auto"); got != "" {
		t.Errorf("auto should defer to rod, got %q", got)
	}
}

func TestManagerWithoutBrowser(t *testing.T) {
	m := NewManager(config.BrowserConfig{}, "kairu-ai-container", nil)
	if m.IsConnected() {
		t.Fatal("new manager should not be connected")
	}
	if _, err := m.Current(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := m.Open(context.Background(), "about:blank"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from Open, got %v", err)
	}
	if _, ok := m.Session(); ok {
		t.Error("expected no session")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown without browser should be a no-op: %v", err)
	}
}

func TestStartRequiresTarget(t *testing.T) {
	m := NewManager(config.BrowserConfig{}, "kairu-ai-container", nil)
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error without debugger_url or launch")
	}
}

const livePage = `<html><head><title>Live fixture</title></head><body>
<input id="q" name="q">
<button id="go" onclick="document.title='clicked:'+document.getElementById('q').value">Search now</button>
<a href="#hidden" style="display:none">Hidden link</a>
</body></html>`

// TestLiveDriver drives a real Chrome. Set KAIRU_LIVE_TESTS=1 to run it.
func TestLiveDriver(t *testing.T) {
	if os.Getenv("KAIRU_LIVE_TESTS") == "" {
		t.Skip("set KAIRU_LIVE_TESTS=1 to run live browser tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := config.DefaultConfig().Browser
	cfg.Headless = boolPtr(true)
	m := NewManager(cfg, "kairu-ai-container", nil)
	if err := m.Start(ctx); err != nil {
		t.Skipf("browser start failed (Chrome not available): %v", err)
	}
	defer func() { _ = m.Shutdown(context.Background()) }()

	g := gate.New()
	m.OnOpen(func(ctx context.Context, d *Driver) {
		if err := d.SyncGate(ctx, g.State()); err != nil {
			t.Errorf("SyncGate failed: %v", err)
		}
		g.Subscribe(func(st gate.State) { _ = d.SyncGate(context.Background(), st) })
	})

	if _, err := m.Open(ctx, "data:text/html,"+url.PathEscape(livePage)); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	d, err := m.Current()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Render(ctx, View{Enabled: true, ChatHTML: `<div class="chat-message user">hi</div>`}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	ex := snapshot.NewExtractor(nil, "kairu-ai-container", snapshot.DefaultLimits())
	elems := ex.ExtractElements(ctx, d)
	if !strings.Contains(elems, `<input name="q" id="q">`) || !strings.Contains(elems, `"Search now"`) {
		t.Errorf("unexpected element inventory:\n%s", elems)
	}
	if strings.Contains(elems, "Hidden link") {
		t.Errorf("hidden link leaked into inventory:\n%s", elems)
	}
	if html := ex.ExtractHTML(ctx, d); strings.Contains(html, "kairu-chat-history") {
		t.Errorf("assistant container leaked into markup: %s", html)
	}

	g.SetEnabled(true)
	opts := executor.DefaultOptions()
	opts.Pacing = 0
	run := executor.New(d, g, opts, nil)
	res := run.RunPlan(ctx, []plan.Action{
		plan.Type{Selector: "#q", Value: "kairu"},
		plan.Click{Text: "Search"},
	}, nil)
	if res.Failed != 0 {
		t.Fatalf("plan failed: %+v", res.Outcomes)
	}
	title, err := d.Title(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if title != "clicked:kairu" {
		t.Errorf("expected click handler to run, title %q", title)
	}
}
