// Package browser owns the Chrome instance and the single page the assistant
// lives in. It adapts that page to the executor and snapshot interfaces and
// mirrors the interaction gate into it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kairu-assistant/internal/config"
)

// ErrNotConnected is returned when no browser is attached.
var ErrNotConnected = errors.New("browser not connected")

// ErrNoPage is returned when no page has been opened yet.
var ErrNoPage = errors.New("no page open")

// Session describes the page the assistant is attached to.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Manager owns the Chrome connection and the active page.
type Manager struct {
	cfg         config.BrowserConfig
	containerID string
	log         *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	meta       Session
	driver     *Driver
	onOpen     []func(context.Context, *Driver)
}

func NewManager(cfg config.BrowserConfig, containerID string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, containerID: containerID, log: log.Named("browser")}
}

// OnOpen registers fn to run whenever a new page becomes active. The session
// uses it to install the gate and mount the container.
func (m *Manager) OnOpen(fn func(context.Context, *Driver)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = append(m.onOpen, fn)
}

// Start connects to an existing Chrome or launches a new one using rod's
// launcher.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.driver = nil
		m.meta = Session{}
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		l := m.launcher()
		url, err := l.Launch()
		if err != nil {
			// Fallback: let rod pick the binary, port and defaults.
			alt, altErr := launcher.New().Headless(m.cfg.IsHeadless()).Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			url = alt
		}
		controlURL = url
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	m.browser = b
	m.controlURL = controlURL
	m.log.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (m *Manager) launcher() *launcher.Launcher {
	l := launcher.New().Headless(m.cfg.IsHeadless())
	if bin := resolveBinary(m.cfg.Launch[0]); bin != "" {
		l = l.Bin(bin)
	}
	for _, raw := range m.cfg.Launch[1:] {
		name, val, hasVal := parseFlag(raw)
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// resolveBinary returns the launch binary, or "" to let rod find one.
func resolveBinary(bin string) string {
	if bin == "" || bin == "auto" {
		return ""
	}
	if path, err := exec.LookPath(bin); err == nil {
		return path
	}
	if path, ok := launcher.LookPath(); ok {
		return path
	}
	return ""
}

func parseFlag(raw string) (name, val string, hasVal bool) {
	return strings.Cut(strings.TrimLeft(raw, "-"), "=")
}

func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Open replaces the active page with a new one loading url.
func (m *Manager) Open(ctx context.Context, url string) (*Session, error) {
	m.mu.Lock()
	b := m.browser
	prev := m.driver
	hooks := append([]func(context.Context, *Driver){}, m.onOpen...)
	m.mu.Unlock()
	if b == nil {
		return nil, ErrNotConnected
	}
	if url == "" {
		url = "about:blank"
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}); err != nil {
		m.log.Warn("failed to set viewport", zap.Error(err))
	}

	d := newDriver(page, m.containerID, m.cfg.NavigationTimeout(), m.log.Named("driver"))
	// Hooks register new-document scripts, so they run before the real load.
	for _, fn := range hooks {
		fn(ctx, d)
	}
	if err := d.Navigate(ctx, url); err != nil {
		m.log.Warn("initial navigation failed", zap.String("url", url), zap.Error(err))
	}

	now := time.Now()
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     "active",
		CreatedAt:  now,
		LastActive: now,
	}
	if info, err := page.Info(); err == nil {
		meta.URL, meta.Title = info.URL, info.Title
	}

	m.mu.Lock()
	m.driver = d
	m.meta = meta
	m.mu.Unlock()

	if prev != nil {
		if err := prev.page.Close(); err != nil {
			m.log.Debug("closing previous page failed", zap.Error(err))
		}
	}
	m.log.Info("page opened", zap.String("session", meta.ID), zap.String("url", meta.URL))
	return &meta, nil
}

// Current returns the active page driver.
func (m *Manager) Current() (*Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.browser == nil {
		return nil, ErrNotConnected
	}
	if m.driver == nil {
		return nil, ErrNoPage
	}
	return m.driver, nil
}

// Session returns metadata for the active page, refreshed from the browser
// when possible.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driver == nil {
		return Session{}, false
	}
	if info, err := m.driver.page.Info(); err == nil {
		m.meta.URL, m.meta.Title = info.URL, info.Title
		m.meta.LastActive = time.Now()
	}
	return m.meta, true
}

// Shutdown closes the active page and the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.driver != nil {
		_ = m.driver.page.Close()
		m.driver = nil
	}
	m.meta = Session{}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.log.Info("browser shutdown complete")
	return err
}
