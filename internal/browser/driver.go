package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"go.uber.org/zap"

	"kairu-assistant/internal/executor"
	"kairu-assistant/internal/gate"
	"kairu-assistant/internal/snapshot"
	"kairu-assistant/internal/storage"
)

// View is the assistant container state rendered into the page.
type View struct {
	Enabled    bool              `json:"enabled"`
	ScrollLock bool              `json:"scrollLock"`
	Position   *storage.Position `json:"position,omitempty"`
	ChatHTML   string            `json:"chat"`
	LogHTML    string            `json:"log"`
	Status     string            `json:"status"`
}

type mountView struct {
	View
	Container string `json:"container"`
}

type gateState struct {
	gate.State
	Container string   `json:"container"`
	Events    []string `json:"events,omitempty"`
}

// Driver adapts one rod page to the executor and snapshot interfaces and
// keeps the in-page gate and container in step with the session.
type Driver struct {
	page        *rod.Page
	containerID string
	navTimeout  time.Duration
	log         *zap.Logger

	mu          sync.Mutex
	view        View
	hasView     bool
	removeGate  func() error
	gateCurrent gate.State
}

var (
	_ executor.Page   = (*Driver)(nil)
	_ snapshot.Source = (*Driver)(nil)
)

func newDriver(page *rod.Page, containerID string, navTimeout time.Duration, log *zap.Logger) *Driver {
	return &Driver{
		page:        page,
		containerID: containerID,
		navTimeout:  navTimeout,
		log:         log,
	}
}

// Page exposes the underlying rod page.
func (d *Driver) Page() *rod.Page { return d.page }

// Query returns the first match of selector, or nil when nothing matches. An
// invalid selector is an error.
func (d *Driver) Query(ctx context.Context, selector string) (executor.Element, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	if els.Empty() {
		return nil, nil
	}
	return &element{el: els.First()}, nil
}

// Clickables lists clickable-role elements outside the assistant container.
func (d *Driver) Clickables(ctx context.Context) ([]executor.Element, error) {
	els, err := d.page.Context(ctx).ElementsByJS(rod.Eval(clickablesScript, d.containerID, snapshot.ClickableSelector))
	if err != nil {
		return nil, fmt.Errorf("list clickables: %w", err)
	}
	out := make([]executor.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &element{el: el})
	}
	return out, nil
}

// Navigate loads url and re-mounts the container on the new document.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx).Timeout(d.navTimeout)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	d.afterNavigation(ctx, p)
	return nil
}

func (d *Driver) Back(ctx context.Context) error {
	p := d.page.Context(ctx).Timeout(d.navTimeout)
	if err := p.NavigateBack(); err != nil {
		return fmt.Errorf("history back: %w", err)
	}
	d.afterNavigation(ctx, p)
	return nil
}

func (d *Driver) Forward(ctx context.Context) error {
	p := d.page.Context(ctx).Timeout(d.navTimeout)
	if err := p.NavigateForward(); err != nil {
		return fmt.Errorf("history forward: %w", err)
	}
	d.afterNavigation(ctx, p)
	return nil
}

func (d *Driver) afterNavigation(ctx context.Context, p *rod.Page) {
	if err := p.WaitLoad(); err != nil {
		d.log.Debug("wait load failed", zap.Error(err))
	}
	d.mu.Lock()
	view, ok := d.view, d.hasView
	d.mu.Unlock()
	if ok {
		if err := d.Render(ctx, view); err != nil {
			d.log.Warn("re-mount after navigation failed", zap.Error(err))
		}
	}
}

// ScrollBy scrolls smoothly by fraction of the viewport height.
func (d *Driver) ScrollBy(ctx context.Context, fraction float64) (float64, error) {
	res, err := d.page.Context(ctx).Eval(scrollScript, fraction)
	if err != nil {
		return 0, fmt.Errorf("scroll: %w", err)
	}
	return res.Value.Num(), nil
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (d *Driver) URL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *Driver) BodyText(ctx context.Context) (string, error) {
	res, err := d.page.Context(ctx).Eval(bodyTextScript)
	if err != nil {
		return "", fmt.Errorf("read body text: %w", err)
	}
	return res.Value.Str(), nil
}

// Elements implements snapshot.Source.
func (d *Driver) Elements(ctx context.Context) ([]snapshot.ElementInfo, error) {
	res, err := d.page.Context(ctx).Eval(elementsScript, d.containerID, snapshot.InputSelector, snapshot.ClickableSelector)
	if err != nil {
		return nil, fmt.Errorf("enumerate elements: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal elements: %w", err)
	}
	var out []snapshot.ElementInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode elements: %w", err)
	}
	return out, nil
}

// BodyHTML implements snapshot.Source.
func (d *Driver) BodyHTML(ctx context.Context) (string, error) {
	res, err := d.page.Context(ctx).Eval(bodyHTMLScript)
	if err != nil {
		return "", fmt.Errorf("read body markup: %w", err)
	}
	return res.Value.Str(), nil
}

// Render mounts the container if needed and applies v. The view is kept so
// navigations can restore it.
func (d *Driver) Render(ctx context.Context, v View) error {
	d.mu.Lock()
	d.view, d.hasView = v, true
	d.mu.Unlock()

	if _, err := d.page.Context(ctx).Eval(mountScript, mountView{View: v, Container: d.containerID}); err != nil {
		return fmt.Errorf("render assistant container: %w", err)
	}
	return nil
}

// SyncGate pushes st into the current document and re-registers the
// new-document script so later navigations start with the same state.
func (d *Driver) SyncGate(ctx context.Context, st gate.State) error {
	full := gateState{State: st, Container: d.containerID, Events: gate.Events}
	initial, err := json.Marshal(full)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.page.Context(ctx)
	// The automation flag flips around every action; only the enabled flag
	// needs to survive a new document.
	if d.removeGate == nil || d.gateCurrent.Enabled != st.Enabled {
		if d.removeGate != nil {
			if err := d.removeGate(); err != nil {
				d.log.Debug("remove gate script failed", zap.Error(err))
			}
		}
		persisted := full
		persisted.Automating = false
		src, err := json.Marshal(persisted)
		if err != nil {
			return err
		}
		remove, err := p.EvalOnNewDocument(fmt.Sprintf(gateScript, src))
		if err != nil {
			return fmt.Errorf("install gate script: %w", err)
		}
		d.removeGate = remove
		// Install into the already loaded document too.
		if _, err := p.Eval(fmt.Sprintf("() => %s", fmt.Sprintf(gateScript, initial))); err != nil {
			return fmt.Errorf("install gate listener: %w", err)
		}
	}
	d.gateCurrent = st

	if _, err := p.Eval(syncGateScript, full); err != nil {
		return fmt.Errorf("sync gate state: %w", err)
	}
	return nil
}

// element adapts *rod.Element to executor.Element.
type element struct {
	el *rod.Element
}

func (e *element) Click(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(clickScript)
	return err
}

func (e *element) SetValue(ctx context.Context, value string) error {
	_, err := e.el.Context(ctx).Eval(setValueScript, value)
	return err
}

func (e *element) Text(ctx context.Context) (string, error) {
	res, err := e.el.Context(ctx).Eval(textScript)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}
