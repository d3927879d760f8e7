// Package executor runs plan actions against a page one at a time. Each action
// runs inside an automation window so the interaction gate lets its events
// through, and failures are isolated to the action that caused them.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kairu-assistant/internal/plan"
	"kairu-assistant/internal/snapshot"
)

// ScrollFraction is the share of the viewport height one scroll moves.
const ScrollFraction = 0.8

// Page is the live document the executor drives.
type Page interface {
	// Query returns the first element matching selector, or nil when nothing
	// matches.
	Query(ctx context.Context, selector string) (Element, error)
	// Clickables returns clickable-role elements outside the assistant UI in
	// document order.
	Clickables(ctx context.Context) ([]Element, error)
	Navigate(ctx context.Context, url string) error
	// ScrollBy scrolls smoothly by fraction of the viewport height and
	// returns the distance in pixels.
	ScrollBy(ctx context.Context, fraction float64) (float64, error)
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
}

// Element is a resolved node.
type Element interface {
	Click(ctx context.Context) error
	// SetValue assigns the value and dispatches bubbling input and change
	// events.
	SetValue(ctx context.Context, value string) error
	Text(ctx context.Context) (string, error)
}

// Window is the automation window of the interaction gate.
type Window interface {
	Open()
	ReleaseAfter(d time.Duration)
}

// Options tunes execution.
type Options struct {
	// Pacing is the pause after every action of a plan.
	Pacing time.Duration
	// Cooldown keeps the window open after an action finishes.
	Cooldown time.Duration
	// Allowed is the enabled action set. Empty allows every known kind.
	Allowed []plan.Kind
	// InfoTextLimit caps get_info text extracts.
	InfoTextLimit int
}

func DefaultOptions() Options {
	return Options{
		Pacing:        800 * time.Millisecond,
		Cooldown:      100 * time.Millisecond,
		Allowed:       plan.AllKinds,
		InfoTextLimit: 500,
	}
}

// Executor drives one page.
type Executor struct {
	page    Page
	window  Window
	opts    Options
	allowed map[plan.Kind]bool
	log     *zap.Logger
}

func New(page Page, window Window, opts Options, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if len(opts.Allowed) == 0 {
		opts.Allowed = plan.AllKinds
	}
	allowed := make(map[plan.Kind]bool, len(opts.Allowed))
	for _, k := range opts.Allowed {
		allowed[k] = true
	}
	return &Executor{page: page, window: window, opts: opts, allowed: allowed, log: log.Named("executor")}
}

// Execute runs a single action. The returned info is only set by get_info.
// The automation window is opened before dispatch and released after the
// cooldown whatever the outcome.
func (e *Executor) Execute(ctx context.Context, action plan.Action) (info string, err error) {
	e.window.Open()
	defer e.window.ReleaseAfter(e.opts.Cooldown)

	if _, unknown := action.(plan.Unknown); !unknown && !e.allowed[action.Kind()] {
		return "", &ActionError{Kind: KindDisallowed, Action: action, Detail: string(action.Kind())}
	}

	switch a := action.(type) {
	case plan.Click:
		return "", e.click(ctx, a)
	case plan.Type:
		return "", e.typeInto(ctx, a)
	case plan.Navigate:
		if err := e.page.Navigate(ctx, a.URL); err != nil {
			return "", driverError(action, err)
		}
		e.log.Info("navigated", zap.String("url", a.URL))
		return "", nil
	case plan.Scroll:
		return "", e.scroll(ctx, a)
	case plan.Back:
		if err := e.page.Back(ctx); err != nil {
			return "", driverError(action, err)
		}
		e.log.Info("history back")
		return "", nil
	case plan.Forward:
		if err := e.page.Forward(ctx); err != nil {
			return "", driverError(action, err)
		}
		e.log.Info("history forward")
		return "", nil
	case plan.GetInfo:
		return e.getInfo(ctx, a)
	case plan.Unknown:
		return "", &ActionError{Kind: KindUnknownAction, Action: action, Detail: a.Name}
	default:
		return "", &ActionError{Kind: KindUnknownAction, Action: action, Detail: fmt.Sprintf("%T", action)}
	}
}

func (e *Executor) click(ctx context.Context, a plan.Click) error {
	var target Element
	if a.Selector != "" {
		el, err := e.page.Query(ctx, a.Selector)
		if err != nil {
			// An unusable selector still leaves the text fallback.
			e.log.Warn("selector query failed", zap.String("selector", a.Selector), zap.Error(err))
		}
		target = el
	}

	if target == nil && a.Text != "" {
		candidates, err := e.page.Clickables(ctx)
		if err != nil {
			return driverError(a, err)
		}
		for _, el := range candidates {
			text, err := el.Text(ctx)
			if err != nil {
				continue
			}
			if strings.Contains(strings.TrimSpace(text), a.Text) {
				target = el
				break
			}
		}
	}

	if target == nil {
		return &ActionError{Kind: KindElementNotFound, Action: a, Detail: searchCriteria(a)}
	}
	if err := target.Click(ctx); err != nil {
		return driverError(a, err)
	}
	e.log.Info("clicked element", zap.String("selector", a.Selector), zap.String("text", a.Text))
	return nil
}

func searchCriteria(a plan.Click) string {
	switch {
	case a.Selector != "" && a.Text != "":
		return "selector: " + a.Selector + ", text: " + a.Text
	case a.Selector != "":
		return "selector: " + a.Selector
	default:
		return "text: " + a.Text
	}
}

func (e *Executor) typeInto(ctx context.Context, a plan.Type) error {
	var el Element
	if a.Selector != "" {
		var err error
		if el, err = e.page.Query(ctx, a.Selector); err != nil {
			return &ActionError{Kind: KindInputNotFound, Action: a, Detail: a.Selector, Err: err}
		}
	}
	if el == nil {
		return &ActionError{Kind: KindInputNotFound, Action: a, Detail: a.Selector}
	}
	if err := el.SetValue(ctx, a.Value); err != nil {
		return driverError(a, err)
	}
	e.log.Info("typed into element", zap.String("selector", a.Selector), zap.Int("chars", len(a.Value)))
	return nil
}

func (e *Executor) scroll(ctx context.Context, a plan.Scroll) error {
	var fraction float64
	switch a.Direction {
	case "down":
		fraction = ScrollFraction
	case "up":
		fraction = -ScrollFraction
	default:
		e.log.Debug("ignoring scroll direction", zap.String("direction", a.Direction))
		return nil
	}
	px, err := e.page.ScrollBy(ctx, fraction)
	if err != nil {
		return driverError(a, err)
	}
	e.log.Info("scrolled", zap.String("direction", a.Direction), zap.Float64("px", px))
	return nil
}

func (e *Executor) getInfo(ctx context.Context, a plan.GetInfo) (string, error) {
	var (
		info string
		err  error
	)
	switch a.Type {
	case "title":
		info, err = e.page.Title(ctx)
	case "url":
		info, err = e.page.URL(ctx)
	case "text":
		info, err = e.page.BodyText(ctx)
		info = snapshot.Truncate(info, e.opts.InfoTextLimit)
	}
	if err != nil {
		return "", driverError(a, err)
	}
	e.log.Info("page info", zap.String("type", a.Type), zap.String("value", info))
	return info, nil
}

// Outcome is the result of one action of a plan.
type Outcome struct {
	Index  int
	Action plan.Action
	Info   string
	Err    error
}

// PlanResult summarizes a plan run.
type PlanResult struct {
	Outcomes []Outcome
	Failed   int
	// Completed is false only when ctx was cancelled before every action ran.
	Completed bool
}

// RunPlan executes actions strictly in order, pausing for the pacing delay
// after each one regardless of its outcome. A failing action is reported and
// the rest still run. report, if set, sees every outcome as it happens.
func (e *Executor) RunPlan(ctx context.Context, actions []plan.Action, report func(Outcome)) PlanResult {
	res := PlanResult{Outcomes: make([]Outcome, 0, len(actions))}
	for i, action := range actions {
		if ctx.Err() != nil {
			return res
		}
		e.log.Info("running action",
			zap.Int("step", i+1),
			zap.Int("of", len(actions)),
			zap.String("action", string(action.Kind())))

		info, err := e.Execute(ctx, action)
		out := Outcome{Index: i, Action: action, Info: info, Err: err}
		if err != nil {
			res.Failed++
			e.log.Warn("action failed", zap.Int("step", i+1), zap.Error(err))
		}
		res.Outcomes = append(res.Outcomes, out)
		if report != nil {
			report(out)
		}

		if err := sleepWithContext(ctx, e.opts.Pacing); err != nil {
			return res
		}
	}
	res.Completed = true
	return res
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
