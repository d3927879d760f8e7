package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairu-assistant/internal/gate"
	"kairu-assistant/internal/plan"
)

type fakeElement struct {
	page  *fakePage
	id    string
	text  string
	value string
}

func (e *fakeElement) Click(context.Context) error {
	e.page.record("click " + e.id)
	return nil
}

func (e *fakeElement) SetValue(_ context.Context, v string) error {
	e.value = v
	e.page.record("input " + e.id + "=" + v)
	e.page.record("change " + e.id)
	return nil
}

func (e *fakeElement) Text(context.Context) (string, error) { return e.text, nil }

type fakePage struct {
	mu         sync.Mutex
	bySelector map[string]*fakeElement
	clickables []*fakeElement
	events     []string
	title      string
	url        string
	body       string
	gate       *gate.Gate
	gateSeen   []bool
}

func newFakePage(g *gate.Gate) *fakePage {
	p := &fakePage{bySelector: map[string]*fakeElement{}, title: "Shop", url: "https://shop.example/", gate: g}
	return p
}

func (p *fakePage) add(selector, text string, clickable bool) *fakeElement {
	el := &fakeElement{page: p, id: selector, text: text}
	if selector != "" {
		p.bySelector[selector] = el
	}
	if clickable {
		p.clickables = append(p.clickables, el)
	}
	return el
}

func (p *fakePage) record(ev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if p.gate != nil {
		p.gateSeen = append(p.gateSeen, p.gate.Decide(gate.Event{Type: "click"}) == gate.Pass)
	}
}

func (p *fakePage) Query(_ context.Context, selector string) (Element, error) {
	if strings.HasPrefix(selector, "[[") {
		return nil, errors.New("SyntaxError: not a valid selector")
	}
	if el, ok := p.bySelector[selector]; ok {
		return el, nil
	}
	return nil, nil
}

func (p *fakePage) Clickables(context.Context) ([]Element, error) {
	out := make([]Element, len(p.clickables))
	for i, el := range p.clickables {
		out[i] = el
	}
	return out, nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.record("navigate " + url)
	p.url = url
	return nil
}

func (p *fakePage) ScrollBy(_ context.Context, fraction float64) (float64, error) {
	if fraction > 0 {
		p.record("scroll down")
	} else {
		p.record("scroll up")
	}
	return 800 * fraction, nil
}

func (p *fakePage) Back(context.Context) error    { p.record("back"); return nil }
func (p *fakePage) Forward(context.Context) error { p.record("forward"); return nil }

func (p *fakePage) Title(context.Context) (string, error)    { return p.title, nil }
func (p *fakePage) URL(context.Context) (string, error)      { return p.url, nil }
func (p *fakePage) BodyText(context.Context) (string, error) { return p.body, nil }

func (p *fakePage) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Pacing = time.Millisecond
	opts.Cooldown = 0
	return opts
}

func TestClickBySelector(t *testing.T) {
	page := newFakePage(nil)
	page.add("#buy", "Buy", true)
	ex := New(page, gate.New(), fastOptions(), nil)

	_, err := ex.Execute(context.Background(), plan.Click{Selector: "#buy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"click #buy"}, page.recorded())
}

func TestClickByTextFindsFirstMatchInDocumentOrder(t *testing.T) {
	page := newFakePage(nil)
	page.add("a.nav", "Home", true)
	page.add("button.first", "  Submit order  ", true)
	page.add("button.second", "Submit", true)
	ex := New(page, gate.New(), fastOptions(), nil)

	_, err := ex.Execute(context.Background(), plan.Click{Text: "Submit"})
	require.NoError(t, err)
	assert.Equal(t, []string{"click button.first"}, page.recorded())
}

func TestClickFallsBackToTextWhenSelectorMisses(t *testing.T) {
	for _, selector := range []string{"#missing", "[[broken"} {
		t.Run(selector, func(t *testing.T) {
			page := newFakePage(nil)
			page.add("a.cart", "Cart (2)", true)
			ex := New(page, gate.New(), fastOptions(), nil)

			_, err := ex.Execute(context.Background(), plan.Click{Selector: selector, Text: "Cart"})
			require.NoError(t, err)
			assert.Equal(t, []string{"click a.cart"}, page.recorded())
		})
	}
}

func TestClickNotFound(t *testing.T) {
	page := newFakePage(nil)
	page.add("a.nav", "Home", true)
	ex := New(page, gate.New(), fastOptions(), nil)

	_, err := ex.Execute(context.Background(), plan.Click{Text: "Submit"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindElementNotFound))
	assert.Equal(t, "element not found (text: Submit)", err.Error())

	_, err = ex.Execute(context.Background(), plan.Click{Selector: "#x", Text: "Submit"})
	assert.Equal(t, "element not found (selector: #x, text: Submit)", err.Error())
	assert.Empty(t, page.recorded())
}

func TestTypeSetsValueAndDispatchesEvents(t *testing.T) {
	page := newFakePage(nil)
	el := page.add("input[name='q']", "", false)
	ex := New(page, gate.New(), fastOptions(), nil)

	_, err := ex.Execute(context.Background(), plan.Type{Selector: "input[name='q']", Value: "go"})
	require.NoError(t, err)
	assert.Equal(t, "go", el.value)
	assert.Equal(t, []string{"input input[name='q']=go", "change input[name='q']"}, page.recorded())

	_, err = ex.Execute(context.Background(), plan.Type{Selector: "#nope", Value: "x"})
	assert.True(t, IsKind(err, KindInputNotFound))
	assert.Equal(t, "input not found: #nope", err.Error())
}

func TestNavigationScrollAndHistory(t *testing.T) {
	page := newFakePage(nil)
	ex := New(page, gate.New(), fastOptions(), nil)
	ctx := context.Background()

	for _, a := range []plan.Action{
		plan.Navigate{URL: "https://example.com/next"},
		plan.Scroll{Direction: "down"},
		plan.Scroll{Direction: "up"},
		plan.Scroll{Direction: "sideways"},
		plan.Back{},
		plan.Forward{},
	} {
		_, err := ex.Execute(ctx, a)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"navigate https://example.com/next",
		"scroll down",
		"scroll up",
		"back",
		"forward",
	}, page.recorded())
}

func TestGetInfo(t *testing.T) {
	page := newFakePage(nil)
	page.body = strings.Repeat("x", 600)
	ex := New(page, gate.New(), fastOptions(), nil)
	ctx := context.Background()

	info, err := ex.Execute(ctx, plan.GetInfo{Type: "title"})
	require.NoError(t, err)
	assert.Equal(t, "Shop", info)

	info, err = ex.Execute(ctx, plan.GetInfo{Type: "url"})
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/", info)

	info, err = ex.Execute(ctx, plan.GetInfo{Type: "text"})
	require.NoError(t, err)
	assert.Len(t, info, 500)

	info, err = ex.Execute(ctx, plan.GetInfo{Type: "cookies"})
	require.NoError(t, err)
	assert.Empty(t, info)
}

func TestUnknownAndDisallowedActions(t *testing.T) {
	page := newFakePage(nil)
	opts := fastOptions()
	opts.Allowed = []plan.Kind{plan.KindClick, plan.KindType, plan.KindNavigate, plan.KindScroll}
	ex := New(page, gate.New(), opts, nil)

	_, err := ex.Execute(context.Background(), plan.Unknown{Name: "hover"})
	assert.True(t, IsKind(err, KindUnknownAction))
	assert.Equal(t, "unknown action: hover", err.Error())

	_, err = ex.Execute(context.Background(), plan.Back{})
	assert.True(t, IsKind(err, KindDisallowed))
	assert.Empty(t, page.recorded())
}

func TestWindowIsOpenDuringActionAndReleasedAfter(t *testing.T) {
	g := gate.New()
	g.SetEnabled(true)
	page := newFakePage(g)
	page.add("#buy", "Buy", true)
	opts := fastOptions()
	opts.Cooldown = 20 * time.Millisecond
	ex := New(page, g, opts, nil)

	_, err := ex.Execute(context.Background(), plan.Click{Selector: "#buy"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, page.gateSeen, "gate must pass events during the action")
	assert.True(t, g.Automating(), "window stays open for the cooldown")
	require.Eventually(t, func() bool { return !g.Automating() }, time.Second, 5*time.Millisecond)

	// Failure releases the window too.
	_, err = ex.Execute(context.Background(), plan.Click{Selector: "#missing"})
	require.Error(t, err)
	require.Eventually(t, func() bool { return !g.Automating() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gate.Block, g.Decide(gate.Event{Type: "click"}))
}

func TestRunPlanIsolatesFailures(t *testing.T) {
	page := newFakePage(nil)
	page.add("#first", "First", true)
	page.add("#third", "Third", true)
	ex := New(page, gate.New(), fastOptions(), nil)

	var reported []Outcome
	res := ex.RunPlan(context.Background(), []plan.Action{
		plan.Click{Selector: "#first"},
		plan.Click{Selector: "#missing"},
		plan.Click{Selector: "#third"},
	}, func(o Outcome) { reported = append(reported, o) })

	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Outcomes, 3)
	assert.NoError(t, res.Outcomes[0].Err)
	assert.True(t, IsKind(res.Outcomes[1].Err, KindElementNotFound))
	assert.NoError(t, res.Outcomes[2].Err)
	assert.Equal(t, res.Outcomes, reported)
	assert.Equal(t, []string{"click #first", "click #third"}, page.recorded())
}

func TestRunPlanPacesEveryAction(t *testing.T) {
	page := newFakePage(nil)
	opts := fastOptions()
	opts.Pacing = 15 * time.Millisecond
	ex := New(page, gate.New(), opts, nil)

	start := time.Now()
	res := ex.RunPlan(context.Background(), []plan.Action{plan.Back{}, plan.Forward{}}, nil)
	assert.True(t, res.Completed)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRunPlanStopsOnCancellation(t *testing.T) {
	page := newFakePage(nil)
	opts := fastOptions()
	opts.Pacing = time.Hour
	ex := New(page, gate.New(), opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	res := ex.RunPlan(ctx, []plan.Action{plan.Back{}, plan.Forward{}}, func(Outcome) { cancel() })
	assert.False(t, res.Completed)
	assert.Len(t, res.Outcomes, 1)
}

func TestRunPlanEmpty(t *testing.T) {
	ex := New(newFakePage(nil), gate.New(), fastOptions(), nil)
	res := ex.RunPlan(context.Background(), nil, nil)
	assert.True(t, res.Completed)
	assert.Empty(t, res.Outcomes)
}
