// Package gate blocks user-originated page interactions while the assistant is
// enabled, except inside the assistant's own container and while an
// automation window is open.
package gate

import (
	"sync"
	"time"
)

// Events lists the DOM event types the gate intercepts in the capture phase.
var Events = []string{"click", "mousedown", "mouseup", "keydown", "keypress", "keyup", "submit"}

// Verdict is the gate's decision for one event.
type Verdict int

const (
	Pass Verdict = iota
	Block
)

func (v Verdict) String() string {
	if v == Block {
		return "block"
	}
	return "pass"
}

// Event is the part of a DOM event the gate looks at.
type Event struct {
	Type        string
	InAssistant bool
}

// State is what gets mirrored into the page.
type State struct {
	Enabled    bool `json:"enabled"`
	Automating bool `json:"automating"`
}

// Gate holds the enabled flag and the automation window. Safe for concurrent use.
type Gate struct {
	mu        sync.Mutex
	enabled   bool
	windows   int
	listeners []func(State)

	// notifyMu orders deliveries so the last one a listener sees is current.
	notifyMu sync.Mutex
}

func New() *Gate {
	return &Gate{}
}

// Intercepts reports whether eventType is one of the gated event types.
func Intercepts(eventType string) bool {
	for _, e := range Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Decide applies the three-way guard to ev.
func (g *Gate) Decide(ev Event) Verdict {
	if !Intercepts(ev.Type) {
		return Pass
	}
	g.mu.Lock()
	enabled, automating := g.enabled, g.windows > 0
	g.mu.Unlock()

	switch {
	case !enabled:
		return Pass
	case ev.InAssistant:
		return Pass
	case automating:
		return Pass
	default:
		return Block
	}
}

// SetEnabled flips the enabled flag and notifies subscribers on change.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	if g.enabled == enabled {
		g.mu.Unlock()
		return
	}
	g.enabled = enabled
	g.mu.Unlock()
	g.notify()
}

func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Automating reports whether an automation window is open.
func (g *Gate) Automating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windows > 0
}

// Open starts an automation window. Windows nest; the gate stays open until
// every Open has been matched by a Release.
func (g *Gate) Open() {
	g.mu.Lock()
	g.windows++
	opened := g.windows == 1
	g.mu.Unlock()
	if opened {
		g.notify()
	}
}

// Release closes one automation window. Extra releases are ignored.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.windows == 0 {
		g.mu.Unlock()
		return
	}
	g.windows--
	closed := g.windows == 0
	g.mu.Unlock()
	if closed {
		g.notify()
	}
}

// ReleaseAfter releases one window after d so that events still bubbling from
// the action are treated as assistant-originated.
func (g *Gate) ReleaseAfter(d time.Duration) {
	if d <= 0 {
		g.Release()
		return
	}
	time.AfterFunc(d, g.Release)
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked()
}

// Subscribe registers fn to be called with the new state after every change.
// fn runs outside the gate's lock and may be called from a timer goroutine.
// Deliveries are serialized and each carries the state at delivery time, so
// a slow fn never ends on a stale state. fn must not change the gate.
func (g *Gate) Subscribe(fn func(State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

func (g *Gate) stateLocked() State {
	return State{Enabled: g.enabled, Automating: g.windows > 0}
}

func (g *Gate) notify() {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()

	g.mu.Lock()
	st := g.stateLocked()
	listeners := g.listeners
	g.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}
