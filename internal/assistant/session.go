// Package assistant is the session that ties the pipeline together: it owns
// the enabled flag and interaction gate, the conversation and UI logs, and runs
// the submit flow from instruction to executed actions.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kairu-assistant/internal/browser"
	"kairu-assistant/internal/config"
	"kairu-assistant/internal/conversation"
	"kairu-assistant/internal/executor"
	"kairu-assistant/internal/gate"
	"kairu-assistant/internal/mangle"
	"kairu-assistant/internal/plan"
	"kairu-assistant/internal/planner"
	"kairu-assistant/internal/recorder"
	"kairu-assistant/internal/snapshot"
	"kairu-assistant/internal/storage"
)

var (
	// ErrMissingAPIKey ends a turn before any request is made.
	ErrMissingAPIKey = errors.New("api key is not set")
	// ErrBusy rejects a submit while another one is running.
	ErrBusy = errors.New("a request is already being processed")
	// ErrEmptyInstruction rejects blank input.
	ErrEmptyInstruction = errors.New("instruction is empty")
	// ErrDragDisabled is returned by SetPosition when repositioning is off.
	ErrDragDisabled = errors.New("repositioning is disabled")
)

// Status line texts.
const (
	StatusCollecting = "Collecting page info..."
	StatusThinking   = "Kairu is thinking..."
)

// User-facing messages.
const (
	msgReload       = "Error: the assistant was reloaded. Please reload the page (F5)."
	msgMissingKey   = "Error: the API key is not set. Save one with kairu-save-api-key or `kairu set-key`."
	msgReset        = "Conversation history and execution log were reset"
	msgErrorPrefix  = "An error occurred: "
	msgActionFailed = "Action failed: "
)

const gateSyncTimeout = 5 * time.Second

// Page is everything the session needs from the live page.
type Page interface {
	executor.Page
	snapshot.Source
	Render(ctx context.Context, v browser.View) error
	SyncGate(ctx context.Context, st gate.State) error
}

// PageSource returns the page currently being assisted.
type PageSource func() (Page, error)

// KeySource resolves the model API key. An empty key means none is stored.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// Planner turns an instruction into raw model output.
type Planner interface {
	Plan(ctx context.Context, apiKey, instruction string, history []conversation.Turn, snap snapshot.Snapshot) (string, error)
}

// Journal receives action outcomes.
type Journal interface {
	RecordOutcome(ctx context.Context, turn string, index int, kind, status string) error
}

// Options is the feature surface of a session.
type Options struct {
	ContainerID     string
	HistoryCapacity int
	Actions         []plan.Kind
	DragEnabled     bool
	ScrollLock      bool
	ActionDelay     time.Duration
	WindowCooldown  time.Duration
	InfoTextLimit   int
	ExecLogLimit    int
	Snapshot        snapshot.Limits
}

// OptionsFromConfig maps the assistant and snapshot config sections.
func OptionsFromConfig(cfg config.Config) Options {
	a := cfg.Assistant
	return Options{
		ContainerID:     a.ContainerID,
		HistoryCapacity: a.GetHistoryCapacity(),
		Actions:         a.EnabledActions(),
		DragEnabled:     a.IsDragEnabled(),
		ScrollLock:      a.IsScrollLock(),
		ActionDelay:     a.GetActionDelay(),
		WindowCooldown:  a.GetWindowCooldown(),
		InfoTextLimit:   a.GetInfoTextLimit(),
		ExecLogLimit:    a.GetExecLogLimit(),
		Snapshot: snapshot.Limits{
			Value: cfg.Snapshot.ValueLimit,
			Text:  cfg.Snapshot.TextLimit,
			Href:  cfg.Snapshot.HrefLimit,
			HTML:  cfg.Snapshot.HTMLLimit,
		},
	}
}

// Deps are the collaborators of a session. Journal and Recorder are optional.
type Deps struct {
	Store    conversation.KV
	Pages    PageSource
	Keys     KeySource
	Planner  Planner
	Journal  Journal
	Recorder *recorder.Recorder
	Log      *zap.Logger
}

// OutcomeView is one executed action as reported to callers.
type OutcomeView struct {
	Index  int       `json:"index"`
	Action plan.Wire `json:"action"`
	Info   string    `json:"info,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// TurnResult summarizes one submit.
type TurnResult struct {
	TurnID    string        `json:"turnId"`
	Message   string        `json:"message,omitempty"`
	Fallback  bool          `json:"fallback,omitempty"`
	Repaired  bool          `json:"repaired,omitempty"`
	Actions   []plan.Wire   `json:"actions"`
	Outcomes  []OutcomeView `json:"outcomes"`
	Failed    int           `json:"failed"`
	Completed bool          `json:"completed"`
	Raw       string        `json:"raw,omitempty"`
}

// StatusReport is a point-in-time view of the session.
type StatusReport struct {
	Enabled         bool              `json:"enabled"`
	Automating      bool              `json:"automating"`
	Busy            bool              `json:"busy"`
	Status          string            `json:"status,omitempty"`
	HistoryLen      int               `json:"historyLen"`
	HistoryCapacity int               `json:"historyCapacity"`
	ExecLogEntries  int               `json:"execLogEntries"`
	ChatMessages    int               `json:"chatMessages"`
	Position        *storage.Position `json:"position,omitempty"`
	Actions         []string          `json:"actions"`
	DragEnabled     bool              `json:"dragEnabled"`
	ScrollLock      bool              `json:"scrollLock"`
}

// Session replaces the page-global state of the assistant. Construct it with
// New, call Restore once, and Close it when the page goes away.
type Session struct {
	opts      Options
	deps      Deps
	log       *zap.Logger
	gate      *gate.Gate
	conv      *conversation.Store
	exec      *ExecLog
	chat      *ChatLog
	extractor *snapshot.Extractor

	// gateMu serializes page mirror writes.
	gateMu sync.Mutex

	mu       sync.Mutex
	busy     bool
	closed   bool
	status   string
	position *storage.Position
}

func New(opts Options, deps Deps) *Session {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("assistant")
	if opts.Snapshot == (snapshot.Limits{}) {
		opts.Snapshot = snapshot.DefaultLimits()
	}
	s := &Session{
		opts:      opts,
		deps:      deps,
		log:       log,
		gate:      gate.New(),
		conv:      conversation.NewStore(deps.Store, opts.HistoryCapacity, log),
		exec:      newExecLog(deps.Store, opts.ExecLogLimit, log),
		chat:      newChatLog(deps.Store, log),
		extractor: snapshot.NewExtractor(log, opts.ContainerID, opts.Snapshot),
	}
	s.gate.Subscribe(s.pushGate)
	return s
}

// Gate exposes the interaction gate.
func (s *Session) Gate() *gate.Gate { return s.gate }

// pushGate mirrors the gate's current state, not the notified one, so a
// delayed push can never overwrite a newer state.
func (s *Session) pushGate(gate.State) {
	p, err := s.page()
	if err != nil {
		return
	}
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), gateSyncTimeout)
	defer cancel()
	if err := p.SyncGate(ctx, s.gate.State()); err != nil {
		s.log.Debug("gate sync failed", zap.Error(err))
	}
}

func (s *Session) page() (Page, error) {
	if s.deps.Pages == nil {
		return nil, errors.New("no page source configured")
	}
	return s.deps.Pages()
}

// Attach brings a freshly opened page in line with the session: gate state
// first, then the container.
func (s *Session) Attach(ctx context.Context, p Page) {
	s.gateMu.Lock()
	err := p.SyncGate(ctx, s.gate.State())
	s.gateMu.Unlock()
	if err != nil {
		s.log.Warn("gate install failed", zap.Error(err))
	}
	if err := p.Render(ctx, s.view()); err != nil {
		s.log.Warn("container mount failed", zap.Error(err))
	}
}

// Restore reloads logs, chat, conversation, position and the enabled flag.
// Only context invalidation is returned; other failures leave defaults.
func (s *Session) Restore(ctx context.Context) error {
	for _, restore := range []func(context.Context) error{
		s.exec.Restore,
		s.chat.Restore,
		s.conv.Restore,
		s.restorePosition,
		s.restoreEnabled,
	} {
		if err := restore(ctx); err != nil {
			return err
		}
	}
	s.render(ctx)
	s.log.Info("session restored",
		zap.Bool("enabled", s.gate.Enabled()),
		zap.Int("history", s.conv.Len()),
		zap.Int("log_entries", s.exec.Len()))
	return nil
}

func (s *Session) restoreEnabled(ctx context.Context) error {
	var enabled bool
	found, err := s.getJSON(ctx, storage.KeyEnabled, &enabled)
	if err != nil || !found {
		return err
	}
	s.gate.SetEnabled(enabled)
	return nil
}

func (s *Session) restorePosition(ctx context.Context) error {
	if !s.opts.DragEnabled {
		return nil
	}
	var pos storage.Position
	found, err := s.getJSON(ctx, storage.KeyPosition, &pos)
	if err != nil || !found {
		return err
	}
	s.mu.Lock()
	s.position = &pos
	s.mu.Unlock()
	return nil
}

func (s *Session) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	if s.deps.Store == nil {
		return false, nil
	}
	err := storage.GetJSON(ctx, s.deps.Store, storage.NamespaceLocal, key, v)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case errors.Is(err, storage.ErrCorrupt):
		s.log.Warn("discarding unreadable value", zap.String("key", key), zap.Error(err))
		return false, nil
	default:
		return false, absorb(s.log, "restore "+key, err)
	}
}

func (s *Session) setJSON(ctx context.Context, key string, v interface{}) error {
	if s.deps.Store == nil {
		return nil
	}
	return absorb(s.log, "save "+key, storage.SetJSON(ctx, s.deps.Store, storage.NamespaceLocal, key, v))
}

// SetEnabled shows or hides the assistant, toggles the gate and persists the
// flag.
func (s *Session) SetEnabled(ctx context.Context, enabled bool) error {
	s.gate.SetEnabled(enabled)
	s.log.Info("assistant toggled", zap.Bool("enabled", enabled))
	err := s.setJSON(ctx, storage.KeyEnabled, enabled)
	s.render(ctx)
	return err
}

func (s *Session) Enabled() bool { return s.gate.Enabled() }

// SetPosition moves the container and persists the offset. Negative offsets
// are clamped to zero.
func (s *Session) SetPosition(ctx context.Context, pos storage.Position) error {
	if !s.opts.DragEnabled {
		return ErrDragDisabled
	}
	if pos.Bottom < 0 {
		pos.Bottom = 0
	}
	if pos.Right < 0 {
		pos.Right = 0
	}
	s.mu.Lock()
	s.position = &pos
	s.mu.Unlock()
	err := s.setJSON(ctx, storage.KeyPosition, pos)
	s.render(ctx)
	return err
}

// Position returns the saved container offset, if any.
func (s *Session) Position() (storage.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		return storage.Position{}, false
	}
	return *s.position, true
}

// ClearConversation resets the conversation, the chat and the execution log.
func (s *Session) ClearConversation(ctx context.Context) error {
	if err := s.conv.Clear(ctx); err != nil {
		return err
	}
	if err := s.chat.Clear(ctx); err != nil {
		return err
	}
	if err := s.exec.Clear(ctx); err != nil {
		return err
	}
	err := s.exec.Add(ctx, LevelInfo, msgReset)
	// Shown once in the chat; never persisted.
	_ = s.chat.Add(ctx, RoleSystem, msgReset)
	s.render(ctx)
	return err
}

// History returns the conversation turns, oldest first.
func (s *Session) History() []conversation.Turn { return s.conv.Load() }

// Chat returns the visible chat transcript.
func (s *Session) Chat() []ChatMessage { return s.chat.Messages() }

// ExecLogHTML returns the rendered execution log.
func (s *Session) ExecLogHTML() string { return s.exec.HTML() }

// Snapshot captures the current page the way the planner would see it.
func (s *Session) Snapshot(ctx context.Context) (snapshot.Snapshot, error) {
	p, err := s.page()
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return s.extractor.Capture(ctx, p), nil
}

func (s *Session) Status() StatusReport {
	s.mu.Lock()
	busy, status := s.busy, s.status
	var pos *storage.Position
	if s.position != nil {
		p := *s.position
		pos = &p
	}
	s.mu.Unlock()

	actions := make([]string, len(s.opts.Actions))
	for i, k := range s.opts.Actions {
		actions[i] = string(k)
	}
	st := s.gate.State()
	return StatusReport{
		Enabled:         st.Enabled,
		Automating:      st.Automating,
		Busy:            busy,
		Status:          status,
		HistoryLen:      s.conv.Len(),
		HistoryCapacity: s.conv.Capacity(),
		ExecLogEntries:  s.exec.Len(),
		ChatMessages:    len(s.chat.Messages()),
		Position:        pos,
		Actions:         actions,
		DragEnabled:     s.opts.DragEnabled,
		ScrollLock:      s.opts.ScrollLock,
	}
}

// Close tears the session down. Later submits fail as context invalidated.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) valid() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	if v, ok := s.deps.Store.(interface{ Valid() bool }); ok {
		return v.Valid()
	}
	return true
}

func (s *Session) view() browser.View {
	s.mu.Lock()
	status := s.status
	var pos *storage.Position
	if s.position != nil {
		p := *s.position
		pos = &p
	}
	s.mu.Unlock()
	return browser.View{
		Enabled:    s.gate.Enabled(),
		ScrollLock: s.opts.ScrollLock,
		Position:   pos,
		ChatHTML:   s.chat.HTML(),
		LogHTML:    s.exec.HTML(),
		Status:     status,
	}
}

// render pushes the current view to the page, if there is one.
func (s *Session) render(ctx context.Context) {
	p, err := s.page()
	if err != nil {
		s.log.Debug("no page to render into", zap.Error(err))
		return
	}
	if err := p.Render(ctx, s.view()); err != nil {
		s.log.Warn("render failed", zap.Error(err))
	}
}

func (s *Session) setStatus(ctx context.Context, status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.render(ctx)
}

func (s *Session) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Session) logf(ctx context.Context, level, format string, args ...interface{}) {
	s.logLine(ctx, level, fmt.Sprintf(format, args...))
}

// logLine writes msg verbatim; error text may contain verbs.
func (s *Session) logLine(ctx context.Context, level, msg string) {
	_ = s.exec.Add(ctx, level, msg)
}

// Submit runs one turn: snapshot, plan, interpret, execute. Failures that the
// user should see are written to the chat before being returned; the busy
// flag and status line are always reset.
func (s *Session) Submit(ctx context.Context, instruction string) (res TurnResult, err error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return res, ErrEmptyInstruction
	}
	if !s.acquire() {
		return res, ErrBusy
	}

	res.TurnID = uuid.NewString()
	res.Actions = []plan.Wire{}
	res.Outcomes = []OutcomeView{}
	trace := s.deps.Recorder.Turn(res.TurnID)
	s.record(trace, recorder.EventInstruction, map[string]string{"text": instruction})

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.status = ""
		s.mu.Unlock()

		switch {
		case err == nil:
			s.record(trace, recorder.EventDone, map[string]int{"failed": res.Failed})
		case errors.Is(err, storage.ErrContextInvalidated):
			s.logf(ctx, LevelError, "The assistant was reloaded. Please reload the page.")
			_ = s.chat.Add(ctx, conversation.RoleAssistant, msgReload)
			s.record(trace, recorder.EventError, err.Error())
		case errors.Is(err, ErrMissingAPIKey):
			s.record(trace, recorder.EventError, err.Error())
		default:
			msg := msgErrorPrefix + err.Error()
			s.logLine(ctx, LevelError, msg)
			_ = s.chat.Add(ctx, conversation.RoleAssistant, msg)
			s.record(trace, recorder.EventError, err.Error())
		}
		s.render(ctx)
	}()

	if err := s.exec.Clear(ctx); err != nil {
		return res, err
	}
	s.logf(ctx, LevelInfo, "User input: %s", instruction)
	if err := s.chat.Add(ctx, conversation.RoleUser, instruction); err != nil {
		return res, err
	}
	s.render(ctx)

	if !s.valid() {
		return res, storage.ErrContextInvalidated
	}

	if s.deps.Keys == nil {
		return res, s.missingKey(ctx)
	}
	key, err := s.deps.Keys.APIKey(ctx)
	if err != nil {
		return res, fmt.Errorf("read api key: %w", err)
	}
	if key == "" {
		return res, s.missingKey(ctx)
	}

	// History already carries the instruction as a plain user turn; the
	// planner adds it again alongside the page context.
	if err := s.conv.Append(ctx, conversation.Turn{Role: conversation.RoleUser, Content: instruction}); err != nil {
		return res, err
	}
	history := s.conv.Load()

	page, err := s.page()
	if err != nil {
		return res, fmt.Errorf("no page to operate on: %w", err)
	}

	s.setStatus(ctx, StatusCollecting)
	s.logf(ctx, LevelInfo, "Collecting interactive elements...")
	snap := s.extractor.Capture(ctx, page)
	_ = s.exec.AddRaw(ctx, "Detected page elements", snap.Elements)
	s.logf(ctx, LevelInfo, "Collecting page HTML...")
	_ = s.exec.AddRaw(ctx, "HTML sent to the model", snap.HTML)
	s.record(trace, recorder.EventSnapshot, map[string]interface{}{
		"url":            snap.URL,
		"title":          snap.Title,
		"elements_chars": len(snap.Elements),
		"html_chars":     len(snap.HTML),
	})

	s.setStatus(ctx, StatusThinking)
	s.logf(ctx, LevelInfo, "Calling the model API (history: %d turns)...", len(history))
	raw, err := s.deps.Planner.Plan(ctx, key, instruction, history, snap)
	s.setStatus(ctx, "")
	if err != nil {
		var reqErr *planner.RequestError
		if errors.As(err, &reqErr) {
			s.logf(ctx, LevelError, "API error details: %s", reqErr.Body)
		}
		return res, err
	}
	res.Raw = raw
	_ = s.exec.AddRaw(ctx, "AI response (raw)", raw)
	s.record(trace, recorder.EventModelOutput, raw)

	if err := s.conv.Append(ctx, conversation.Turn{Role: conversation.RoleAssistant, Content: raw}); err != nil {
		return res, err
	}

	s.apply(ctx, page, plan.Interpret(raw), &res, trace)
	return res, nil
}

func (s *Session) missingKey(ctx context.Context) error {
	s.logf(ctx, LevelError, "API key is not set")
	_ = s.chat.Add(ctx, conversation.RoleAssistant, msgMissingKey)
	return ErrMissingAPIKey
}

// apply shows the plan's message and runs its actions.
func (s *Session) apply(ctx context.Context, page Page, p plan.Plan, res *TurnResult, trace *recorder.Trace) {
	if p.Fallback {
		s.logf(ctx, LevelWarning, "Could not parse the response as JSON; showing it as text")
		_ = s.chat.Add(ctx, conversation.RoleAssistant, p.Message)
		res.Message = p.Message
		res.Fallback = true
		res.Completed = true
		return
	}
	if p.Repaired {
		res.Repaired = true
		s.logf(ctx, LevelWarning, "The AI response was not clean JSON; parsed it after repair")
	}
	s.logf(ctx, LevelSuccess, "Parsed the AI response")
	if p.Message != "" {
		s.logf(ctx, LevelInfo, "Message: %s", p.Message)
		_ = s.chat.Add(ctx, conversation.RoleAssistant, p.Message)
		res.Message = p.Message
	}

	for _, a := range p.Actions {
		res.Actions = append(res.Actions, plan.ToWire(a))
	}
	s.record(trace, recorder.EventPlan, res.Actions)
	if len(p.Actions) == 0 {
		s.logf(ctx, LevelInfo, "No actions to run")
		res.Completed = true
		return
	}

	s.logf(ctx, LevelInfo, "Running %d actions", len(p.Actions))
	s.render(ctx)

	ex := executor.New(page, s.gate, executor.Options{
		Pacing:        s.opts.ActionDelay,
		Cooldown:      s.opts.WindowCooldown,
		Allowed:       s.opts.Actions,
		InfoTextLimit: s.opts.InfoTextLimit,
	}, s.log)

	total := len(p.Actions)
	result := ex.RunPlan(ctx, p.Actions, func(o executor.Outcome) {
		view := OutcomeView{Index: o.Index, Action: plan.ToWire(o.Action), Info: o.Info}
		status := mangle.StatusOK
		s.logf(ctx, LevelInfo, "Action %d/%d: %s", o.Index+1, total, o.Action.Kind())
		if o.Err != nil {
			status = mangle.StatusFailed
			view.Error = o.Err.Error()
			msg := msgActionFailed + o.Err.Error()
			s.logLine(ctx, LevelError, msg)
			_ = s.chat.Add(ctx, conversation.RoleAssistant, "❌ "+msg)
		} else if o.Info != "" {
			s.logf(ctx, LevelInfo, "Page info: %s", o.Info)
		}
		res.Outcomes = append(res.Outcomes, view)
		s.record(trace, recorder.EventOutcome, view)
		if s.deps.Journal != nil {
			if err := s.deps.Journal.RecordOutcome(ctx, res.TurnID, o.Index, string(o.Action.Kind()), status); err != nil {
				s.log.Warn("journal write failed", zap.Error(err))
			}
		}
		s.render(ctx)
	})

	res.Failed = result.Failed
	res.Completed = result.Completed
	if result.Completed {
		s.logf(ctx, LevelSuccess, "All actions completed")
	}
}

func (s *Session) record(trace *recorder.Trace, eventType string, data interface{}) {
	if err := trace.Record(eventType, data); err != nil {
		s.log.Debug("trace write failed", zap.String("type", eventType), zap.Error(err))
	}
}
