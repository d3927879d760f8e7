package mcp

import (
	"context"

	"kairu-assistant/internal/assistant"
	"kairu-assistant/internal/bridge"
	"kairu-assistant/internal/mangle"
	"kairu-assistant/internal/storage"
)

// ToggleTool sends TOGGLE_KAIRU through the control bridge.
type ToggleTool struct {
	bridge *bridge.Router
}

func (t *ToggleTool) Name() string { return "kairu-toggle" }
func (t *ToggleTool) Description() string {
	return `Show or hide the assistant on the current page.

While enabled, user clicks and key presses outside the assistant panel are
blocked; the assistant's own actions still go through. The flag is persisted.

Returns: {success, enabled}`
}
func (t *ToggleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "true to show and arm the gate, false to hide",
			},
		},
		"required": []string{"enabled"},
	}
}
func (t *ToggleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if !hasArg(args, "enabled") {
		return nil, bridge.ErrMissingEnabled
	}
	enabled := getBoolArg(args, "enabled", false)
	resp, err := t.bridge.Handle(ctx, bridge.Message{Type: bridge.TypeToggle, Enabled: &enabled})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": resp.Success != nil && *resp.Success, "enabled": enabled}, nil
}

// GetAPIKeyTool sends GET_API_KEY through the control bridge.
type GetAPIKeyTool struct {
	bridge *bridge.Router
}

func (t *GetAPIKeyTool) Name() string { return "kairu-get-api-key" }
func (t *GetAPIKeyTool) Description() string {
	return `Report whether a model API key is available.

The key is masked unless reveal is true. An environment fallback key counts as
available.

Returns: {hasKey, apiKey?}`
}
func (t *GetAPIKeyTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reveal": map[string]interface{}{
				"type":        "boolean",
				"description": "Return the full key instead of a masked one (default: false)",
			},
		},
	}
}
func (t *GetAPIKeyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	resp, err := t.bridge.Handle(ctx, bridge.Message{Type: bridge.TypeGetAPIKey})
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{"hasKey": resp.APIKey != ""}
	if resp.APIKey != "" {
		if getBoolArg(args, "reveal", false) {
			result["apiKey"] = resp.APIKey
		} else {
			result["apiKey"] = maskKey(resp.APIKey)
		}
	}
	return result, nil
}

// SaveAPIKeyTool sends SAVE_API_KEY through the control bridge.
type SaveAPIKeyTool struct {
	bridge *bridge.Router
}

func (t *SaveAPIKeyTool) Name() string { return "kairu-save-api-key" }
func (t *SaveAPIKeyTool) Description() string {
	return `Store the model API key. It takes effect on the next submit.

Returns: {success}`
}
func (t *SaveAPIKeyTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"api_key": map[string]interface{}{
				"type":        "string",
				"description": "API key for the chat-completion endpoint",
			},
		},
		"required": []string{"api_key"},
	}
}
func (t *SaveAPIKeyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	resp, err := t.bridge.Handle(ctx, bridge.Message{Type: bridge.TypeSaveAPIKey, APIKey: getStringArg(args, "api_key")})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": resp.Success != nil && *resp.Success}, nil
}

// SubmitTool runs one assistant turn.
type SubmitTool struct {
	session *assistant.Session
}

func (t *SubmitTool) Name() string { return "kairu-submit" }
func (t *SubmitTool) Description() string {
	return `Give the assistant a natural-language instruction for the current page.

The page is snapshotted, the model plans a list of actions (click, type,
navigate, scroll, back, forward, get_info) and they run one by one. A failed
action does not stop the rest. Only one submit runs at a time.

Returns: {turnId, message, fallback, actions, outcomes[{index, action, info, error}], failed, completed}`
}
func (t *SubmitTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"instruction": map[string]interface{}{
				"type":        "string",
				"description": "What to do, e.g. \"search for running shoes\"",
			},
			"include_raw": map[string]interface{}{
				"type":        "boolean",
				"description": "Include the raw model output (default: false)",
			},
		},
		"required": []string{"instruction"},
	}
}
func (t *SubmitTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	res, err := t.session.Submit(ctx, getStringArg(args, "instruction"))
	if err != nil {
		return nil, err
	}
	if !getBoolArg(args, "include_raw", false) {
		res.Raw = ""
	}
	return res, nil
}

// HistoryTool returns the conversation turns.
type HistoryTool struct {
	session *assistant.Session
}

func (t *HistoryTool) Name() string { return "kairu-history" }
func (t *HistoryTool) Description() string {
	return `Read the conversation sent to the model as history, oldest first.

Set include_chat to also get the visible chat transcript.`
}
func (t *HistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Only the most recent N turns (default: all)",
			},
			"include_chat": map[string]interface{}{
				"type":        "boolean",
				"description": "Include the chat transcript (default: false)",
			},
		},
	}
}
func (t *HistoryTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	turns := t.session.History()
	total := len(turns)
	if limit := getIntArg(args, "limit", 0); limit > 0 && limit < total {
		turns = turns[total-limit:]
	}
	result := map[string]interface{}{
		"turns":    turns,
		"count":    len(turns),
		"total":    total,
		"capacity": t.session.Status().HistoryCapacity,
	}
	if getBoolArg(args, "include_chat", false) {
		result["chat"] = t.session.Chat()
	}
	return result, nil
}

// ClearTool resets conversation, chat and execution log.
type ClearTool struct {
	session *assistant.Session
}

func (t *ClearTool) Name() string { return "kairu-clear" }
func (t *ClearTool) Description() string {
	return `Reset the conversation history, chat transcript and execution log.`
}
func (t *ClearTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ClearTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.session.ClearConversation(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "cleared"}, nil
}

// SnapshotTool shows what the planner would see.
type SnapshotTool struct {
	session *assistant.Session
}

func (t *SnapshotTool) Name() string { return "kairu-snapshot" }
func (t *SnapshotTool) Description() string {
	return `Capture the current page the way the planner sees it: URL, title, the
visible input and clickable elements, and the cleaned body markup.`
}
func (t *SnapshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"include_html": map[string]interface{}{
				"type":        "boolean",
				"description": "Include the cleaned markup (default: true)",
			},
			"max_html": map[string]interface{}{
				"type":        "integer",
				"description": "Cut the markup to this many bytes (default: no extra cut)",
			},
		},
	}
}
func (t *SnapshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	snap, err := t.session.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{
		"url":      snap.URL,
		"title":    snap.Title,
		"elements": snap.Elements,
	}
	if getBoolArg(args, "include_html", true) {
		html, cut := truncate(snap.HTML, getIntArg(args, "max_html", 0))
		result["html"] = html
		result["html_truncated"] = cut
	}
	return result, nil
}

// PositionTool reads or moves the assistant container.
type PositionTool struct {
	session *assistant.Session
}

func (t *PositionTool) Name() string { return "kairu-position" }
func (t *PositionTool) Description() string {
	return `Read or set the container offset from the bottom-right corner, in pixels.

Without arguments the saved position is returned. Requires
assistant.drag_enabled.`
}
func (t *PositionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"bottom": map[string]interface{}{"type": "integer"},
			"right":  map[string]interface{}{"type": "integer"},
		},
	}
}
func (t *PositionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if hasArg(args, "bottom") || hasArg(args, "right") {
		cur, _ := t.session.Position()
		pos := storage.Position{
			Bottom: getIntArg(args, "bottom", cur.Bottom),
			Right:  getIntArg(args, "right", cur.Right),
		}
		if err := t.session.SetPosition(ctx, pos); err != nil {
			return nil, err
		}
	}
	pos, ok := t.session.Position()
	if !ok {
		return map[string]interface{}{"saved": false}, nil
	}
	return map[string]interface{}{"saved": true, "bottom": pos.Bottom, "right": pos.Right}, nil
}

// PlanReportTool summarizes action outcomes from the plan journal.
type PlanReportTool struct {
	journal *mangle.Journal
}

func (t *PlanReportTool) Name() string { return "kairu-plan-report" }
func (t *PlanReportTool) Description() string {
	return `Report executed action outcomes from the plan journal.

Without arguments: outcome count, failed actions and degraded turns. With
turn_id: failures of that turn. With predicate: raw facts of any declared
predicate (action_outcome, action_failed, turn_degraded, or ones added by
journal.schema_path).`
}
func (t *PlanReportTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"turn_id":   map[string]interface{}{"type": "string"},
			"predicate": map[string]interface{}{"type": "string"},
		},
	}
}
func (t *PlanReportTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if !t.journal.Enabled() {
		return nil, mangle.ErrDisabled
	}
	if predicate := getStringArg(args, "predicate"); predicate != "" {
		facts, err := t.journal.Evaluate(ctx, predicate)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
	}
	if turn := getStringArg(args, "turn_id"); turn != "" {
		failures, err := t.journal.Failures(ctx, turn)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"turn_id": turn, "failures": failures, "degraded": len(failures) > 0}, nil
	}
	return t.journal.Report(ctx)
}

// StatusTool reports session and browser state.
type StatusTool struct {
	session *assistant.Session
	browser BrowserControl
}

func (t *StatusTool) Name() string { return "kairu-status" }
func (t *StatusTool) Description() string {
	return `Report assistant state: enabled, busy, status line, history size,
enabled actions, and the browser connection and current page.`
}
func (t *StatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *StatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	result := map[string]interface{}{"assistant": t.session.Status()}
	if t.browser == nil {
		return result, nil
	}
	b := map[string]interface{}{"connected": t.browser.IsConnected()}
	if url := t.browser.ControlURL(); url != "" {
		b["control_url"] = url
	}
	if sess, ok := t.browser.Session(); ok {
		b["page"] = sess
	}
	result["browser"] = b
	return result, nil
}
