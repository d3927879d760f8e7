package mcp

import (
	"context"
	"fmt"
)

// LaunchBrowserTool starts Chrome using the configured launch command.
type LaunchBrowserTool struct {
	browser  BrowserControl
	startURL string
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start (or attach to) the Chrome instance the assistant lives in.

CALL THIS FIRST. Idempotent: safe to call if already running.
When browser.start_url is configured, that page is opened with the
assistant mounted.

Returns: {status: "started"|"already_connected", control_url, session?}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.browser.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.browser.ControlURL(),
		}, nil
	}

	if err := t.browser.Start(ctx); err != nil {
		return nil, err
	}
	result := map[string]interface{}{
		"status":      "started",
		"control_url": t.browser.ControlURL(),
	}
	if t.startURL != "" {
		sess, err := t.browser.Open(ctx, t.startURL)
		if err != nil {
			return nil, fmt.Errorf("open start page: %w", err)
		}
		result["session"] = sess
	}
	return result, nil
}

// OpenPageTool replaces the assisted page.
type OpenPageTool struct {
	browser BrowserControl
}

func (t *OpenPageTool) Name() string { return "open-page" }
func (t *OpenPageTool) Description() string {
	return `Open a URL as the page the assistant operates on.

The previous page is closed. The assistant container and interaction gate are
installed before the page loads, and the saved chat, log and toggle state are
rendered into it. Starts the browser if it is not running yet.

Returns: {session: {id, url, title}}`
}
func (t *OpenPageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to open",
			},
		},
		"required": []string{"url"},
	}
}
func (t *OpenPageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !t.browser.IsConnected() {
		if err := t.browser.Start(ctx); err != nil {
			return nil, err
		}
	}
	sess, err := t.browser.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance.
type ShutdownBrowserTool struct {
	browser BrowserControl
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Close the assisted page and stop Chrome.

Conversation, chat, log and key storage are kept; they are restored into the
next opened page.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.browser.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}
