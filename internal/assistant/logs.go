package assistant

import (
	"context"
	"errors"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"kairu-assistant/internal/conversation"
	"kairu-assistant/internal/storage"
)

// Log levels of execution log entries.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"
	LevelWarning = "warning"
)

// RoleSystem marks chat messages that are shown but never persisted.
const RoleSystem = "system"

// DefaultExecLogLimit is the number of execution log entries kept.
const DefaultExecLogLimit = 100

// ExecLog is the execution log rendered as HTML fragments. Entries are escaped
// on the way in, so the stored markup is safe to mount as-is.
type ExecLog struct {
	mu      sync.Mutex
	entries []string
	limit   int
	kv      conversation.KV
	log     *zap.Logger
	now     func() time.Time
}

func newExecLog(kv conversation.KV, limit int, log *zap.Logger) *ExecLog {
	if limit <= 0 {
		limit = DefaultExecLogLimit
	}
	return &ExecLog{kv: kv, limit: limit, log: log, now: time.Now}
}

// Add appends a timestamped entry.
func (l *ExecLog) Add(ctx context.Context, level, message string) error {
	entry := `<div class="log-entry ` + level + `"><span class="log-time">[` +
		l.now().Format("15:04:05") + `]</span> ` + html.EscapeString(message) + `</div>`
	return l.push(ctx, entry)
}

// AddRaw appends a titled block of verbatim text, such as model output or
// page markup.
func (l *ExecLog) AddRaw(ctx context.Context, title, content string) error {
	entry := `<div class="log-entry info"><strong>` + html.EscapeString(title) +
		`</strong><div class="log-raw">` + html.EscapeString(content) + `</div></div>`
	return l.push(ctx, entry)
}

func (l *ExecLog) push(ctx context.Context, entry string) error {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.limit; over > 0 {
		l.entries = append([]string(nil), l.entries[over:]...)
	}
	markup := strings.Join(l.entries, "")
	l.mu.Unlock()
	return l.save(ctx, markup)
}

// Clear empties the log and deletes the persisted copy.
func (l *ExecLog) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
	if l.kv == nil {
		return nil
	}
	return absorb(l.log, "clear execution log", l.kv.Remove(ctx, storage.NamespaceLocal, storage.KeyLogs))
}

// HTML returns the rendered log.
func (l *ExecLog) HTML() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.entries, "")
}

func (l *ExecLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *ExecLog) save(ctx context.Context, markup string) error {
	if l.kv == nil {
		return nil
	}
	return absorb(l.log, "save execution log", l.kv.Set(ctx, storage.NamespaceLocal, storage.KeyLogs, []byte(markup)))
}

// Restore reloads persisted entries, keeping the most recent ones.
func (l *ExecLog) Restore(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}
	raw, err := l.kv.Get(ctx, storage.NamespaceLocal, storage.KeyLogs)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return absorb(l.log, "restore execution log", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw)))
	if err != nil {
		l.log.Warn("discarding unreadable execution log", zap.Error(err))
		return nil
	}
	var entries []string
	doc.Find("div.log-entry").Each(func(_ int, s *goquery.Selection) {
		if markup, err := goquery.OuterHtml(s); err == nil {
			entries = append(entries, markup)
		}
	})
	if over := len(entries) - l.limit; over > 0 {
		entries = entries[over:]
	}
	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return nil
}

// ChatMessage is one rendered chat bubble.
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ChatLog is the visible chat transcript. System messages are shown but left
// out of the persisted markup.
type ChatLog struct {
	mu       sync.Mutex
	messages []ChatMessage
	kv       conversation.KV
	log      *zap.Logger
}

func newChatLog(kv conversation.KV, log *zap.Logger) *ChatLog {
	return &ChatLog{kv: kv, log: log}
}

// Add appends a message and persists the transcript unless role is system.
func (c *ChatLog) Add(ctx context.Context, role, text string) error {
	c.mu.Lock()
	c.messages = append(c.messages, ChatMessage{Role: role, Text: text})
	persisted := renderChat(c.messages, false)
	c.mu.Unlock()
	if role == RoleSystem {
		return nil
	}
	return c.save(ctx, persisted)
}

// Clear empties the transcript and persists the empty state.
func (c *ChatLog) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
	return c.save(ctx, "")
}

func (c *ChatLog) Messages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// HTML renders every message, system ones included.
func (c *ChatLog) HTML() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return renderChat(c.messages, true)
}

func renderChat(msgs []ChatMessage, withSystem bool) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role == RoleSystem && !withSystem {
			continue
		}
		b.WriteString(`<div class="chat-message `)
		b.WriteString(m.Role)
		b.WriteString(`">`)
		b.WriteString(html.EscapeString(m.Text))
		b.WriteString(`</div>`)
	}
	return b.String()
}

func (c *ChatLog) save(ctx context.Context, markup string) error {
	if c.kv == nil {
		return nil
	}
	return absorb(c.log, "save chat history", c.kv.Set(ctx, storage.NamespaceLocal, storage.KeyChatHistory, []byte(markup)))
}

// Restore rebuilds the transcript from persisted markup.
func (c *ChatLog) Restore(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}
	raw, err := c.kv.Get(ctx, storage.NamespaceLocal, storage.KeyChatHistory)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return absorb(c.log, "restore chat history", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw)))
	if err != nil {
		c.log.Warn("discarding unreadable chat history", zap.Error(err))
		return nil
	}
	var msgs []ChatMessage
	doc.Find("div.chat-message").Each(func(_ int, s *goquery.Selection) {
		role := conversation.RoleAssistant
		if s.HasClass(conversation.RoleUser) {
			role = conversation.RoleUser
		}
		msgs = append(msgs, ChatMessage{Role: role, Text: s.Text()})
	})
	c.mu.Lock()
	c.messages = msgs
	c.mu.Unlock()
	return nil
}

// absorb logs storage failures and drops them, except context invalidation.
func absorb(log *zap.Logger, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrContextInvalidated) {
		return err
	}
	log.Warn(op+" failed", zap.Error(err))
	return nil
}
