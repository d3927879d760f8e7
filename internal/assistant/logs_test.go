package assistant

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kairu-assistant/internal/conversation"
	"kairu-assistant/internal/storage"
)

func fixedClock() time.Time { return time.Date(2026, 1, 2, 9, 5, 7, 0, time.UTC) }

func TestExecLogEscapesAndTrims(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	l := newExecLog(store, 3, zap.NewNop())
	l.now = fixedClock

	require.NoError(t, l.Add(ctx, LevelInfo, `<img src=x onerror="alert(1)">`))
	assert.Equal(t,
		`<div class="log-entry info"><span class="log-time">[09:05:07]</span> &lt;img src=x onerror=&#34;alert(1)&#34;&gt;</div>`,
		l.HTML())

	for _, msg := range []string{"two", "three", "four"} {
		require.NoError(t, l.Add(ctx, LevelSuccess, msg))
	}
	assert.Equal(t, 3, l.Len())
	assert.NotContains(t, l.HTML(), "img")
	assert.True(t, strings.HasSuffix(l.HTML(), "four</div>"))

	raw, err := store.Get(ctx, storage.NamespaceLocal, storage.KeyLogs)
	require.NoError(t, err)
	assert.Equal(t, l.HTML(), string(raw))
}

func TestExecLogRestoreKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	full := newExecLog(store, 10, zap.NewNop())
	full.now = fixedClock
	for _, msg := range []string{"a", "b", "c", "d"} {
		require.NoError(t, full.Add(ctx, LevelInfo, msg))
	}
	require.NoError(t, full.AddRaw(ctx, "AI response (raw)", `{"message":"<b>"}`))

	small := newExecLog(store, 2, zap.NewNop())
	require.NoError(t, small.Restore(ctx))
	assert.Equal(t, 2, small.Len())
	assert.Contains(t, small.HTML(), "[09:05:07]</span> d</div>")
	assert.Contains(t, small.HTML(), `<div class="log-raw">{&#34;message&#34;:&#34;&lt;b&gt;&#34;}</div>`)

	require.NoError(t, small.Clear(ctx))
	_, err := store.Get(ctx, storage.NamespaceLocal, storage.KeyLogs)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChatLogSkipsSystemMessagesWhenSaving(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	c := newChatLog(store, zap.NewNop())

	require.NoError(t, c.Add(ctx, conversation.RoleUser, "open <the> menu"))
	require.NoError(t, c.Add(ctx, RoleSystem, "reloaded"))
	require.NoError(t, c.Add(ctx, conversation.RoleAssistant, "done"))

	assert.Contains(t, c.HTML(), `<div class="chat-message system">reloaded</div>`)
	raw, err := store.Get(ctx, storage.NamespaceLocal, storage.KeyChatHistory)
	require.NoError(t, err)
	assert.Equal(t,
		`<div class="chat-message user">open &lt;the&gt; menu</div><div class="chat-message assistant">done</div>`,
		string(raw))

	restored := newChatLog(store, zap.NewNop())
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, []ChatMessage{
		{Role: conversation.RoleUser, Text: "open <the> menu"},
		{Role: conversation.RoleAssistant, Text: "done"},
	}, restored.Messages())

	require.NoError(t, restored.Clear(ctx))
	raw, err = store.Get(ctx, storage.NamespaceLocal, storage.KeyChatHistory)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestLogsSurfaceOnlyInvalidation(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	l := newExecLog(store, 10, zap.NewNop())
	require.NoError(t, store.Close())

	err := l.Add(ctx, LevelInfo, "after close")
	assert.ErrorIs(t, err, storage.ErrContextInvalidated)
	// The entry is still shown.
	assert.Equal(t, 1, l.Len())

	assert.NoError(t, absorb(zap.NewNop(), "save", assert.AnError))
}
