package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestSetGetRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Get(ctx, NamespaceLocal, KeyLogs)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, NamespaceLocal, KeyLogs, []byte("<div>one</div>")))
	got, err := s.Get(ctx, NamespaceLocal, KeyLogs)
	require.NoError(t, err)
	assert.Equal(t, "<div>one</div>", string(got))

	require.NoError(t, s.Set(ctx, NamespaceLocal, KeyLogs, []byte("<div>two</div>")))
	got, err = s.Get(ctx, NamespaceLocal, KeyLogs)
	require.NoError(t, err)
	assert.Equal(t, "<div>two</div>", string(got))

	require.NoError(t, s.Remove(ctx, NamespaceLocal, KeyLogs))
	_, err = s.Get(ctx, NamespaceLocal, KeyLogs)
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing twice is fine.
	require.NoError(t, s.Remove(ctx, NamespaceLocal, KeyLogs))
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Set(ctx, NamespaceSync, KeyAPIKey, []byte("sk-test")))
	_, err := s.Get(ctx, NamespaceLocal, KeyAPIKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	conversation := []map[string]string{
		{"role": "user", "content": "検索して"},
		{"role": "assistant", "content": `{"message":"ok","actions":[]}`},
	}
	cases := []struct {
		key   string
		value interface{}
	}{
		{KeyConversation, conversation},
		{KeyEnabled, true},
		{KeyPosition, Position{Bottom: 24, Right: 310}},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			want, err := json.Marshal(tc.value)
			require.NoError(t, err)

			require.NoError(t, SetJSON(ctx, s, NamespaceLocal, tc.key, tc.value))
			got, err := s.Get(ctx, NamespaceLocal, tc.key)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	var pos Position
	require.NoError(t, GetJSON(ctx, s, NamespaceLocal, KeyPosition, &pos))
	assert.Equal(t, Position{Bottom: 24, Right: 310}, pos)
}

func TestGetJSONReportsCorruptValues(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	var pos Position
	assert.ErrorIs(t, GetJSON(ctx, s, NamespaceLocal, KeyPosition, &pos), ErrNotFound)

	require.NoError(t, s.Set(ctx, NamespaceLocal, KeyPosition, []byte("{bottom")))
	err = GetJSON(ctx, s, NamespaceLocal, KeyPosition, &pos)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "local/"+KeyPosition)
}

func TestClosedStoreReportsContextInvalidated(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.True(t, s.Valid())
	require.NoError(t, s.Close())

	assert.False(t, s.Valid())
	_, err = s.Get(ctx, NamespaceLocal, KeyEnabled)
	assert.ErrorIs(t, err, ErrContextInvalidated)
	assert.ErrorIs(t, s.Set(ctx, NamespaceLocal, KeyEnabled, []byte("true")), ErrContextInvalidated)
	assert.ErrorIs(t, s.Remove(ctx, NamespaceLocal, KeyEnabled), ErrContextInvalidated)
	assert.ErrorIs(t, SetJSON(ctx, s, NamespaceLocal, KeyEnabled, true), ErrContextInvalidated)

	// Closing again is a no-op.
	assert.NoError(t, s.Close())
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "kairu.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, SetJSON(ctx, s, NamespaceLocal, KeyEnabled, true))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	var enabled bool
	require.NoError(t, GetJSON(ctx, reopened, NamespaceLocal, KeyEnabled, &enabled))
	assert.True(t, enabled)
	assert.Equal(t, path, reopened.Path())
}
