// Package conversation keeps the bounded user/assistant turn log that is
// replayed to the model on every request.
package conversation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"kairu-assistant/internal/storage"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultCapacity is the number of turns kept when no capacity is configured.
const DefaultCapacity = 1000

// Turn is one message of the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// KV is the subset of storage the store persists through.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Remove(ctx context.Context, namespace, key string) error
}

// Store is a FIFO log of turns capped at a fixed capacity. Every mutation is
// persisted. Persistence failures are logged and dropped, except
// storage.ErrContextInvalidated which is returned.
type Store struct {
	mu       sync.Mutex
	turns    []Turn
	capacity int
	kv       KV
	log      *zap.Logger
}

func NewStore(kv KV, capacity int, log *zap.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: kv, capacity: capacity, log: log.Named("conversation")}
}

func (s *Store) Capacity() int { return s.capacity }

// Append adds turn at the end, evicts the oldest turns beyond capacity and
// persists the result.
func (s *Store) Append(ctx context.Context, turn Turn) error {
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	if over := len(s.turns) - s.capacity; over > 0 {
		s.turns = append([]Turn(nil), s.turns[over:]...)
	}
	s.mu.Unlock()
	return s.Persist(ctx)
}

// Load returns a copy of the turns, oldest first.
func (s *Store) Load() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Clear drops every turn and the persisted copy.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.turns = nil
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	return s.absorb("clear", s.kv.Remove(ctx, storage.NamespaceLocal, storage.KeyConversation))
}

// Persist writes the full sequence to storage.
func (s *Store) Persist(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	s.mu.Lock()
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	s.mu.Unlock()
	return s.absorb("persist", storage.SetJSON(ctx, s.kv, storage.NamespaceLocal, storage.KeyConversation, turns))
}

// Restore replaces the in-memory turns with the persisted sequence. A missing
// or unreadable entry leaves the store empty.
func (s *Store) Restore(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	var turns []Turn
	err := storage.GetJSON(ctx, s.kv, storage.NamespaceLocal, storage.KeyConversation, &turns)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return s.absorb("restore", err)
	}
	if over := len(turns) - s.capacity; over > 0 {
		turns = turns[over:]
	}

	s.mu.Lock()
	s.turns = turns
	s.mu.Unlock()
	s.log.Debug("conversation restored", zap.Int("turns", len(turns)))
	return nil
}

func (s *Store) absorb(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrContextInvalidated) {
		return err
	}
	s.log.Warn("conversation storage failed", zap.String("op", op), zap.Error(err))
	return nil
}
