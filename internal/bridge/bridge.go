// Package bridge routes the typed control messages exchanged between the host
// (popup, CLI, MCP client) and the assistant: API key storage and the
// enable toggle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kairu-assistant/internal/storage"
)

// Message types.
const (
	TypeGetAPIKey  = "GET_API_KEY"
	TypeSaveAPIKey = "SAVE_API_KEY"
	TypeToggle     = "TOGGLE_KAIRU"
)

var (
	// ErrUnknownType is returned for a message type the router does not handle.
	ErrUnknownType = errors.New("unknown message type")
	// ErrEmptyKey rejects saving a blank API key.
	ErrEmptyKey = errors.New("api key is empty")
	// ErrMissingEnabled rejects a toggle without the enabled field.
	ErrMissingEnabled = errors.New("toggle message needs enabled")
)

// Message is a request sent to the router.
type Message struct {
	Type    string `json:"type"`
	APIKey  string `json:"apiKey,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Response answers a Message. GET_API_KEY fills APIKey when a key exists; the
// other types set Success.
type Response struct {
	APIKey  string `json:"apiKey,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

// Secrets is the synced key/value area the API key lives in.
type Secrets interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
}

// Toggler shows or hides the assistant and persists the flag.
type Toggler interface {
	SetEnabled(ctx context.Context, enabled bool) error
}

// Option configures a Router.
type Option func(*Router)

// WithFallback sets a source consulted when no key is stored, typically an
// environment variable.
func WithFallback(fn func() string) Option {
	return func(r *Router) { r.fallback = fn }
}

// Router dispatches control messages.
type Router struct {
	secrets  Secrets
	toggler  Toggler
	fallback func() string
	log      *zap.Logger
}

func NewRouter(secrets Secrets, toggler Toggler, log *zap.Logger, opts ...Option) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{secrets: secrets, toggler: toggler, log: log.Named("bridge")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetToggler attaches the toggle target once it exists.
func (r *Router) SetToggler(t Toggler) { r.toggler = t }

// Handle dispatches msg.
func (r *Router) Handle(ctx context.Context, msg Message) (Response, error) {
	switch msg.Type {
	case TypeGetAPIKey:
		key, err := r.loadKey(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{APIKey: key}, nil

	case TypeSaveAPIKey:
		key := strings.TrimSpace(msg.APIKey)
		if key == "" {
			return Response{Success: boolPtr(false)}, ErrEmptyKey
		}
		if err := r.secrets.Set(ctx, storage.NamespaceSync, storage.KeyAPIKey, []byte(key)); err != nil {
			return Response{Success: boolPtr(false)}, fmt.Errorf("save api key: %w", err)
		}
		r.log.Info("api key saved")
		return Response{Success: boolPtr(true)}, nil

	case TypeToggle:
		if msg.Enabled == nil {
			return Response{Success: boolPtr(false)}, ErrMissingEnabled
		}
		if r.toggler == nil {
			return Response{Success: boolPtr(false)}, errors.New("no assistant to toggle")
		}
		if err := r.toggler.SetEnabled(ctx, *msg.Enabled); err != nil {
			return Response{Success: boolPtr(false)}, fmt.Errorf("toggle assistant: %w", err)
		}
		return Response{Success: boolPtr(true)}, nil

	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

func (r *Router) loadKey(ctx context.Context) (string, error) {
	raw, err := r.secrets.Get(ctx, storage.NamespaceSync, storage.KeyAPIKey)
	switch {
	case err == nil && len(raw) > 0:
		return string(raw), nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("read api key: %w", err)
	}
	if r.fallback != nil {
		if key := r.fallback(); key != "" {
			r.log.Debug("using fallback api key")
			return key, nil
		}
	}
	return "", nil
}

// APIKey answers a GET_API_KEY round trip. An empty key means none is set.
func (r *Router) APIKey(ctx context.Context) (string, error) {
	resp, err := r.Handle(ctx, Message{Type: TypeGetAPIKey})
	if err != nil {
		return "", err
	}
	return resp.APIKey, nil
}

func boolPtr(b bool) *bool { return &b }
