// Package planner sends the page snapshot, the conversation and a new
// instruction to a chat-completion endpoint and returns the raw reply.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"go.uber.org/zap"

	"kairu-assistant/internal/conversation"
	"kairu-assistant/internal/correlation"
	"kairu-assistant/internal/plan"
	"kairu-assistant/internal/snapshot"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-5-nano"
)

// ErrNoChoices is returned when a successful response carries no choices.
var ErrNoChoices = errors.New("model response has no choices")

// RequestError is a non-2xx response from the endpoint.
type RequestError struct {
	Status     int
	Body       string
	RequestIDs []correlation.Key
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("API request failed: %d - %s", e.Status, e.Body)
}

type request struct {
	Model    string                                   `json:"model"`
	Messages []openai.ChatCompletionMessageParamUnion `json:"messages"`
}

// Planner issues one request per call. It never retries.
type Planner struct {
	client  *http.Client
	baseURL string
	model   string
	system  string
	log     *zap.Logger
}

type Option func(*Planner)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Planner) { p.client = c }
}

func WithBaseURL(url string) Option {
	return func(p *Planner) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithModel(model string) Option {
	return func(p *Planner) { p.model = model }
}

// WithActions limits the vocabulary offered in the system prompt.
func WithActions(kinds []plan.Kind) Option {
	return func(p *Planner) { p.system = SystemPrompt(kinds) }
}

func New(log *zap.Logger, opts ...Option) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Planner{
		client:  &http.Client{Timeout: 2 * time.Minute},
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		system:  SystemPrompt(plan.AllKinds),
		log:     log.Named("planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Planner) Model() string { return p.model }

// EstimateTokens approximates the token count of a request body as one token
// per four bytes, rounded up.
func EstimateTokens(body []byte) int {
	return (len(body) + 3) / 4
}

// Plan asks the model what to do with instruction. history must not already
// contain instruction. The first choice's content is returned verbatim.
func (p *Planner) Plan(ctx context.Context, apiKey, instruction string, history []conversation.Turn, snap snapshot.Snapshot) (string, error) {
	body, err := json.Marshal(request{
		Model:    p.model,
		Messages: BuildMessages(p.system, instruction, history, snap),
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	p.log.Info("sending planning request",
		zap.String("model", p.model),
		zap.Int("history", len(history)),
		zap.Int("approx_tokens", EstimateTokens(body)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("planning request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	keys := correlation.FromHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		keys = append(keys, correlation.FromBody(string(respBody))...)
		p.log.Error("planning request failed",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
			correlation.Field(keys))
		return "", &RequestError{Status: resp.StatusCode, Body: string(respBody), RequestIDs: keys}
	}

	var completion openai.ChatCompletion
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		p.log.Warn("empty completion", correlation.Field(keys))
		return "", ErrNoChoices
	}

	content := completion.Choices[0].Message.Content
	p.log.Debug("planning response received",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("chars", len(content)),
		correlation.Field(keys))
	return content, nil
}
