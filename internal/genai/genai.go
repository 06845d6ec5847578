// Package genai provides the coaching assistant's chat-completion client: local
// rate limiting, input sanitization, prompt assembly and retry with exponential
// backoff on top of the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client defaults
const (
	DefaultModel       = "gpt-3.5-turbo"
	DefaultTemperature = 0.7
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = time.Second
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Request is one assistant turn. Message and Transcript are user-supplied and
// sanitized; StepContext is system-authored and passed through unchanged.
type Request struct {
	Message     string
	Transcript  string
	StepContext string
}

// Client wraps the OpenAI chat completion service for coaching replies.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxRetries  int
	baseDelay   time.Duration
	policy      SanitizePolicy
	limiter     *RateLimiter
	metrics     *Metrics
	sleep       func(ctx context.Context, d time.Duration) error
	debugMode   bool
	stateDir    string
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxRetries  int
	BaseDelay   time.Duration
	Policy      SanitizePolicy
	Limiter     *RateLimiter
	Metrics     *Metrics
	DebugMode   bool
	StateDir    string
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. It falls back to OPENAI_API_KEY when empty.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxRetries sets the number of attempts per response.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithBaseDelay sets the backoff unit; attempt k waits BaseDelay * 2^k.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Opts) { o.BaseDelay = d }
}

// WithSanitizePolicy selects the sanitization character class.
func WithSanitizePolicy(p SanitizePolicy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithLimiter shares a rate limiter between clients.
func WithLimiter(l *RateLimiter) Option {
	return func(o *Opts) { o.Limiter = l }
}

// WithMetrics records client activity.
func WithMetrics(m *Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithDebugMode writes every provider call to StateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// NewClient builds a client. A missing API key is not fatal here: every attempt
// then fails with ErrMissingAPIKey and the retry policy applies.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxRetries:  DefaultMaxRetries,
		BaseDelay:   DefaultBaseDelay,
		Policy:      SanitizeUnicode,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("max retries must be at least 1, got %d", cfg.MaxRetries)
	}
	if cfg.Policy != SanitizeUnicode && cfg.Policy != SanitizeASCII {
		return nil, fmt.Errorf("unknown sanitize policy %q", cfg.Policy)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(DefaultLimiterCapacity, DefaultRefillInterval)
	}

	c := &Client{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		baseDelay:   cfg.BaseDelay,
		policy:      cfg.Policy,
		limiter:     cfg.Limiter,
		metrics:     cfg.Metrics,
		sleep:       sleepContext,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}
	if cfg.APIKey == "" {
		slog.Warn("Client.NewClient: OPENAI_API_KEY not set, AI responses will fail")
		return c, nil
	}
	// Retries are handled by GetResponse.
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0))
	c.chat = completionsAdapter{svc: &cli.Chat.Completions}
	slog.Debug("Client.NewClient: client created", "model", c.model, "maxRetries", c.maxRetries, "policy", c.policy)
	return c, nil
}

// Model returns the configured chat model.
func (c *Client) Model() string {
	return c.model
}

// Limiter returns the client's rate limiter.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

// GetResponse produces the assistant's reply to req under settings. The rate
// limit is checked once; provider failures are retried with exponential backoff
// and only the final failure is returned, as *ExhaustedRetriesError.
func (c *Client) GetResponse(ctx context.Context, req Request, settings models.AISettings) (string, error) {
	if err := c.limiter.CheckLimit(); err != nil {
		c.metrics.incThrottle(c.model)
		slog.Warn("Client.GetResponse: rate limited")
		return "", err
	}

	message := Sanitize(req.Message, c.policy)
	transcript := Sanitize(req.Transcript, c.policy)
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(BuildSystemPrompt(settings, transcript)),
			openai.UserMessage(BuildUserTurn(req.StepContext, message)),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(int64(MaxTokensFor(settings.ResponseLength))),
	}
	slog.Debug("Client.GetResponse: calling provider", "transcriptLength", len(transcript), "messageLength", len(message))

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		content, err := c.complete(ctx, params)
		if err == nil {
			c.metrics.observeRequest(c.model, true, time.Since(start))
			return content, nil
		}
		lastErr = err
		slog.Warn("Client.GetResponse: attempt failed", "attempt", attempt, "maxRetries", c.maxRetries, "error", err)
		if ctx.Err() != nil {
			c.metrics.observeRequest(c.model, false, time.Since(start))
			return "", ctx.Err()
		}
		if attempt == c.maxRetries {
			break
		}
		delay := c.baseDelay * time.Duration(1<<attempt)
		slog.Debug("Client.GetResponse: retrying", "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			c.metrics.observeRequest(c.model, false, time.Since(start))
			return "", err
		}
	}

	c.metrics.observeRequest(c.model, false, time.Since(start))
	slog.Error("Client.GetResponse: retries exhausted", "attempts", c.maxRetries, "error", lastErr)
	return "", &ExhaustedRetriesError{Attempts: c.maxRetries, Err: lastErr}
}

// complete performs a single provider call.
func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	if c.chat == nil {
		return "", ErrMissingAPIKey
	}
	resp, err := c.chat.Create(ctx, params)
	c.logDebugInteraction("GetResponse", params, resp, err)
	if err != nil {
		c.metrics.observeAttempt(c.model, false, 0, 0)
		return "", err
	}
	c.metrics.observeAttempt(c.model, true, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return NoResponseGenerated, nil
	}
	return resp.Choices[0].Message.Content, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// logDebugInteraction writes one provider call to StateDir/debug when debug mode is on.
func (c *Client) logDebugInteraction(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	debugDir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0o755); err != nil {
		slog.Warn("Client.logDebugInteraction: failed to create debug dir", "error", err)
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.logDebugInteraction: failed to marshal entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().UTC().Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(debugDir, name), data, 0o600); err != nil {
		slog.Warn("Client.logDebugInteraction: failed to write entry", "error", err)
	}
}
