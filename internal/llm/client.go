// Package llm calls the chat-completion downstream that voices the site
// creature.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/eldtechnologies/backchannel/internal/metrics"
)

var (
	// ErrNotConfigured means no API key is set.
	ErrNotConfigured = errors.New("llm not configured")
	// ErrUpstream means the downstream failed or returned nothing usable.
	ErrUpstream = errors.New("llm upstream error")
	// ErrUnavailable means the breaker is open after repeated failures.
	ErrUnavailable = errors.New("llm temporarily unavailable")
	// ErrTimeout means the downstream did not answer within the deadline.
	ErrTimeout = errors.New("llm timeout")
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 10 * time.Second

	maxThoughtLen = 65
	minCutLen     = 40
)

var moods = map[string]bool{
	"happy":   true,
	"curious": true,
	"tired":   true,
	"excited": true,
	"sleepy":  true,
}

// Thinker produces a creature thought for a visitor.
type Thinker interface {
	Think(ctx context.Context, req ThinkRequest) (Thought, error)
}

// Thought is the sanitized downstream answer.
type Thought struct {
	Thought string `json:"thought"`
	Mood    string `json:"mood"`
}

// Config configures the client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client is a Thinker backed by an OpenAI-compatible API behind a circuit
// breaker.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

var _ Thinker = (*Client)(nil)

// NewClient creates a client. With an empty API key every call fails with
// ErrNotConfigured.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "llm").Logger(),
	}

	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		c.api = openai.NewClientWithConfig(oc)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("llm breaker state changed")
		},
	})

	return c
}

// Think asks the downstream for a thought, bounded by the client timeout.
func (c *Client) Think(ctx context.Context, req ThinkRequest) (Thought, error) {
	if c.api == nil {
		metrics.LLMRequests.WithLabelValues("not_configured").Inc()
		return Thought{}, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, req)
	})
	metrics.LLMLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		err = c.classify(ctx, err)
		c.logger.Warn().Err(err).Str("visitor_id", req.VisitorID).Msg("llm call failed")
		return Thought{}, err
	}

	metrics.LLMRequests.WithLabelValues("ok").Inc()
	return out.(Thought), nil
}

func (c *Client) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.LLMRequests.WithLabelValues("breaker_open").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		metrics.LLMRequests.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		metrics.LLMRequests.WithLabelValues("error").Inc()
		if errors.Is(err, ErrUpstream) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}

func (c *Client) complete(ctx context.Context, req ThinkRequest) (Thought, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
		Temperature: 0.95,
	})
	if err != nil {
		return Thought{}, err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Thought{}, fmt.Errorf("%w: empty response", ErrUpstream)
	}
	return ParseThought(resp.Choices[0].Message.Content), nil
}

// ParseThought extracts a thought from the model output. JSON output is
// preferred; anything else is used as plain text with a curious mood.
func ParseThought(content string) Thought {
	var parsed Thought
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err == nil {
		mood := parsed.Mood
		if !moods[mood] {
			mood = "curious"
		}
		return Thought{Thought: clip(parsed.Thought), Mood: mood}
	}

	text := strings.NewReplacer("{", "", "}", "", `"`, "").Replace(content)
	return Thought{Thought: clip(strings.TrimSpace(text)), Mood: "curious"}
}

// clip caps a thought at maxThoughtLen, cutting at the last word boundary
// when that keeps enough of it.
func clip(s string) string {
	r := []rune(s)
	if len(r) < maxThoughtLen {
		return s
	}
	cut := string(r[:maxThoughtLen])
	if i := strings.LastIndex(cut, " "); i > minCutLen {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
