package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/miradorstack/mirador-autopilot/internal/metrics"
)

// Config selects and tunes the OpenAI-compatible backend.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float32
	// FailureThreshold consecutive failures open the breaker for OpenInterval.
	FailureThreshold uint32
	OpenInterval     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.OpenInterval <= 0 {
		c.OpenInterval = time.Minute
	}
}

// New returns an OpenAI analyzer when an API key is configured and Unavailable otherwise.
func New(cfg Config, logger *slog.Logger) Analyzer {
	a, err := NewOpenAIAnalyzer(cfg, logger)
	if err != nil {
		if logger != nil {
			logger.Info("analysis backend disabled", slog.String("reason", err.Error()))
		}
		return Unavailable{}
	}
	return a
}

// OpenAIAnalyzer calls a chat-completions endpoint behind a circuit breaker.
type OpenAIAnalyzer struct {
	client  *openai.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewOpenAIAnalyzer builds the client. An empty API key is an error.
func NewOpenAIAnalyzer(cfg Config, logger *slog.Logger) (*OpenAIAnalyzer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("analysis api key not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "analysis",
		MaxRequests: 1,
		Timeout:     cfg.OpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("analysis breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	logger.Info("analysis backend enabled", slog.String("model", cfg.Model))
	return &OpenAIAnalyzer{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Available reports whether the breaker currently admits calls.
func (a *OpenAIAnalyzer) Available() bool {
	return a.breaker.State() != gobreaker.StateOpen
}

// Analyze sends one chat completion. Breaker rejections surface as ErrUnavailable.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	out, err := a.breaker.Execute(func() (interface{}, error) {
		resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: a.cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("completion returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeError)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		a.logger.Warn("analysis call failed", slog.Any("error", err))
		return "", fmt.Errorf("analysis call: %w", err)
	}
	metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeSuccess)
	return strings.TrimSpace(out.(string)), nil
}
