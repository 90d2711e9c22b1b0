// Copyright 2025 James Ross

// Package llmgateway is the single chokepoint through which every pipeline
// component calls the configured LLM provider. It enforces JSON-mode
// requests, rate pacing, exponential backoff, and a circuit breaker so that
// no other package ever talks to the provider directly.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/AutumnsGrove/YearlyReview/internal/breaker"
	"github.com/AutumnsGrove/YearlyReview/internal/config"
	"github.com/AutumnsGrove/YearlyReview/internal/pipelineerrors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Message is one (role, content) turn in the chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallOptions configures a single Call beyond the message list.
type CallOptions struct {
	Temperature float64
	JSONMode    bool
}

// Gateway wraps an OpenAI-compatible chat-completions endpoint with rate
// pacing, backoff, and circuit breaking. It is safe for concurrent use by
// every worker in the process.
type Gateway struct {
	cfg        config.LLM
	httpClient *http.Client
	breaker    *breaker.CircuitBreaker
	minuteRate *rate.Limiter
	dailyRate  *rate.Limiter
	log        *zap.Logger
}

// New builds a Gateway from the llm config block. The breaker and both
// rate limiters are process-wide: every worker in this binary shares the
// same token buckets and trip state.
func New(cfg config.LLM, cb *breaker.CircuitBreaker, log *zap.Logger) *Gateway {
	minuteLimit := rate.Limit(float64(cfg.RateLimitPerMinute) / 60.0)
	dailyLimit := rate.Limit(float64(cfg.RateLimitPerDay) / 86400.0)
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breaker:    cb,
		minuteRate: rate.NewLimiter(minuteLimit, cfg.RateLimitPerMinute),
		dailyRate:  rate.NewLimiter(dailyLimit, cfg.RateLimitPerDay),
		log:        log,
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Call sends messages to the configured model and returns the raw text of
// the first completion. Callers are responsible for parsing and validating
// that text against the tier's expected schema.
func (g *Gateway) Call(ctx context.Context, messages []Message, opts CallOptions) (string, error) {
	if !g.breaker.Allow() {
		g.log.Warn("llm gateway call rejected: circuit breaker open")
		return "", pipelineerrors.New(pipelineerrors.TransientNetwork, "llmgateway.Call", fmt.Errorf("circuit breaker open"))
	}

	if err := g.minuteRate.Wait(ctx); err != nil {
		return "", pipelineerrors.New(pipelineerrors.TransientNetwork, "llmgateway.Call", err)
	}
	if err := g.dailyRate.Wait(ctx); err != nil {
		return "", pipelineerrors.New(pipelineerrors.TransientNetwork, "llmgateway.Call", err)
	}

	body, err := g.attempt(ctx, messages, opts)
	g.breaker.Record(err == nil)
	return body, err
}

func (g *Gateway) attempt(ctx context.Context, messages []Message, opts CallOptions) (string, error) {
	rateLimitHits := 0
	for attempt := 0; ; attempt++ {
		text, status, err := g.doRequest(ctx, messages, opts)
		if err == nil {
			return text, nil
		}

		if status == http.StatusTooManyRequests {
			rateLimitHits++
			g.log.Warn("llm gateway rate limited", zap.Int("attempt", attempt), zap.Int("rate_limit_hits", rateLimitHits))
			if rateLimitHits <= 2 {
				// the first two 429s on a call do not count against the
				// general retry ceiling
				if sleepErr := g.sleepBackoff(ctx, rateLimitHits-1); sleepErr != nil {
					return "", sleepErr
				}
				attempt--
				continue
			}
			if sleepErr := g.sleepBackoff(ctx, attempt); sleepErr != nil {
				return "", sleepErr
			}
			if attempt >= g.cfg.RetryCeiling {
				return "", pipelineerrors.New(pipelineerrors.RateLimited, "llmgateway.Call", err)
			}
			continue
		}

		if status >= 500 || status == 0 {
			if attempt >= g.cfg.RetryCeiling {
				return "", pipelineerrors.New(pipelineerrors.TransientNetwork, "llmgateway.Call", err)
			}
			if sleepErr := g.sleepBackoff(ctx, attempt); sleepErr != nil {
				return "", sleepErr
			}
			continue
		}

		// any other 4xx is permanent
		return "", pipelineerrors.New(pipelineerrors.PermanentJob, "llmgateway.Call", err)
	}
}

func (g *Gateway) sleepBackoff(ctx context.Context, attempt int) error {
	base := 2 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	cap := 60 * time.Second
	if d > cap {
		d = cap
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return pipelineerrors.New(pipelineerrors.TransientNetwork, "llmgateway.sleepBackoff", ctx.Err())
	case <-t.C:
		return nil
	}
}

// doRequest performs one HTTP round trip. status is 0 for a network-level
// failure (no HTTP response at all), which the caller treats like a 5xx.
func (g *Gateway) doRequest(ctx context.Context, messages []Message, opts CallOptions) (string, int, error) {
	reqBody := chatRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		Temperature: opts.Temperature,
	}
	if opts.JSONMode {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ZDR-Opt-In", "true")
	if key := os.Getenv(g.cfg.APIKeyEnv); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("llm provider returned status %d: %s", resp.StatusCode, truncate(respBody, 500))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", resp.StatusCode, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", resp.StatusCode, fmt.Errorf("chat completion response had no choices")
	}
	return parsed.Choices[0].Message.Content, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
