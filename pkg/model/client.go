package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// Result is a completed model call.
type Result struct {
	Text      string
	Usage     map[string]interface{}
	LatencyMS float64
}

// Caller is the worker's view of the upstream chat-completion service: an
// opaque (config, prompt) → (text, usage, latency) function.
type Caller interface {
	Call(ctx context.Context, cfg types.ModelConfig, prompt string) (*Result, error)
}

// Config holds client construction options.
type Config struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	Timeout    time.Duration // per attempt
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	config Config
	client *http.Client
}

// NewClient creates a chat-completion client with pooled connections.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		config: cfg,
		client: &http.Client{Transport: transport},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage"`
}

// Call invokes the model with up to MaxRetries attempts and exponential
// backoff between transient failures. The per-attempt timeout comes from
// the resolved config's timeout_seconds, falling back to the client
// default; ctx carries the caller's hard timeout.
func (c *Client) Call(ctx context.Context, cfg types.ModelConfig, prompt string) (*Result, error) {
	retries := int(cfg.FloatField("retries", float64(c.config.MaxRetries)))
	if retries < 1 {
		retries = 1
	}
	attemptTimeout := c.config.Timeout
	if secs := cfg.FloatField("timeout_seconds", 0); secs > 0 {
		attemptTimeout = time.Duration(secs * float64(time.Second))
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		res, err := c.call(ctx, cfg, prompt, attemptTimeout)
		if err == nil {
			res.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, cfg types.ModelConfig, prompt string, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       cfg.Model(),
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: cfg.FloatField("temperature", 0.2),
		MaxTokens:   int(cfg.FloatField("max_tokens", 800)),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	usage := cr.Usage
	if usage == nil {
		usage = map[string]interface{}{}
	}
	return &Result{Text: cr.Choices[0].Message.Content, Usage: usage}, nil
}
