// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llmoracle implements the discovery oracles on top of an
// OpenAI-compatible chat completion API.
//
// Generator proposes child hypotheses, BeliefGatherer elicits a probability
// that a hypothesis holds, and Planner maps hypotheses to dataset plans.
// Every model reply is requested as a JSON object; replies that do not
// parse are reported as oracle.ErrOracleMalformedResponse so the guard can
// re-request them.
package llmoracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/discovery/services/discovery/oracle"
)

// secretPath is where container deployments mount the API key.
const secretPath = "/run/secrets/openai_api_key"

// ErrNoAPIKey indicates no API key was configured or found.
var ErrNoAPIKey = errors.New("OPENAI_API_KEY not set and no secret found")

// Config configures the model client.
type Config struct {
	// APIKey falls back to OPENAI_API_KEY, then to the mounted secret.
	APIKey string `json:"-" yaml:"api_key"`

	// BaseURL selects an OpenAI-compatible endpoint (default: OpenAI).
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Model falls back to OPENAI_MODEL, then gpt-4o-mini.
	Model string `json:"model" yaml:"model"`

	Temperature float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`

	// Prices in USD per 1000 tokens, used for cost budgeting.
	PromptCostPer1K     float64 `json:"prompt_cost_per_1k" yaml:"prompt_cost_per_1k"`
	CompletionCostPer1K float64 `json:"completion_cost_per_1k" yaml:"completion_cost_per_1k"`
}

// Usage is the token usage and cost of one completion.
type Usage struct {
	Tokens  int
	CostUSD float64
}

// Client wraps an OpenAI chat client with JSON reply handling and usage
// accounting.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	client *openai.Client
	config Config
	logger *slog.Logger

	mu         sync.Mutex
	totalUsage Usage
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a model client.
//
// Inputs:
//   - config: Client configuration. Empty fields fall back to the
//     environment as documented on Config.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Client: Ready client.
//   - error: ErrNoAPIKey if no key can be found.
func NewClient(config Config, opts ...ClientOption) (*Client, error) {
	c := &Client{config: config, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	if c.config.APIKey == "" {
		c.config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.config.APIKey == "" {
		data, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, ErrNoAPIKey
		}
		c.config.APIKey = strings.TrimSpace(string(data))
		c.logger.Info("Read the OpenAI API key from mounted secret")
	}
	if c.config.Model == "" {
		c.config.Model = os.Getenv("OPENAI_MODEL")
	}
	if c.config.Model == "" {
		c.config.Model = "gpt-4o-mini"
		c.logger.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	oc := openai.DefaultConfig(c.config.APIKey)
	if c.config.BaseURL != "" {
		oc.BaseURL = c.config.BaseURL
	}
	c.client = openai.NewClientWithConfig(oc)

	c.logger.Info("Initializing OpenAI discovery client", slog.String("model", c.config.Model))
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.config.Model }

// TotalUsage returns the usage summed over every completion.
func (c *Client) TotalUsage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalUsage
}

// completeJSON sends one system+user exchange and decodes the JSON reply into out.
//
// Outputs:
//   - Usage: Tokens and cost of the call, also on decode failure.
//   - error: Wraps oracle.ErrOracleMalformedResponse when the reply is not
//     the expected JSON; otherwise the transport error.
func (c *Client) completeJSON(ctx context.Context, system, user string, out any) (Usage, error) {
	req := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.config.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if c.config.MaxTokens > 0 {
		req.MaxCompletionTokens = c.config.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Usage{}, fmt.Errorf("OpenAI API call failed: %w", err)
	}

	usage := Usage{
		Tokens: resp.Usage.TotalTokens,
		CostUSD: float64(resp.Usage.PromptTokens)/1000*c.config.PromptCostPer1K +
			float64(resp.Usage.CompletionTokens)/1000*c.config.CompletionCostPer1K,
	}
	c.mu.Lock()
	c.totalUsage.Tokens += usage.Tokens
	c.totalUsage.CostUSD += usage.CostUSD
	c.mu.Unlock()

	if len(resp.Choices) == 0 {
		return usage, fmt.Errorf("%w: no choices", oracle.ErrOracleMalformedResponse)
	}
	content := extractJSON(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		c.logger.Debug("Unparseable model reply",
			slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
			slog.String("error", err.Error()),
		)
		return usage, fmt.Errorf("%w: %v", oracle.ErrOracleMalformedResponse, err)
	}
	return usage, nil
}

// extractJSON strips code fences and surrounding prose from a reply,
// returning the outermost {...} span.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}

// bulleted renders items as a "- " list, or "(none)".
func bulleted(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
