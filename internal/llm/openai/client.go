// Package openaillm implements the analysis service client on top of the
// OpenAI chat completions API with JSON schema response formats.
package openaillm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 120 * time.Second
)

// Config holds configuration for the OpenAI analysis client.
type Config struct {
	APIKey      string
	Model       string
	Temperature float64
	// MaxRetries is the SDK transport retry count. Batch level retries are
	// handled by the caller, so this defaults to zero.
	MaxRetries int
	Timeout    time.Duration
	BaseURL    string       // Optional (tests, proxies)
	HTTPClient *http.Client // Optional (tests)
}

// Client implements pipeline.AnalysisClient.
type Client struct {
	model       string
	temperature float64
	client      openai.Client
}

// New creates a new OpenAI analysis client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      openai.NewClient(opts...),
	}
}

// Model returns the configured model.
func (c *Client) Model() string {
	return c.model
}

// CallWithSchema sends one chat completion constrained to request.Schema and
// returns the normalized JSON content. Errors that a retry cannot fix are
// marked unrecoverable.
func (c *Client) CallWithSchema(ctx context.Context, request pipeline.SchemaRequest) (pipeline.SchemaResponse, error) {
	var schema map[string]any
	if err := json.Unmarshal(request.Schema, &schema); err != nil {
		return pipeline.SchemaResponse{}, retry.Unrecoverable(fmt.Errorf("decode response schema: %w", err))
	}
	name := request.SchemaName
	if name == "" {
		name = "response"
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(request.System) != "" {
		messages = append(messages, openai.SystemMessage(request.System))
	}
	messages = append(messages, openai.UserMessage(request.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: schema,
				},
			},
		},
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return pipeline.SchemaResponse{}, mapOpenAIError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return pipeline.SchemaResponse{}, errors.New("openai returned no choices")
	}

	out := pipeline.SchemaResponse{
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if out.Model == "" {
		out.Model = c.model
	}
	content, err := parseStructuredJSON(resp.Choices[0].Message.Content)
	if err != nil {
		// Usage is still reported so the caller can account for the tokens.
		return out, err
	}
	out.Content = content
	return out, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	wrapped := fmt.Errorf("openai error (status %d): %w", apiErr.StatusCode, err)
	switch apiErr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return retry.Unrecoverable(wrapped)
	default:
		return wrapped
	}
}

// parseStructuredJSON parses JSON from model output, recovering from
// markdown code fences and surrounding prose.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("empty structured output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" {
		candidates = append(candidates, stripped)
	}
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		candidates = append(candidates, content[start:end+1])
	}

	for _, candidate := range candidates {
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, errors.New("failed to parse structured JSON")
}

func stripCodeFences(content string) string {
	if !strings.HasPrefix(content, "```") {
		return ""
	}
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		return ""
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
