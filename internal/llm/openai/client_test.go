package openaillm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/avast/retry-go/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

const testSchema = `{"type":"object","properties":{"results":{"type":"array"}},"required":["results"]}`

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini-2024-07-18",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49},
	})
	return string(body)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()})
}

func TestCallWithSchema(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody(`{"results":[]}`))
	})

	resp, err := client.CallWithSchema(context.Background(), pipeline.SchemaRequest{
		System:     "be brief",
		Prompt:     `[{"id":"a"}]`,
		SchemaName: "batch",
		Schema:     json.RawMessage(testSchema),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"results":[]}`, string(resp.Content))
	require.Equal(t, int64(42), resp.PromptTokens)
	require.Equal(t, int64(7), resp.CompletionTokens)
	require.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)

	require.Equal(t, defaultModel, captured["model"])
	format, ok := captured["response_format"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "json_schema", format["type"])
	messages, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
}

func TestCallWithSchemaStripsCodeFences(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody("```json\n{\"results\":[{\"id\":\"x\"}]}\n```"))
	})

	resp, err := client.CallWithSchema(context.Background(), pipeline.SchemaRequest{
		Prompt: "[]",
		Schema: json.RawMessage(testSchema),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"results":[{"id":"x"}]}`, string(resp.Content))
}

func TestCallWithSchemaAuthErrorIsUnrecoverable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})

	_, err := client.CallWithSchema(context.Background(), pipeline.SchemaRequest{
		Prompt: "[]",
		Schema: json.RawMessage(testSchema),
	})
	require.Error(t, err)
	require.False(t, retry.IsRecoverable(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestCallWithSchemaServerErrorIsRecoverable(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	})

	_, err := client.CallWithSchema(context.Background(), pipeline.SchemaRequest{
		Prompt: "[]",
		Schema: json.RawMessage(testSchema),
	})
	require.Error(t, err)
	require.True(t, retry.IsRecoverable(err))
}

func TestCallWithSchemaRejectsBadSchema(t *testing.T) {
	t.Parallel()

	client := New(Config{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	_, err := client.CallWithSchema(context.Background(), pipeline.SchemaRequest{Schema: json.RawMessage(`not json`)})
	require.Error(t, err)
	require.False(t, retry.IsRecoverable(err))
}

func TestParseStructuredJSON(t *testing.T) {
	t.Parallel()

	got, err := parseStructuredJSON("Here you go:\n{\"ok\":true}\nThanks")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(got))

	_, err = parseStructuredJSON("   ")
	require.Error(t, err)

	_, err = parseStructuredJSON("no json here")
	require.Error(t, err)
}
