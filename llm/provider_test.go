// Tests for LLM providers: wire conversion, candidate extraction, and error
// handling against local HTTP servers (including that errors don't leak API keys).
package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/richinex/querypilot/model"
)

func unauthorizedServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProviderErrorsNoAPIKeyLeak(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		body  string
		build func(key, baseURL string) Provider
	}{
		{
			name: "openai",
			key:  "sk-test-invalid-key-12345xyz",
			body: `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`,
			build: func(key, baseURL string) Provider {
				return NewOpenAIProvider(key, ModelOpenAIGPT4o, 100, 0.7, baseURL)
			},
		},
		{
			name: "deepseek",
			key:  "sk-test-invalid-key-12345xyz",
			body: `{"error":{"message":"Authentication Fails","type":"authentication_error"}}`,
			build: func(key, baseURL string) Provider {
				return NewDeepSeekProvider(key, ModelDeepSeekChat, 100, 0.7, baseURL)
			},
		},
		{
			name: "anthropic",
			key:  "sk-ant-REDACTED",
			body: `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
			build: func(key, baseURL string) Provider {
				return NewAnthropicProvider(key, ModelAnthropicClaudeSonnet4, 100, 0.7, baseURL)
			},
		},
		{
			name: "gemini",
			key:  "AIza-test-invalid-key-12345xyz",
			body: `{"error":{"code":401,"message":"API key not valid","status":"UNAUTHENTICATED"}}`,
			build: func(key, baseURL string) Provider {
				return NewGeminiProvider(key, ModelGeminiFlash25, 100, 0.7, baseURL)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := unauthorizedServer(t, tt.body)
			provider := tt.build(tt.key, srv.URL)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := provider.Generate(ctx, []ChatMessage{UserMessage("test")}, nil)
			require.Error(t, err)
			assert.True(t, IsUnauthorized(err), "expected 401 to be recognised: %v", err)

			errStr := err.Error()
			assert.NotContains(t, errStr, tt.key)
			assert.NotContains(t, errStr, "Authorization:")
			assert.NotContains(t, strings.ToLower(errStr), "x-api-key:")
		})
	}
}

func TestIsUnauthorizedOtherErrors(t *testing.T) {
	assert.False(t, IsUnauthorized(nil))
	assert.False(t, IsUnauthorized(context.DeadlineExceeded))
	assert.True(t, IsUnauthorized(genai.APIError{Code: 401}))
	assert.False(t, IsUnauthorized(genai.APIError{Code: 500}))
}

func TestGeminiGenerateFunctionCall(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-2.5-flash:generateContent")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [
				{"functionCall": {"name": "sqlite_tool", "args": {"db_path": "/tmp/mock.db", "query": "SELECT COUNT(*) FROM customers"}}}
			]}}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3, "totalTokenCount": 15}
		}`)
	}))
	defer srv.Close()

	provider := NewGeminiProvider("AIza-test", ModelGeminiFlash25, 256, 0, srv.URL)
	tools := []ToolDefinition{{
		Name:        "sqlite_tool",
		Description: "Run SQL against a SQLite file",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"db_path": map[string]any{"type": "string"},
				"query":   map[string]any{"type": "string"},
			},
			"required": []string{"db_path", "query"},
		},
	}}

	candidate, err := provider.Generate(context.Background(), []ChatMessage{UserMessage("How many customers?")}, tools)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	require.Len(t, candidate.ToolCalls, 1)
	assert.Equal(t, "sqlite_tool", candidate.ToolCalls[0].Name)
	assert.Equal(t, "SELECT COUNT(*) FROM customers", candidate.ToolCalls[0].Args["query"])
	require.NotNil(t, candidate.Usage)
	assert.Equal(t, uint32(15), candidate.Usage.TotalTokens)

	require.NotNil(t, captured)
	assert.Contains(t, captured, "tools")
	assert.Contains(t, captured, "toolConfig")
}

func TestGeminiGenerateNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates": []}`)
	}))
	defer srv.Close()

	provider := NewGeminiProvider("AIza-test", ModelGeminiFlash25, 256, 0, srv.URL)
	candidate, err := provider.Generate(context.Background(), []ChatMessage{UserMessage("hi")}, nil)
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestConvertToGeminiContentsBatchesToolResults(t *testing.T) {
	calls := []model.ToolCallRequest{
		{Name: "sqlite_tool", Args: map[string]any{"query": "SELECT 1"}},
		{Name: "url_fetch_tool", Args: map[string]any{"url": "https://example.com"}},
	}
	results := []model.ToolCallResult{
		{Name: "sqlite_tool", Text: "Columns: ['1']\nData: [(1,)]"},
		{Name: "url_fetch_tool", Text: "Error: Could not fetch URL. HTTP status: 404. Message: 404 Not Found"},
	}
	messages := []ChatMessage{
		SystemMessage("be brief"),
		UserMessage("question"),
		ToolCallMessage("", calls),
		ToolResultMessage(results),
	}

	contents, system := convertToGeminiContents(messages)
	assert.Equal(t, "be brief", system)
	require.Len(t, contents, 3)

	modelTurn := contents[1]
	assert.Equal(t, genai.Role(genai.RoleModel), genai.Role(modelTurn.Role))
	require.Len(t, modelTurn.Parts, 2)
	assert.Equal(t, "sqlite_tool", modelTurn.Parts[0].FunctionCall.Name)

	toolTurn := contents[2]
	assert.Equal(t, genai.Role(genai.RoleUser), genai.Role(toolTurn.Role))
	require.Len(t, toolTurn.Parts, 2, "all results of a turn go into one content")
	assert.Equal(t, "sqlite_tool", toolTurn.Parts[0].FunctionResponse.Name)
	assert.Equal(t, results[0].Text, toolTurn.Parts[0].FunctionResponse.Response["content"])
	assert.Equal(t, "url_fetch_tool", toolTurn.Parts[1].FunctionResponse.Name)
}

func TestCandidateFromGeminiSkipsThoughts(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking...", Thought: true},
				{Text: "There are "},
				{Text: "100 customers."},
			}},
		}},
	}
	candidate := candidateFromGemini(resp)
	require.NotNil(t, candidate)
	assert.Equal(t, "There are 100 customers.", candidate.Text)
	assert.Empty(t, candidate.ToolCalls)

	assert.Nil(t, candidateFromGemini(&genai.GenerateContentResponse{}))
}

func TestConvertToGeminiSchema(t *testing.T) {
	schema := convertToGeminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"connection_config": map[string]any{"type": "object", "description": "where"},
			"limit":             map[string]any{"type": "integer"},
			"tags":              map[string]any{"type": "array"},
		},
		"required": []any{"connection_config"},
	})
	assert.Equal(t, genai.TypeObject, schema.Type)
	assert.Equal(t, []string{"connection_config"}, schema.Required)
	assert.Equal(t, genai.TypeInteger, schema.Properties["limit"].Type)
	require.NotNil(t, schema.Properties["tags"].Items)
	assert.Equal(t, genai.TypeString, schema.Properties["tags"].Items.Type)
}

func TestConvertToOpenAIMessagesExpandsToolTurn(t *testing.T) {
	messages := []ChatMessage{
		UserMessage("q"),
		ToolCallMessage("", []model.ToolCallRequest{
			{ID: "call_a", Name: "a", Args: map[string]any{"x": 1}},
			{Name: "b", Args: map[string]any{}},
		}),
		ToolResultMessage([]model.ToolCallResult{
			{ID: "call_a", Name: "a", Text: "ra"},
			{Name: "b", Text: "rb"},
		}),
	}

	out := convertToOpenAIMessages(messages)
	require.Len(t, out, 4)
	assert.Equal(t, "assistant", out[1].Role)
	require.Len(t, out[1].ToolCalls, 2)
	assert.Equal(t, "call_a", out[1].ToolCalls[0].ID)
	assert.Equal(t, `{"x":1}`, out[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "call_1", out[1].ToolCalls[1].ID)

	assert.Equal(t, "tool", out[2].Role)
	assert.Equal(t, "call_a", out[2].ToolCallID)
	assert.Equal(t, "ra", out[2].Content)
	assert.Equal(t, "call_1", out[3].ToolCallID)
}

func TestDecodeArguments(t *testing.T) {
	assert.Equal(t, map[string]any{"q": "x"}, decodeArguments(`{"q":"x"}`))
	assert.Empty(t, decodeArguments(""))
	assert.Empty(t, decodeArguments("{not json"))
}

func TestConvertToAnthropicMessagesSingleResultTurn(t *testing.T) {
	messages := []ChatMessage{
		SystemMessage("sys"),
		UserMessage("q"),
		ToolCallMessage("checking", []model.ToolCallRequest{{ID: "tu_1", Name: "a"}, {ID: "tu_2", Name: "b"}}),
		ToolResultMessage([]model.ToolCallResult{
			{ID: "tu_1", Name: "a", Text: "ok"},
			{ID: "tu_2", Name: "b", Text: "Error: boom", Failed: true},
		}),
	}

	out, system := convertToAnthropicMessages(messages)
	assert.Equal(t, "sys", system)
	require.Len(t, out, 3)
	require.Len(t, out[1].Content, 3)
	require.Len(t, out[2].Content, 2)
	require.NotNil(t, out[2].Content[1].OfToolResult)
	assert.Equal(t, "tu_2", out[2].Content[1].OfToolResult.ToolUseID)
}

func TestFactory(t *testing.T) {
	factory := ProviderGemini.Model(ModelGeminiPro25).Factory()

	p, err := factory("token-1")
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
	assert.Equal(t, ModelGeminiPro25, p.Model())

	_, err = factory("")
	assert.Error(t, err)
}

func TestParseProviderType(t *testing.T) {
	tests := []struct {
		in   string
		want ProviderType
	}{
		{"gemini", ProviderGemini},
		{"Google", ProviderGemini},
		{"claude", ProviderAnthropic},
		{"gpt", ProviderOpenAI},
		{"deepseek", ProviderDeepSeek},
	}
	for _, tt := range tests {
		got, err := ParseProviderType(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.NotEmpty(t, got.DefaultModel())
	}

	_, err := ParseProviderType("nope")
	assert.Error(t, err)
}

func TestTokenUsageAdd(t *testing.T) {
	var total TokenUsage
	total.Add(&TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})
	total.Add(nil)
	total.Add(&TokenUsage{PromptTokens: 4, CompletionTokens: 5, TotalTokens: 9})
	assert.Equal(t, TokenUsage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, total)
}
