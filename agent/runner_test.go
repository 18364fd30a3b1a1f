package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/richinex/querypilot/credential"
	"github.com/richinex/querypilot/llm"
	"github.com/richinex/querypilot/llm/llmtest"
	"github.com/richinex/querypilot/model"
	"github.com/richinex/querypilot/sqlexec"
	"github.com/richinex/querypilot/storage"
	"github.com/richinex/querypilot/tools"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type fakeTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeTokens) Invalidate() { f.invalidated.Add(1) }

func newRunner(provider *llmtest.ScriptedProvider, threads storage.ThreadStore) (*Runner, *fakeTokens) {
	tokens := &fakeTokens{token: "jwt"}
	return NewRunner(tokens, provider.Factory(nil), threads), tokens
}

func bankDB(t *testing.T, customers int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bank.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE customers (id INTEGER PRIMARY KEY, first_name TEXT)")
	require.NoError(t, err)
	for i := 0; i < customers; i++ {
		_, err = db.Exec("INSERT INTO customers (first_name) VALUES (?)", fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}
	return path
}

func sqlRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	s := tools.NewSQLTools(sqlexec.NewExecutor(0), nil, nil)
	r := tools.NewRegistry()
	require.NoError(t, r.Register(s.SQLite()))
	require.NoError(t, r.Register(s.ExecuteSQL()))
	return r
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Descriptor{
		Name:   "echo",
		Params: []tools.Param{{Name: "text", Type: "string", Required: true}},
		Handler: func(ctx context.Context, args tools.Args) (string, error) {
			return "echo:" + args.String("text"), nil
		},
	}))
	return r
}

func TestRunAnswersCustomerCount(t *testing.T) {
	path := bankDB(t, 100)
	provider := llmtest.NewScriptedProvider(
		llmtest.Calls(llmtest.Call(tools.SQLiteToolName, map[string]any{
			"db_path": path,
			"query":   "SELECT COUNT(*) FROM customers",
		})),
		llmtest.Text("There are 100 customers."),
	)
	runner, _ := newRunner(provider, nil)

	text, meta, err := runner.Run(context.Background(), RunParams{
		Prompt: "How many customers are there?",
		Tools:  sqlRegistry(t),
	})
	require.NoError(t, err)
	assert.Equal(t, "There are 100 customers.", text)
	assert.Equal(t, 2, meta.Iterations)
	assert.Equal(t, "scripted", meta.Provider)

	require.Len(t, meta.Steps, 1)
	assert.Equal(t, "Columns: ['COUNT(*)']\nData: [(100,)]", meta.Steps[0].Result.Text)
	assert.Equal(t, meta.Steps[0].Result.Text, meta.LastToolOutput())

	// user, model function call turn, tool results, final model text
	require.Len(t, meta.History, 4)
	assert.Equal(t, model.RoleUser, meta.History[0].Role)
	assert.Equal(t, model.RoleModel, meta.History[1].Role)
	assert.Len(t, meta.History[1].ToolCalls, 1)
	assert.Equal(t, model.RoleTool, meta.History[2].Role)
	assert.Equal(t, model.RoleModel, meta.History[3].Role)

	second := provider.Request(1)
	require.Len(t, second, 3)
	assert.Equal(t, model.RoleTool, second[2].Role)

	names := make([]string, 0)
	for _, d := range provider.Tools(0) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{tools.ExecuteSQLToolName, tools.SQLiteToolName}, names)
}

func TestRunSingleCallBudget(t *testing.T) {
	provider := llmtest.NewScriptedProvider(
		llmtest.Calls(llmtest.Call("echo", map[string]any{"text": "a"})),
		llmtest.Text("never reached"),
	)
	runner, _ := newRunner(provider, nil)

	text, meta, err := runner.Run(context.Background(), RunParams{
		Prompt:   "go",
		Tools:    echoRegistry(t),
		MaxCalls: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "", text)
	assert.Equal(t, 1, meta.Iterations)
	assert.Equal(t, 1, provider.Calls())
	require.Len(t, meta.Steps, 1)
	assert.Equal(t, "echo:a", meta.LastToolOutput())
}

func TestRunBatchesToolResults(t *testing.T) {
	provider := llmtest.NewScriptedProvider(
		llmtest.Calls(
			llmtest.Call("echo", map[string]any{"text": "first"}),
			llmtest.Call("missing_tool", nil),
			llmtest.Call("echo", map[string]any{"text": "third"}),
		),
		llmtest.Text("done"),
	)
	runner, _ := newRunner(provider, nil)

	text, meta, err := runner.Run(context.Background(), RunParams{Prompt: "go", Tools: echoRegistry(t)})
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	toolTurns := 0
	for _, m := range meta.History {
		if m.Role == model.RoleTool {
			toolTurns++
		}
	}
	assert.Equal(t, 1, toolTurns)

	results := meta.History[2].ToolResults
	require.Len(t, results, 3)
	assert.Equal(t, "echo:first", results[0].Text)
	assert.Equal(t, "Error: Tool 'missing_tool' does not exist. Please choose from the available tools.", results[1].Text)
	assert.Equal(t, "echo:third", results[2].Text)
}

func TestRunAuthFailure(t *testing.T) {
	provider := llmtest.NewScriptedProvider(llmtest.Text("unused"))
	tokens := &fakeTokens{err: &credential.AuthError{Err: credential.ErrNotConfigured}}
	runner := NewRunner(tokens, provider.Factory(nil), nil)

	text, meta, err := runner.Run(context.Background(), RunParams{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, AuthFailureMessage, text)
	assert.Equal(t, 0, meta.Iterations)
	assert.Equal(t, 0, provider.Calls())
}

func TestRunCancelledWhileWaitingForToken(t *testing.T) {
	provider := llmtest.NewScriptedProvider(llmtest.Text("unused"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tokens := &fakeTokens{err: context.Canceled}
	runner := NewRunner(tokens, provider.Factory(nil), nil)

	text, _, err := runner.Run(ctx, RunParams{Prompt: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, text)
	assert.Equal(t, 0, provider.Calls())
}

func TestRunPassesTokenToFactory(t *testing.T) {
	provider := llmtest.NewScriptedProvider(llmtest.Text("ok"))
	var tokens []string
	runner := NewRunner(&fakeTokens{token: "jwt-42"}, provider.Factory(&tokens), nil)

	_, _, err := runner.Run(context.Background(), RunParams{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"jwt-42"}, tokens)
}

func TestRunFactoryError(t *testing.T) {
	factory := func(token string) (llm.Provider, error) { return nil, errors.New("no client") }
	runner := NewRunner(&fakeTokens{token: "t"}, factory, nil)

	_, _, err := runner.Run(context.Background(), RunParams{Prompt: "hi"})
	assert.ErrorContains(t, err, "no client")
}

func TestRunModelErrorIsReturned(t *testing.T) {
	provider := llmtest.NewScriptedProvider(
		llmtest.Calls(llmtest.Call("echo", map[string]any{"text": "a"})),
		llmtest.Response{Err: errors.New("connection reset")},
	)
	runner, tokens := newRunner(provider, nil)

	_, meta, err := runner.Run(context.Background(), RunParams{Prompt: "go", Tools: echoRegistry(t)})
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 2, meta.Iterations)
	assert.Len(t, meta.Steps, 1)
	assert.Equal(t, int32(0), tokens.invalidated.Load())
}

func TestRunUnauthorizedInvalidatesToken(t *testing.T) {
	provider := llmtest.NewScriptedProvider(
		llmtest.Response{Err: &openai.APIError{HTTPStatusCode: 401, Message: "expired"}},
	)
	runner, tokens := newRunner(provider, nil)

	_, _, err := runner.Run(context.Background(), RunParams{Prompt: "go"})
	require.Error(t, err)
	assert.True(t, llm.IsUnauthorized(err))
	assert.Equal(t, int32(1), tokens.invalidated.Load())
}

func TestRunNoCandidates(t *testing.T) {
	provider := llmtest.NewScriptedProvider(llmtest.Response{}, llmtest.Text("unused"))
	runner, _ := newRunner(provider, nil)

	text, meta, err := runner.Run(context.Background(), RunParams{Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "", text)
	assert.Equal(t, 1, meta.Iterations)
}

func TestRunJSONResults(t *testing.T) {
	provider := llmtest.NewScriptedProvider(llmtest.Text("Here you go:\n```json\n{\"count\": 100}\n```"))
	runner, _ := newRunner(provider, nil)

	text, _, err := runner.Run(context.Background(), RunParams{Prompt: "go", JSONResults: true})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"count\": 100\n}", text)

	provider = llmtest.NewScriptedProvider(llmtest.Text("not json at all"))
	runner, _ = newRunner(provider, nil)
	_, _, err = runner.Run(context.Background(), RunParams{Prompt: "go", JSONResults: true})
	assert.Error(t, err)
}

func TestRunCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Descriptor{
		Name: "stop",
		Handler: func(ctx context.Context, args tools.Args) (string, error) {
			cancel()
			return "stopping", nil
		},
	}))
	provider := llmtest.NewScriptedProvider(
		llmtest.Calls(llmtest.Call("stop", nil)),
		llmtest.Text("unused"),
	)
	runner, _ := newRunner(provider, nil)

	start := time.Now()
	_, meta, err := runner.Run(ctx, RunParams{Prompt: "go", Tools: r, Delay: time.Hour})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Minute)
	assert.Equal(t, 1, meta.Iterations)
	assert.Equal(t, 1, provider.Calls())
}

func TestRunNoDispatchAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var second atomic.Int32
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Descriptor{
		Name: "stop",
		Handler: func(ctx context.Context, args tools.Args) (string, error) {
			cancel()
			return "", nil
		},
	}))
	require.NoError(t, r.Register(tools.Descriptor{
		Name: "after",
		Handler: func(ctx context.Context, args tools.Args) (string, error) {
			second.Add(1)
			return "", nil
		},
	}))
	provider := llmtest.NewScriptedProvider(llmtest.Calls(llmtest.Call("stop", nil), llmtest.Call("after", nil)))
	runner, _ := newRunner(provider, nil)

	_, meta, err := runner.Run(ctx, RunParams{Prompt: "go", Tools: r})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), second.Load())
	assert.Len(t, meta.Steps, 1)
}

func TestRunRecordsThread(t *testing.T) {
	store := storage.NewInMemoryStorage()
	threadID := model.NewThreadID()
	require.NoError(t, store.CreateThread(context.Background(), model.Thread{ID: threadID, UserID: "u-1", Title: "t"}))

	provider := llmtest.NewScriptedProvider(
		llmtest.Calls(llmtest.Call("echo", map[string]any{"text": "a"})),
		llmtest.Text("final answer"),
	)
	runner, _ := newRunner(provider, store)

	_, _, err := runner.Run(context.Background(), RunParams{
		Prompt:   "go",
		Tools:    echoRegistry(t),
		ThreadID: threadID,
		UserID:   "u-1",
	})
	require.NoError(t, err)

	thread, err := store.GetThread(context.Background(), threadID, "u-1")
	require.NoError(t, err)
	require.Len(t, thread.Messages, 3)
	assert.Equal(t, model.TypeToolCall, thread.Messages[0].Type)
	assert.Equal(t, model.TypeToolResponse, thread.Messages[1].Type)

	final := thread.Messages[2]
	assert.Equal(t, model.RoleModel, final.Role)
	assert.Equal(t, model.AssistantUserID, final.UserID)
	assert.Equal(t, "final answer", final.Content)
}

func TestRunSkipFinalRecord(t *testing.T) {
	store := storage.NewInMemoryStorage()
	threadID := model.NewThreadID()
	require.NoError(t, store.CreateThread(context.Background(), model.Thread{ID: threadID, UserID: "u-1", Title: "t"}))

	provider := llmtest.NewScriptedProvider(llmtest.Text("final answer"))
	runner, _ := newRunner(provider, store)

	_, _, err := runner.Run(context.Background(), RunParams{
		Prompt:          "go",
		ThreadID:        threadID,
		UserID:          "u-1",
		SkipFinalRecord: true,
	})
	require.NoError(t, err)

	thread, err := store.GetThread(context.Background(), threadID, "u-1")
	require.NoError(t, err)
	assert.Empty(t, thread.Messages)
}

func TestRunNested(t *testing.T) {
	provider := llmtest.NewScriptedProvider(llmtest.Text("nested answer"))
	runner, _ := newRunner(provider, nil)

	text, err := runner.RunNested(context.Background(), tools.NestedRun{Prompt: "explore", MaxCalls: 1})
	require.NoError(t, err)
	assert.Equal(t, "nested answer", text)
	assert.True(t, strings.HasPrefix(provider.Request(0)[0].Content, "explore"))
}
