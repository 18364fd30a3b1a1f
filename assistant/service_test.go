package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/richinex/querypilot/agent"
	"github.com/richinex/querypilot/llm/llmtest"
	"github.com/richinex/querypilot/model"
	"github.com/richinex/querypilot/storage"
	"github.com/richinex/querypilot/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubRunner struct {
	mu     sync.Mutex
	text   string
	meta   agent.RunMetadata
	err    error
	params []agent.RunParams
	// block makes Run wait for cancellation.
	block   bool
	started chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, p agent.RunParams) (string, agent.RunMetadata, error) {
	r.mu.Lock()
	r.params = append(r.params, p)
	r.mu.Unlock()
	if r.block {
		if r.started != nil {
			close(r.started)
		}
		<-ctx.Done()
		return "", agent.RunMetadata{}, ctx.Err()
	}
	return r.text, r.meta, r.err
}

func (r *stubRunner) lastParams() agent.RunParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params[len(r.params)-1]
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (string, error) { return "jwt", nil }
func (staticTokens) Invalidate()                               {}

func newService(runner Runner, store Store) *Service {
	return New(runner, store, tools.NewRegistry(), Config{MaxCalls: 5, DataSources: "bank: sqlite /tmp/bank.db"})
}

func thread(t *testing.T, store storage.ThreadStore, id, userID string) *model.Thread {
	t.Helper()
	th, err := store.GetThread(context.Background(), id, userID)
	require.NoError(t, err)
	return th
}

func TestStartChatStoresReply(t *testing.T) {
	store := storage.NewInMemoryStorage()
	runner := &stubRunner{text: "There are 100 customers."}
	svc := newService(runner, store)

	th, reply, err := svc.StartChat(context.Background(), "u1", "How many customers do we have in the bank database?")
	require.NoError(t, err)
	assert.Equal(t, "How many customers do we have ", th.Title)
	assert.Equal(t, "There are 100 customers.", reply.Content)

	stored := thread(t, store, th.ID, "u1")
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, model.RoleUser, stored.Messages[0].Role)
	assert.Equal(t, reply.ID, stored.Messages[1].ID)
	assert.Equal(t, model.AssistantUserID, stored.Messages[1].UserID)
	assert.Equal(t, "There are 100 customers.", stored.Messages[1].Content)

	p := runner.lastParams()
	assert.True(t, p.SkipFinalRecord)
	assert.Equal(t, th.ID, p.ThreadID)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, 5, p.MaxCalls)
	assert.Contains(t, p.Prompt, "Current question: How many customers do we have in the bank database?")
	assert.Contains(t, p.Prompt, "bank: sqlite /tmp/bank.db")
	assert.False(t, svc.IsRunning(th.ID))
}

func TestSendIncludesHistoryAndGlobalContext(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStorage()
	require.NoError(t, store.SaveGlobalContext(ctx, "u1", "Amounts are in EUR."))
	runner := &stubRunner{text: "first answer"}
	svc := newService(runner, store)

	th, _, err := svc.StartChat(ctx, "u1", "first question")
	require.NoError(t, err)

	runner.text = "second answer"
	reply, err := svc.Send(ctx, th.ID, "u1", "second question")
	require.NoError(t, err)
	assert.Equal(t, "second answer", reply.Content)

	prompt := runner.lastParams().Prompt
	assert.Contains(t, prompt, "Amounts are in EUR.")
	assert.Contains(t, prompt, "user: first question")
	assert.Contains(t, prompt, "model: first answer")
	assert.NotContains(t, prompt, "user: second question")
	assert.Contains(t, prompt, "Current question: second question")

	assert.Len(t, thread(t, store, th.ID, "u1").Messages, 4)
}

func TestSendUnknownThread(t *testing.T) {
	svc := newService(&stubRunner{}, storage.NewInMemoryStorage())
	_, err := svc.Send(context.Background(), "t-missing", "u1", "hi")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteRequestAsksForConfirmation(t *testing.T) {
	store := storage.NewInMemoryStorage()
	runner := &stubRunner{text: "unused"}
	svc := newService(runner, store)

	th, reply, err := svc.StartChat(context.Background(), "u1", "Please DELETE the inactive customers")
	require.NoError(t, err)
	assert.Empty(t, runner.params, "no run before confirmation")

	assert.Equal(t, model.TypeConfirmation, reply.Type)
	require.NotNil(t, reply.Confirmation)
	assert.Equal(t, "Confirm Action", reply.Confirmation.Title)
	assert.Equal(t, "Yes, I'm sure", reply.Confirmation.ConfirmText)

	stored := thread(t, store, th.ID, "u1")
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, model.TypeConfirmation, stored.Messages[1].Type)
	assert.Equal(t, "No, cancel", stored.Messages[1].Confirmation.CancelText)
}

func TestDeleteThreadRequestRuns(t *testing.T) {
	runner := &stubRunner{text: "ok"}
	svc := newService(runner, storage.NewInMemoryStorage())

	_, reply, err := svc.StartChat(context.Background(), "u1", "delete this thread")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Content)
	assert.Len(t, runner.params, 1)
}

func TestRunErrorStoresApology(t *testing.T) {
	store := storage.NewInMemoryStorage()
	svc := newService(&stubRunner{err: errors.New("model call failed: boom")}, store)

	th, reply, err := svc.StartChat(context.Background(), "u1", "hi")
	require.NoError(t, err)
	assert.Equal(t, model.TypeError, reply.Type)
	assert.Equal(t, ErrorText, reply.Content)

	stored := thread(t, store, th.ID, "u1")
	require.Len(t, stored.Messages, 3)
	assert.Equal(t, "", stored.Messages[1].Content)
	assert.Equal(t, ErrorText, stored.Messages[2].Content)
}

func TestEmptyReplyFallsBack(t *testing.T) {
	tests := []struct {
		name string
		meta agent.RunMetadata
		want string
	}{
		{
			name: "last tool output",
			meta: agent.RunMetadata{Steps: []agent.Step{
				{Result: model.ToolCallResult{Name: "execute_sql_tool", Text: "Columns: ['n']\nData: [(1,)]"}},
			}},
			want: "Columns: ['n']\nData: [(1,)]",
		},
		{
			name: "no tool output",
			want: FallbackText,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewInMemoryStorage()
			svc := newService(&stubRunner{meta: tt.meta}, store)

			th, reply, err := svc.StartChat(context.Background(), "u1", "hi")
			require.NoError(t, err)
			assert.Equal(t, tt.want, reply.Content)
			assert.Equal(t, tt.want, thread(t, store, th.ID, "u1").Messages[1].Content)
		})
	}
}

func TestCancelRunningReply(t *testing.T) {
	store := storage.NewInMemoryStorage()
	runner := &stubRunner{block: true, started: make(chan struct{})}
	svc := newService(runner, store)
	defer svc.Close()

	th, err := svc.StartChatAsync(context.Background(), "u1", "slow question")
	require.NoError(t, err)

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}
	assert.True(t, svc.IsRunning(th.ID))
	assert.True(t, svc.Cancel(th.ID))
	svc.Wait()

	assert.False(t, svc.IsRunning(th.ID))
	assert.False(t, svc.Cancel(th.ID))

	stored := thread(t, store, th.ID, "u1")
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "", stored.Messages[1].Content)
}

func TestCloseCancelsRuns(t *testing.T) {
	runner := &stubRunner{block: true, started: make(chan struct{})}
	svc := newService(runner, storage.NewInMemoryStorage())

	th, err := svc.StartChatAsync(context.Background(), "u1", "slow question")
	require.NoError(t, err)
	<-runner.started

	svc.Close()
	assert.False(t, svc.IsRunning(th.ID))
}

func TestRepliesAfterCloseAreRejected(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStorage()
	runner := &stubRunner{text: "first answer"}
	svc := newService(runner, store)

	th, _, err := svc.StartChat(ctx, "u1", "first question")
	require.NoError(t, err)
	svc.Close()

	_, err = svc.StartChatAsync(ctx, "u1", "late question")
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = svc.StartChat(ctx, "u1", "late question")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, svc.SendAsync(ctx, th.ID, "u1", "late question"), ErrClosed)
	_, err = svc.Send(ctx, th.ID, "u1", "late question")
	assert.ErrorIs(t, err, ErrClosed)

	svc.Wait()
	assert.Len(t, runner.params, 1)
	assert.Len(t, thread(t, store, th.ID, "u1").Messages, 2)
}

func TestCloseWhileRepliesStart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryStorage()
	runner := &stubRunner{block: true}
	svc := newService(runner, store)

	th, err := svc.StartChatAsync(ctx, "u1", "slow question")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.SendAsync(ctx, th.ID, "u1", "again")
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}()
	}
	svc.Close()
	wg.Wait()
	svc.Wait()

	assert.False(t, svc.IsRunning(th.ID))
}

func TestServiceWithAgentRunner(t *testing.T) {
	store := storage.NewInMemoryStorage()
	registry := tools.NewRegistry()
	registry.MustRegister(tools.Descriptor{
		Name:        "lookup_tool",
		Description: "Looks things up.",
		Params:      []tools.Param{{Name: "q", Type: "string", Required: true}},
		Handler: func(ctx context.Context, args tools.Args) (string, error) {
			return "found " + args.String("q"), nil
		},
	})
	provider := llmtest.NewScriptedProvider(
		llmtest.Calls(llmtest.Call("lookup_tool", map[string]any{"q": "balance"})),
		llmtest.Text("Your balance is 42."),
	)
	runner := agent.NewRunner(staticTokens{}, provider.Factory(nil), store)
	svc := New(runner, store, registry, Config{MaxCalls: 5})

	th, reply, err := svc.StartChat(context.Background(), "u1", "What is my balance?")
	require.NoError(t, err)
	assert.Equal(t, "Your balance is 42.", reply.Content)

	stored := thread(t, store, th.ID, "u1")
	// user, placeholder, tool_call, tool_response. The final text fills
	// the placeholder instead of being appended.
	require.Len(t, stored.Messages, 4)
	assert.Equal(t, "Your balance is 42.", stored.Messages[1].Content)
	assert.Equal(t, model.TypeToolCall, stored.Messages[2].Type)
	assert.Equal(t, "found balance", stored.Messages[3].ToolResponse.Text)
}

func TestNeedsConfirmation(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"delete all accounts", true},
		{"Can you Delete row 5?", true},
		{"delete this thread", false},
		{"how many customers?", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, needsConfirmation(tt.text), tt.text)
	}
}
