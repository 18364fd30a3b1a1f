package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Ignore known background goroutines from dependencies
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func echoHandler(ctx context.Context, args Args) (string, error) {
	return args.String("text"), nil
}

func echoTool(name string) Descriptor {
	return Descriptor{
		Name:        name,
		Description: "Echoes text",
		Params: []Param{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: echoHandler,
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
	}{
		{"empty name", Descriptor{Handler: echoHandler}},
		{"nil handler", Descriptor{Name: "x"}},
		{"hidden prefix in params", Descriptor{Name: "x", Handler: echoHandler, Params: []Param{{Name: "__user_id"}}}},
		{"unknown hidden", Descriptor{Name: "x", Handler: echoHandler, Hidden: []string{"__session"}}},
		{"unnamed param", Descriptor{Name: "x", Handler: echoHandler, Params: []Param{{Type: "string"}}}},
		{"duplicate param", Descriptor{Name: "x", Handler: echoHandler, Params: []Param{{Name: "a"}, {Name: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, NewRegistry().Register(tt.desc))
		})
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo")))
	assert.Error(t, r.Register(echoTool("echo")))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("zeta"))
	r.MustRegister(echoTool("alpha"))

	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
	assert.True(t, r.Has("alpha"))
	assert.False(t, r.Has("beta"))

	d, ok := r.Get("zeta")
	require.True(t, ok)
	assert.Equal(t, "zeta", d.Name)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Contains(t, r.Description(), "Tool: alpha")
}

func TestDefinitionsOmitHiddenParams(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Descriptor{
		Name:        "answer",
		Description: "Answers",
		Params: []Param{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "integer"},
			{Name: "config", Type: "object", Properties: []Param{{Name: "db_type", Type: "string", Enum: []string{"sqlite"}}}},
		},
		Hidden:  []string{HiddenThreadID, HiddenUserID},
		Handler: echoHandler,
	})

	defs := r.Definitions()
	require.Len(t, defs, 1)
	params := defs[0].Parameters
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []string{"query"}, params["required"])

	props := params["properties"].(map[string]any)
	assert.Len(t, props, 3)
	assert.NotContains(t, props, HiddenThreadID)
	assert.NotContains(t, props, HiddenUserID)
	assert.Equal(t, "integer", props["limit"].(map[string]any)["type"])

	config := props["config"].(map[string]any)
	fields := config["properties"].(map[string]any)
	assert.Equal(t, []string{"sqlite"}, fields["db_type"].(map[string]any)["enum"])
}

func TestSubset(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("a"))
	r.MustRegister(echoTool("b"))
	r.MustRegister(echoTool("c"))

	sub, err := r.Subset("a", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, sub.Names())
	assert.Equal(t, 3, r.Len())

	_, err = r.Subset("a", "missing")
	assert.Error(t, err)
}

func TestWithDefaults(t *testing.T) {
	r, err := WithDefaults(Defaults{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		AnswerSQLToolName,
		ExecuteSQLToolName,
		SQLExplorerToolName,
		SQLiteToolName,
		URLFetchToolName,
	}, r.Names())

	answer, ok := r.Get(AnswerSQLToolName)
	require.True(t, ok)
	assert.Equal(t, []string{HiddenThreadID, HiddenUserID}, answer.Hidden)
}
