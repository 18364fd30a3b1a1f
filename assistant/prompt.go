package assistant

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/richinex/querypilot/model"
)

// promptTemplate frames the user's question for the top level run.
var promptTemplate = template.Must(template.New("prompt").Parse(
	`You are a data assistant for a bank. You answer questions about the user's data sources by calling the tools available to you.
{{- if .DataSources}}

Available data sources. Pass these connection details to the tools exactly as written:
{{.DataSources}}
{{- end}}
{{- if .GlobalContext}}

Context the user asked you to keep in mind:
{{.GlobalContext}}
{{- end}}
{{- if .History}}

Conversation so far:
{{- range .History}}
{{.Role}}: {{.Text}}
{{- end}}
{{- end}}

To answer a question about a database, first call sql_explorer_tool to get its structure report, then call answer_sql_query_tool with that report.
Use url_fetch_tool for data that lives behind an HTTP API.
Reply in plain language. Do not show SQL or tool calls unless the user asks for them.

Current question: {{.Question}}`))

type historyLine struct {
	Role string
	Text string
}

type promptData struct {
	DataSources   string
	GlobalContext string
	History       []historyLine
	Question      string
}

// buildPrompt renders the prompt for question given the earlier messages
// of the thread. Only non-empty text turns are included.
func buildPrompt(dataSources, globalContext string, earlier []model.Message, question string) (string, error) {
	data := promptData{
		DataSources:   strings.TrimSpace(dataSources),
		GlobalContext: strings.TrimSpace(globalContext),
		Question:      question,
	}
	for _, m := range earlier {
		if m.Type != model.TypeText || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role != model.RoleUser && m.Role != model.RoleModel {
			continue
		}
		data.History = append(data.History, historyLine{Role: string(m.Role), Text: m.Content})
	}

	var sb strings.Builder
	if err := promptTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return sb.String(), nil
}

// needsConfirmation reports whether text asks to delete something other
// than a conversation thread.
func needsConfirmation(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "delete") && !strings.Contains(lower, "thread")
}

// deleteConfirmation is shown before any run that may delete data.
var deleteConfirmation = model.Confirmation{
	Title:       "Confirm Action",
	Message:     "You mentioned deleting something. Are you sure you want to proceed?",
	ConfirmText: "Yes, I'm sure",
	CancelText:  "No, cancel",
}
