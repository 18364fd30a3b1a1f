// Command execution for CLI commands.
//
// Information Hiding:
// - Command dispatch logic hidden
// - Connection argument parsing hidden
// - Output formatting hidden

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/richinex/querypilot/config"
	"github.com/richinex/querypilot/internal/logger"
	"github.com/richinex/querypilot/internal/mockdata"
	"github.com/richinex/querypilot/model"
	"github.com/richinex/querypilot/sqlexec"
	"github.com/richinex/querypilot/tools"
	"github.com/rs/zerolog/log"
)

const maxObservationLen = 400

// Ask sends one question and prints the reply. An empty threadID starts a
// new thread.
func Ask(ctx context.Context, question, threadID string, opts Options) error {
	app, err := NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	reply, id, err := send(ctx, app, threadID, question, opts.UserID)
	if err != nil {
		return err
	}

	if opts.Verbose {
		if err := printSteps(ctx, app, id, opts.UserID); err != nil {
			return err
		}
	}
	printReply(reply)
	fmt.Printf("(thread %s)\n", id)
	if reply.Type == model.TypeError {
		return errors.New("request failed")
	}
	return nil
}

// Chat starts an interactive session. An empty threadID starts a new
// thread with the first message.
func Chat(ctx context.Context, threadID string, opts Options) error {
	app, err := NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	if threadID != "" {
		thread, err := app.Store.GetThread(ctx, threadID, opts.UserID)
		if err != nil {
			return fmt.Errorf("failed to load thread: %w", err)
		}
		fmt.Printf("Resuming thread '%s' (%d messages)\n\n", thread.Title, len(thread.Messages))
	}

	fmt.Printf("Chat with the %s data assistant. Type 'exit' to quit.\n\n", app.Settings.LLM.Provider)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, id, err := send(ctx, app, threadID, input, opts.UserID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "\nError: %v\n\n", err)
			continue
		}
		threadID = id

		if reply.Type == model.TypeConfirmation && reply.Confirmation != nil {
			fmt.Printf("\n%s: %s [y/N] ", reply.Confirmation.Title, reply.Confirmation.Message)
			if !scanner.Scan() {
				break
			}
			answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
			text := reply.Confirmation.CancelText
			if answer == "y" || answer == "yes" {
				text = reply.Confirmation.ConfirmText
			}
			reply, _, err = send(ctx, app, threadID, text, opts.UserID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "\nError: %v\n\n", err)
				continue
			}
		}

		fmt.Println()
		printReply(reply)
		fmt.Println()
	}

	return scanner.Err()
}

func send(ctx context.Context, app *App, threadID, text, userID string) (model.Message, string, error) {
	if threadID == "" {
		thread, reply, err := app.Assistant.StartChat(ctx, userID, text)
		if err != nil {
			return model.Message{}, "", err
		}
		return reply, thread.ID, nil
	}
	reply, err := app.Assistant.Send(ctx, threadID, userID, text)
	return reply, threadID, err
}

// Explore prints the structure report of the database described by conn.
func Explore(ctx context.Context, conn string, opts Options) error {
	app, err := NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg, err := parseConnection(conn)
	if err != nil {
		return err
	}

	desc, _ := app.Registry.Get(tools.SQLExplorerToolName)
	start := time.Now()
	report, err := desc.Handler(ctx, tools.Args{"connection_config": cfg})
	if err != nil {
		return err
	}
	fmt.Println(report)
	if opts.Verbose {
		fmt.Printf("\n(%s)\n", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// Exec runs query against the database described by conn and prints the
// formatted result. No model is involved.
func Exec(ctx context.Context, conn, query string, opts Options) error {
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}
	lg, err := newLogger(settings, opts.Verbose)
	if err != nil {
		return err
	}
	defer lg.Close()

	cfg, err := parseConnection(conn)
	if err != nil {
		return err
	}
	out := sqlexec.NewExecutor(settings.SQL.MaxRows).ExecuteMap(ctx, cfg, query)
	fmt.Println(out)
	if strings.HasPrefix(out, "Error:") {
		return errors.New("query failed")
	}
	return nil
}

// ListTools lists all available tools.
func ListTools(verbose bool) error {
	registry, err := tools.WithDefaults(tools.Defaults{})
	if err != nil {
		return err
	}

	fmt.Println("Available tools:")
	fmt.Println()

	for _, desc := range registry.List() {
		fmt.Printf("  %s\n", desc.Name)
		fmt.Printf("    %s\n", desc.Description)

		if verbose && len(desc.Params) > 0 {
			fmt.Println("    Parameters:")
			for _, param := range desc.Params {
				req := ""
				if param.Required {
					req = "*"
				}
				fmt.Printf("      %s%s: %s - %s\n", param.Name, req, param.Type, param.Description)
			}
		}
		fmt.Println()
	}
	return nil
}

// ListThreads prints the user's threads, newest first.
func ListThreads(ctx context.Context, opts Options) error {
	app, err := NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	threads, err := app.Store.ListThreads(ctx, opts.UserID)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Println("No threads.")
		return nil
	}
	for _, t := range threads {
		fmt.Printf("%s  %s  %-30s  %s\n",
			t.ID, t.Timestamp.Local().Format("2006-01-02 15:04"), t.Title, truncateString(t.LastMessage, 60))
	}
	return nil
}

// ShowThread prints every message of a thread.
func ShowThread(ctx context.Context, threadID string, opts Options) error {
	app, err := NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	thread, err := app.Store.GetThread(ctx, threadID, opts.UserID)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n\n", thread.Title, thread.ID)
	for _, m := range thread.Messages {
		printMessage(m)
	}
	return nil
}

// RenameThread sets the title of a thread.
func RenameThread(ctx context.Context, threadID, title string, opts Options) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title must not be empty")
	}
	app, err := NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	ok, err := app.Store.RenameThread(ctx, threadID, opts.UserID, title)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	fmt.Printf("Renamed %s to %q\n", threadID, title)
	return nil
}

// DeleteThread removes a thread.
func DeleteThread(ctx context.Context, threadID string, opts Options) error {
	app, err := NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	ok, err := app.Store.DeleteThread(ctx, threadID, opts.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	fmt.Printf("Deleted %s\n", threadID)
	return nil
}

// GetContext prints the user's global context.
func GetContext(ctx context.Context, opts Options) error {
	app, err := NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	content, err := app.Store.GetGlobalContext(ctx, opts.UserID)
	if err != nil {
		return err
	}
	if content == "" {
		fmt.Println("No global context set.")
		return nil
	}
	fmt.Println(content)
	return nil
}

// SetContext replaces the user's global context.
func SetContext(ctx context.Context, content string, opts Options) error {
	app, err := NewApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Store.SaveGlobalContext(ctx, opts.UserID, strings.TrimSpace(content)); err != nil {
		return err
	}
	fmt.Println("Global context saved.")
	return nil
}

// Seed fills the customers table of the database described by conn with
// generated rows.
func Seed(ctx context.Context, conn string, count int, seed uint64, opts Options) error {
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}
	lg, err := newLogger(settings, opts.Verbose)
	if err != nil {
		return err
	}
	defer lg.Close()

	cfg, err := parseConnection(conn)
	if err != nil {
		return err
	}
	d, err := sqlexec.ParseDescriptor(cfg)
	if err != nil {
		return err
	}
	if count <= 0 {
		count = mockdata.DefaultCustomers
	}

	customers := mockdata.Generate(count, seed)
	inserted, err := mockdata.Seed(ctx, d, customers)
	if err != nil {
		return err
	}
	fmt.Printf("Generated %s, inserted %d rows\n", mockdata.Describe(customers), inserted)
	return nil
}

// ServeCreditAPI serves the mock credit score API on addr until ctx ends.
func ServeCreditAPI(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: mockdata.CreditScoreHandler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("Serving mock credit score API")
	fmt.Printf("Mock credit score API on http://%s/credit-score/{user_id}\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Helper functions

// parseConnection accepts a JSON connection config or a path to a SQLite file.
func parseConnection(conn string) (map[string]any, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, errors.New("connection is required")
	}
	if strings.HasPrefix(conn, "{") {
		var cfg map[string]any
		if err := json.Unmarshal([]byte(conn), &cfg); err != nil {
			return nil, fmt.Errorf("invalid connection JSON: %w", err)
		}
		return cfg, nil
	}
	return map[string]any{"db_type": string(sqlexec.KindSQLite), "db_path": conn}, nil
}

func newLogger(settings config.Settings, verbose bool) (*logger.Logger, error) {
	cfg := logger.Config{
		Level:     settings.Logging.Level,
		File:      settings.Logging.File,
		Console:   true,
		Pretty:    settings.Logging.Pretty,
		Redaction: settings.Logging.Redaction,
	}
	if verbose {
		cfg.Level = "debug"
	}
	lg, err := logger.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return lg, nil
}

// printSteps prints the tool calls recorded for the latest question of a
// thread.
func printSteps(ctx context.Context, app *App, threadID, userID string) error {
	thread, err := app.Store.GetThread(ctx, threadID, userID)
	if err != nil {
		return err
	}
	start := 0
	for i, m := range thread.Messages {
		if m.Role == model.RoleUser {
			start = i + 1
		}
	}

	fmt.Println("--- Steps ---")
	for _, m := range thread.Messages[start:] {
		switch {
		case m.ToolCall != nil:
			args, _ := json.Marshal(m.ToolCall.Args)
			fmt.Printf("Action: %s %s\n", m.ToolCall.Name, truncateString(string(args), maxObservationLen))
		case m.ToolResponse != nil:
			fmt.Printf("    Observation: %s\n\n", truncateString(m.ToolResponse.Text, maxObservationLen))
		}
	}
	fmt.Println("-------------")
	fmt.Println()
	return nil
}

func printReply(m model.Message) {
	if m.Type == model.TypeConfirmation && m.Confirmation != nil {
		fmt.Printf("%s\n%s\n", m.Confirmation.Title, m.Confirmation.Message)
		return
	}
	fmt.Println(m.Text())
}

func printMessage(m model.Message) {
	ts := m.Timestamp.Local().Format("15:04:05")
	switch m.Type {
	case model.TypeToolCall:
		args, _ := json.Marshal(m.ToolCall.Args)
		fmt.Printf("[%s] tool call: %s %s\n", ts, m.ToolCall.Name, truncateString(string(args), maxObservationLen))
	case model.TypeToolResponse:
		fmt.Printf("[%s] tool response (%s): %s\n", ts, m.ToolResponse.Name, truncateString(m.ToolResponse.Text, maxObservationLen))
	case model.TypeConfirmation:
		fmt.Printf("[%s] confirmation: %s\n", ts, m.Text())
	default:
		fmt.Printf("[%s] %s: %s\n", ts, m.Role, m.Text())
	}
}

// truncateString truncates a string to maxLen runes, preserving UTF-8 boundaries.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
