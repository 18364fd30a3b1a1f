package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/richinex/querypilot/observability"
)

// DefaultMaxRows caps how many result rows are rendered.
const DefaultMaxRows = 1000

const (
	msgNoResults    = "Query executed successfully, but returned no results."
	msgExecuted     = "Query executed successfully."
	msgRowsAffected = "Query executed successfully. Rows affected: %d"
)

// Executor runs single statements. Each call opens its own connection,
// wraps the statement in a transaction and closes the connection before
// returning. Safe for concurrent use.
type Executor struct {
	MaxRows int
	Logger  zerolog.Logger
}

// NewExecutor creates an executor rendering at most maxRows rows.
// maxRows <= 0 selects DefaultMaxRows.
func NewExecutor(maxRows int) *Executor {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Executor{
		MaxRows: maxRows,
		Logger:  log.Logger.With().Str("component", "sqlexec").Logger(),
	}
}

// ExecuteMap parses a model supplied connection_config and runs query.
func (e *Executor) ExecuteMap(ctx context.Context, cfg map[string]any, query string) string {
	d, err := ParseDescriptor(cfg)
	if err != nil {
		return "Error: " + err.Error()
	}
	return e.Execute(ctx, d, query)
}

// Execute runs query against d and returns the rendered outcome. Driver
// failures are returned as "An error occurred: ..." text, never as errors.
func (e *Executor) Execute(ctx context.Context, d Descriptor, query string) string {
	b, ok := backends[d.Kind]
	if !ok {
		return fmt.Sprintf("Error: Unsupported 'db_type': %s. Must be 'sqlite', 'postgresql', or 'oracle'.", d.Kind)
	}

	start := time.Now()
	text, err := e.run(ctx, b, d, b.prepare(query))
	observability.RecordSQLExecution(string(d.Kind), err == nil)

	logEvent := e.Logger.Debug()
	if err != nil {
		logEvent = e.Logger.Warn().Err(err)
	}
	logEvent.
		Str("db_type", string(d.Kind)).
		Dur("duration", time.Since(start)).
		Msg("sql statement executed")

	if err != nil {
		return fmt.Sprintf("An error occurred: %v", err)
	}
	return text
}

func (e *Executor) run(ctx context.Context, b backend, d Descriptor, query string) (string, error) {
	db, err := sql.Open(b.driver, b.dsn(d))
	if err != nil {
		return "", err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	var text string
	if returnsRows(query) {
		text, err = e.query(ctx, tx, query)
	} else {
		text, err = exec(ctx, tx, query)
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return text, nil
}

func (e *Executor) query(ctx context.Context, tx *sql.Tx, query string) (string, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	columns, err := rows.ColumnTypes()
	if err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return msgExecuted, rows.Err()
	}

	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name()
	}

	var (
		data      [][]any
		truncated bool
	)
	for rows.Next() {
		if len(data) == e.maxRows() {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if len(data) == 0 {
		return msgNoResults, nil
	}

	var sb strings.Builder
	sb.WriteString("Columns: ")
	sb.WriteString(reprList(names))
	sb.WriteString("\nData: ")
	sb.WriteString(reprRows(data, columns))
	if truncated {
		fmt.Fprintf(&sb, "\n(truncated to %d rows)", len(data))
	}
	return sb.String(), nil
}

func exec(ctx context.Context, tx *sql.Tx, query string) (string, error) {
	res, err := tx.ExecContext(ctx, query)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil || n < 0 {
		return msgExecuted, nil
	}
	return fmt.Sprintf(msgRowsAffected, n), nil
}

func (e *Executor) maxRows() int {
	if e.MaxRows <= 0 {
		return DefaultMaxRows
	}
	return e.MaxRows
}

var rowKeywords = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"PRAGMA":   true,
	"SHOW":     true,
	"EXPLAIN":  true,
	"VALUES":   true,
	"DESCRIBE": true,
	"DESC":     true,
	"TABLE":    true,
}

var (
	quotedSpan       = regexp.MustCompile(`'(?:[^']|'')*'|"(?:[^"]|"")*"`)
	returningKeyword = regexp.MustCompile(`(?i)\bRETURNING\b`)
)

// returnsRows decides between Query and Exec from the leading keyword.
// A RETURNING clause on DML also produces rows; the word inside a string
// literal or a quoted identifier does not count.
func returnsRows(query string) bool {
	q := strings.TrimLeft(stripLeadingComments(query), "( \t\r\n")
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return false
	}
	if rowKeywords[strings.ToUpper(fields[0])] {
		return true
	}
	return returningKeyword.MatchString(quotedSpan.ReplaceAllString(q, "''"))
}

func stripLeadingComments(query string) string {
	q := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(q, "--"):
			_, rest, ok := strings.Cut(q, "\n")
			if !ok {
				return ""
			}
			q = strings.TrimSpace(rest)
		case strings.HasPrefix(q, "/*"):
			_, rest, ok := strings.Cut(q, "*/")
			if !ok {
				return ""
			}
			q = strings.TrimSpace(rest)
		default:
			return q
		}
	}
}

// IsConfigError reports whether err came from ParseDescriptor.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
