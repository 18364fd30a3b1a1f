// SQL Tools.
//
// Information Hiding:
// - Connection handling delegated to the sqlexec adapter
// - Report caching and nested runs hidden behind the explorer/answer tools
// - Prompt wording kept next to the tool that sends it

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/richinex/querypilot/cache"
	"github.com/richinex/querypilot/sqlexec"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registered names of the SQL tools.
const (
	ExecuteSQLToolName  = "execute_sql_tool"
	SQLiteToolName      = "sqlite_tool"
	SQLExplorerToolName = "sql_explorer_tool"
	AnswerSQLToolName   = "answer_sql_query_tool"
)

// connectionConfigParam documents the descriptor fields the adapter accepts.
var connectionConfigParam = Param{
	Name: "connection_config",
	Type: "object",
	Description: "Connection details. Must include 'db_type' ('sqlite', 'postgresql' or 'oracle'). " +
		"SQLite needs 'db_path'; PostgreSQL needs 'user', 'password', 'host', 'dbname' and optionally 'port'; " +
		"Oracle needs 'user', 'password' and either 'dsn' (host:port/service) or 'host', 'port' and 'service_name'.",
	Required: true,
	Properties: []Param{
		{Name: "db_type", Type: "string", Enum: []string{string(sqlexec.KindSQLite), string(sqlexec.KindPostgres), string(sqlexec.KindOracle)}},
		{Name: "db_path", Type: "string", Description: "SQLite database file"},
		{Name: "user", Type: "string"},
		{Name: "password", Type: "string"},
		{Name: "host", Type: "string"},
		{Name: "port", Type: "integer"},
		{Name: "dbname", Type: "string"},
		{Name: "service_name", Type: "string", Description: "Oracle service name"},
		{Name: "dsn", Type: "string", Description: "Oracle host:port/service"},
	},
}

// SQLTools builds the SQL tool descriptors.
type SQLTools struct {
	Executor *sqlexec.Executor
	Cache    *cache.ReportCache
	Runner   SubRunner

	CacheMaxAge      time.Duration
	ExplorerMaxCalls int
	AnswerMaxCalls   int
	NestedDelay      time.Duration

	logger *zerolog.Logger
}

// NewSQLTools creates the SQL tool set with default budgets: a six day
// cache, 100 calls for exploration and 10 for answering.
func NewSQLTools(executor *sqlexec.Executor, reports *cache.ReportCache, runner SubRunner) *SQLTools {
	if executor == nil {
		executor = sqlexec.NewExecutor(sqlexec.DefaultMaxRows)
	}
	l := log.Logger.With().Str("component", "sql_tools").Logger()
	return &SQLTools{
		Executor:         executor,
		Cache:            reports,
		Runner:           runner,
		CacheMaxAge:      cache.DefaultMaxAge,
		ExplorerMaxCalls: 100,
		AnswerMaxCalls:   10,
		logger:           &l,
	}
}

// ExecuteSQL returns the generic execution tool.
func (s *SQLTools) ExecuteSQL() Descriptor {
	return Descriptor{
		Name: ExecuteSQLToolName,
		Description: "Executes a SQL query against a SQLite, PostgreSQL or Oracle database " +
			"and returns the column names and rows, or the number of affected rows.",
		Params: []Param{
			connectionConfigParam,
			{Name: "query", Type: "string", Description: "The SQL statement to execute, in the database's dialect", Required: true},
		},
		Handler: func(ctx context.Context, args Args) (string, error) {
			return s.Executor.ExecuteMap(ctx, args.Map("connection_config"), args.String("query")), nil
		},
	}
}

// SQLite returns the SQLite shortcut tool.
func (s *SQLTools) SQLite() Descriptor {
	return Descriptor{
		Name:        SQLiteToolName,
		Description: "Executes a SQL query against a local SQLite database file.",
		Params: []Param{
			{Name: "db_path", Type: "string", Description: "Path to the SQLite database file", Required: true},
			{Name: "query", Type: "string", Description: "The SQLite statement to execute", Required: true},
		},
		Handler: func(ctx context.Context, args Args) (string, error) {
			cfg := map[string]any{"db_type": string(sqlexec.KindSQLite), "db_path": args.String("db_path")}
			return s.Executor.ExecuteMap(ctx, cfg, args.String("query")), nil
		},
	}
}

// Explorer returns the structure report tool. Reports are served from
// the cache while fresh; otherwise a nested run explores the database and
// a non-empty report is cached.
func (s *SQLTools) Explorer() Descriptor {
	return Descriptor{
		Name: SQLExplorerToolName,
		Description: "Explores a database and returns a detailed report of its structure: " +
			"tables, columns, types, keys, relationships and sample data. Use it before answering questions about a database.",
		Params:  []Param{connectionConfigParam},
		Handler: s.explore,
	}
}

// Answer returns the question answering tool.
func (s *SQLTools) Answer() Descriptor {
	return Descriptor{
		Name: AnswerSQLToolName,
		Description: "Answers a natural language question about a database using its structure report " +
			"and targeted SQL queries.",
		Params: []Param{
			connectionConfigParam,
			{Name: "query", Type: "string", Description: "The natural language question to answer", Required: true},
			{Name: "database_report", Type: "string", Description: "The report returned by sql_explorer_tool", Required: true},
		},
		Hidden:  []string{HiddenThreadID, HiddenUserID},
		Handler: s.answer,
	}
}

func (s *SQLTools) explore(ctx context.Context, args Args) (string, error) {
	cfg := args.Map("connection_config")
	d, err := sqlexec.ParseDescriptor(cfg)
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	key := d.CacheKey()
	maxAge := s.CacheMaxAge
	if maxAge <= 0 {
		maxAge = cache.DefaultMaxAge
	}
	if s.Cache != nil {
		if report, ok := s.Cache.Get(ctx, key, maxAge); ok {
			s.log().Info().Str("db_type", string(d.Kind)).Msg("Using cached database report")
			return report, nil
		}
	}

	nested, err := s.nestedTools()
	if err != nil {
		return "", err
	}

	s.log().Info().Str("db_type", string(d.Kind)).Msg("Exploring database structure")
	report, err := s.Runner.RunNested(ctx, NestedRun{
		Prompt:   explorerPrompt(string(d.Kind), configJSON(cfg)),
		Tools:    nested,
		MaxCalls: orDefault(s.ExplorerMaxCalls, 100),
		Delay:    s.NestedDelay,
	})
	if err != nil {
		return "", fmt.Errorf("database exploration failed: %w", err)
	}

	if s.Cache != nil && strings.TrimSpace(report) != "" {
		s.Cache.Put(ctx, key, report)
	}
	return report, nil
}

func (s *SQLTools) answer(ctx context.Context, args Args) (string, error) {
	cfg := args.Map("connection_config")
	dbType, _ := cfg["db_type"].(string)
	if dbType == "" {
		dbType = "unknown"
	}
	question := args.String("query")

	report := args.String("database_report")
	if report == "" {
		s.log().Warn().Str("db_type", dbType).Msg("No database report provided")
		return "Error: Cannot query database without a structure report.", nil
	}

	nested, err := s.nestedTools()
	if err != nil {
		return "", err
	}

	s.log().Info().Str("db_type", dbType).Str("question", question).Msg("Answering database question")
	answer, err := s.Runner.RunNested(ctx, NestedRun{
		Prompt:   answerPrompt(dbType, report, question, configJSON(cfg)),
		Tools:    nested,
		MaxCalls: orDefault(s.AnswerMaxCalls, 10),
		Delay:    s.NestedDelay,
		ThreadID: args.String(HiddenThreadID),
		UserID:   args.String(HiddenUserID),
	})
	if err != nil {
		s.log().Error().Err(err).Str("db_type", dbType).Msg("Query run failed")
		return fmt.Sprintf("Error: Failed to execute query. %v", err), nil
	}
	return answer, nil
}

// nestedTools is the registry nested runs see: only the execution tool.
func (s *SQLTools) nestedTools() (*Registry, error) {
	if s.Runner == nil {
		return nil, fmt.Errorf("nested runs are not available")
	}
	r := NewRegistry()
	if err := r.Register(s.ExecuteSQL()); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLTools) log() *zerolog.Logger {
	if s.logger == nil {
		l := log.Logger.With().Str("component", "sql_tools").Logger()
		s.logger = &l
	}
	return s.logger
}

func configJSON(cfg map[string]any) string {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func explorerPrompt(dbType, config string) string {
	dialect := strings.ToUpper(dbType)
	return fmt.Sprintf(`You are a database exploration expert. Your job is to produce a detailed report on the structure of a %[1]s database.

Use the execute_sql_tool to inspect the database. Always pass this exact dictionary as the connection_config argument:
%[2]s

All queries MUST be valid %[1]s SQL. Only read data; never modify the database.

Steps:
1. List every user table (and view) in the database.
2. For each table, list its columns with their data types, nullability and defaults.
3. Identify primary keys, foreign keys and the relationships between tables.
4. Count the rows of each table and look at a few sample rows.
5. Note anything that would help someone write correct queries later (enumerated values, date formats, naming conventions).

When you are done, reply with ONLY the final report in Markdown. Do not include your reasoning or the tool calls.`, dialect, config)
}

func answerPrompt(dbType, report, question, config string) string {
	dialect := strings.ToUpper(dbType)
	return fmt.Sprintf(`You are an expert SQL assistant. Your job is to answer the user's question about a specific database.
The database type is: %[1]s

Here is a detailed report on the database structure:
--- DATABASE REPORT ---
%[2]s
--- END REPORT ---

User's Question: "%[3]s"

Please follow these steps:
1. Analyze the user's question and the detailed database report.
2. Formulate the necessary SQL query to find the answer.
3. IMPORTANT: You MUST write a query compatible with %[1]s SQL dialect.
4. You MUST use the execute_sql_tool to run your query.
5. The tool requires two arguments:
    - connection_config: A dictionary with connection details.
    - query: Your %[1]s SQL query string.
6. You MUST pass this exact dictionary as the connection_config argument:
   %[4]s
7. Based on the results from the tool, formulate a clear, natural language answer.
8. Provide ONLY the final natural language answer. Do not show the SQL query, the tool call, or your reasoning in your final response.`,
		dialect, report, question, config)
}
