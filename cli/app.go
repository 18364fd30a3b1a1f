// Application wiring for CLI commands.
//
// Information Hiding:
// - Construction order of settings, logger, storage, credentials and tools hidden
// - Metrics endpoint lifecycle hidden
// - Provider selection from settings hidden

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/richinex/querypilot/agent"
	"github.com/richinex/querypilot/assistant"
	"github.com/richinex/querypilot/cache"
	"github.com/richinex/querypilot/config"
	"github.com/richinex/querypilot/credential"
	"github.com/richinex/querypilot/internal/logger"
	"github.com/richinex/querypilot/llm"
	"github.com/richinex/querypilot/observability"
	"github.com/richinex/querypilot/sqlexec"
	"github.com/richinex/querypilot/storage"
	"github.com/richinex/querypilot/tools"
	"github.com/rs/zerolog/log"
)

// Options holds CLI execution options.
type Options struct {
	ConfigPath string
	Provider   string
	UserID     string
	Verbose    bool
}

// DefaultOptions returns default CLI options.
func DefaultOptions() Options {
	return Options{UserID: "local"}
}

// App is the fully wired engine used by the commands.
type App struct {
	Settings  config.Settings
	Store     storage.Store
	Tokens    *credential.Provider
	Runner    *agent.Runner
	Executor  *sqlexec.Executor
	SQL       *tools.SQLTools
	Registry  *tools.Registry
	Assistant *assistant.Service

	log     *logger.Logger
	metrics *http.Server
}

// NewApp loads settings and builds every collaborator.
func NewApp(ctx context.Context, opts Options) (*App, error) {
	settings, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}

	lg, err := newLogger(settings, opts.Verbose)
	if err != nil {
		return nil, err
	}

	app := &App{Settings: settings, log: lg}
	if err := app.build(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func loadSettings(opts Options) (config.Settings, error) {
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Settings{}, err
	}
	if opts.Provider != "" {
		settings, err = settings.WithProvider(opts.Provider)
		if err != nil {
			return config.Settings{}, err
		}
	}
	return settings, nil
}

func (a *App) build(ctx context.Context) error {
	s := a.Settings

	store, err := storage.Open(ctx, storage.Options{
		Backend:    s.Storage.Backend,
		SQLitePath: s.Storage.SQLitePath,
		GCPProject: s.Storage.GCPProjectID,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.Store = store

	a.Tokens = credential.New(credential.Config{
		StaticKey:    s.Credential.StaticKey,
		TokenURL:     s.Credential.TokenURL,
		ClientID:     s.Credential.ClientID,
		ClientSecret: s.Credential.ClientSecret,
		Scope:        s.Credential.Scope,
		TTL:          s.Credential.TTL,
		Timeout:      s.Credential.Timeout,
	})

	factory, err := providerFactory(s.LLM)
	if err != nil {
		return err
	}
	a.Runner = agent.NewRunner(a.Tokens, factory, store)

	a.Executor = sqlexec.NewExecutor(s.SQL.MaxRows)
	a.SQL = tools.NewSQLTools(a.Executor, cache.New(store), a.Runner)
	a.SQL.CacheMaxAge = s.Cache.MaxAge
	a.SQL.ExplorerMaxCalls = s.Agent.ExplorerMaxCalls
	a.SQL.AnswerMaxCalls = s.Agent.AnswerMaxCalls
	a.SQL.NestedDelay = s.Agent.NestedDelay

	fetch := tools.NewURLFetcher(s.Tools.FetchTimeout).WithAllowedDomains(s.Tools.AllowedDomains)
	a.Registry, err = tools.WithDefaults(tools.Defaults{SQL: a.SQL, Fetch: fetch})
	if err != nil {
		return err
	}

	dataSources, err := readDataSources(s.Agent.DataSourcesFile)
	if err != nil {
		return err
	}
	a.Assistant = assistant.New(a.Runner, store, a.Registry, assistant.Config{
		MaxCalls:    s.Agent.MaxCalls,
		Delay:       s.Agent.Delay,
		DataSources: dataSources,
	})

	if s.Metrics.Addr != "" {
		a.startMetrics(s.Metrics.Addr)
	}
	return nil
}

// providerFactory returns the per-token provider constructor for cfg.
func providerFactory(cfg config.LLMConfig) (llm.Factory, error) {
	providerType, err := llm.ParseProviderType(cfg.Provider)
	if err != nil {
		return nil, err
	}
	builder := providerType.
		Model(cfg.Model).
		MaxTokens(cfg.MaxTokens).
		Temperature(float32(cfg.Temperature))
	if cfg.BaseURL != "" {
		builder = builder.BaseURL(cfg.BaseURL)
	}
	return builder.Factory(), nil
}

// readDataSources returns the data source description embedded in every
// top level prompt. An empty path means none.
func readDataSources(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read data sources file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (a *App) startMetrics(addr string) {
	observability.EnsureRegistered()
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")
}

// Close stops background work and releases storage.
func (a *App) Close() error {
	var errs []error
	if a.Assistant != nil {
		a.Assistant.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.metrics.Shutdown(ctx))
		cancel()
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
