// Package config provides application settings loaded from a config file
// and environment variables.
//
// Settings are created via Load() which handles:
// - Default value application
// - Optional config file (yaml, json or toml) through viper
// - QUERYPILOT_* environment overrides plus the unprefixed credential
//   variables (GEMINI_API_KEY, LLM_ID, LLM_SECRET, TOKEN_API_URL, TOKEN_API_SCOPE)
// - Provider-specific model and API key lookup

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds all application configuration.
type Settings struct {
	LLM        LLMConfig        `mapstructure:"llm"`
	Credential CredentialConfig `mapstructure:"credential"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Cache      CacheConfig      `mapstructure:"cache"`
	SQL        SQLConfig        `mapstructure:"sql"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// LLMConfig holds model provider configuration.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	MaxTokens   uint32  `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	BaseURL     string  `mapstructure:"base_url"`
}

// CredentialConfig configures how the model service token is obtained.
// StaticKey wins over the token endpoint when both are set.
type CredentialConfig struct {
	StaticKey    string        `mapstructure:"static_key"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scope        string        `mapstructure:"scope"`
	TTL          time.Duration `mapstructure:"ttl"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// AgentConfig holds agent loop configuration.
type AgentConfig struct {
	MaxCalls         int           `mapstructure:"max_calls"`
	Delay            time.Duration `mapstructure:"delay"`
	ExplorerMaxCalls int           `mapstructure:"explorer_max_calls"`
	AnswerMaxCalls   int           `mapstructure:"answer_max_calls"`
	NestedDelay      time.Duration `mapstructure:"nested_delay"`
	DataSourcesFile  string        `mapstructure:"data_sources_file"`
}

// CacheConfig holds report cache configuration.
type CacheConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

// SQLConfig holds execution adapter configuration.
type SQLConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"` // sqlite, memory, firestore
	SQLitePath   string `mapstructure:"sqlite_path"`
	GCPProjectID string `mapstructure:"gcp_project"`
}

// ToolsConfig holds built-in tool configuration.
type ToolsConfig struct {
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	AllowedDomains []string      `mapstructure:"allowed_domains"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	File      string `mapstructure:"file"`
	Pretty    bool   `mapstructure:"pretty"`
	Redaction bool   `mapstructure:"redaction"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "DEEPSEEK_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// legacyEnv binds keys to the unprefixed variables the deployment already uses.
var legacyEnv = map[string][]string{
	"credential.token_url":     {"TOKEN_API_URL"},
	"credential.client_id":     {"LLM_ID"},
	"credential.client_secret": {"LLM_SECRET"},
	"credential.scope":         {"TOKEN_API_SCOPE"},
	"storage.gcp_project":      {"GOOGLE_CLOUD_PROJECT"},
}

const envPrefix = "QUERYPILOT"

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.base_url", "")

	v.SetDefault("credential.static_key", "")
	v.SetDefault("credential.token_url", "")
	v.SetDefault("credential.client_id", "")
	v.SetDefault("credential.client_secret", "")
	v.SetDefault("credential.scope", "")
	v.SetDefault("credential.ttl", 8*time.Minute)
	v.SetDefault("credential.timeout", 10*time.Second)

	v.SetDefault("agent.max_calls", 20)
	v.SetDefault("agent.delay", 10*time.Second)
	v.SetDefault("agent.explorer_max_calls", 100)
	v.SetDefault("agent.answer_max_calls", 10)
	v.SetDefault("agent.nested_delay", 10*time.Second)
	v.SetDefault("agent.data_sources_file", "")

	v.SetDefault("cache.max_age", 6*24*time.Hour)
	v.SetDefault("sql.max_rows", 1000)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite_path", ".querypilot/querypilot.db")
	v.SetDefault("storage.gcp_project", "")

	v.SetDefault("tools.fetch_timeout", 10*time.Second)
	v.SetDefault("tools.allowed_domains", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.pretty", true)
	v.SetDefault("logging.redaction", true)

	v.SetDefault("metrics.addr", "")
}

// Load builds Settings from defaults, the optional config file at path and
// the environment. An empty path skips the file.
func Load(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		args := append([]string{key, envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return Settings{}, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	s.LLM.Provider = normalizeProvider(s.LLM.Provider)
	info, err := getProviderInfo(s.LLM.Provider)
	if err != nil {
		return Settings{}, err
	}
	if s.LLM.Model == "" {
		s.LLM.Model = os.Getenv(info.modelEnv)
	}
	if s.LLM.Model == "" {
		s.LLM.Model = info.defaultModel
	}
	if s.Credential.StaticKey == "" {
		s.Credential.StaticKey = os.Getenv(info.apiKeyEnv)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// MustLoad is Load that panics on error.
// Use this only when configuration errors should be fatal.
func MustLoad(path string) Settings {
	s, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return s
}

// Validate checks values that would otherwise fail deep inside a run.
func (s Settings) Validate() error {
	if s.Agent.MaxCalls <= 0 {
		return fmt.Errorf("agent.max_calls must be positive, got %d", s.Agent.MaxCalls)
	}
	if s.Agent.Delay < 0 || s.Agent.NestedDelay < 0 {
		return fmt.Errorf("agent delays must not be negative")
	}
	if s.SQL.MaxRows < 0 {
		return fmt.Errorf("sql.max_rows must not be negative, got %d", s.SQL.MaxRows)
	}
	if s.Credential.TTL <= 0 {
		return fmt.Errorf("credential.ttl must be positive")
	}
	switch s.Storage.Backend {
	case "sqlite", "memory":
	case "firestore":
		if s.Storage.GCPProjectID == "" {
			return fmt.Errorf("storage.gcp_project is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", s.Storage.Backend)
	}
	return nil
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	info, err := getProviderInfo(normalizeProvider(provider))
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// SupportedProviders returns the list of supported provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	return result
}

// WithProvider returns a copy of s switched to provider. The model and the
// static key are looked up again for the new provider.
func (s Settings) WithProvider(provider string) (Settings, error) {
	provider = normalizeProvider(provider)
	if provider == s.LLM.Provider {
		return s, nil
	}
	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}
	s.LLM.Provider = provider
	s.LLM.Model = os.Getenv(info.modelEnv)
	if s.LLM.Model == "" {
		s.LLM.Model = info.defaultModel
	}
	s.Credential.StaticKey = os.Getenv(info.apiKeyEnv)
	return s, nil
}
