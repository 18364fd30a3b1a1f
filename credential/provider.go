// Package credential resolves the bearer token used to call the model service.
//
// Information Hiding:
// - Static key versus token endpoint selection hidden behind Token()
// - Single-slot cache and its expiry hidden
// - Token endpoint request format hidden
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/richinex/querypilot/observability"
)

// Defaults applied when Config leaves a duration at zero.
const (
	DefaultTTL     = 8 * time.Minute
	DefaultTimeout = 10 * time.Second
)

// ErrNotConfigured means neither a static key nor a token endpoint is set.
var ErrNotConfigured = errors.New("no static key and no token endpoint configured")

// ErrEmptyToken means the token endpoint answered with an empty body.
var ErrEmptyToken = errors.New("token endpoint returned an empty response")

// AuthError reports that no usable credential could be obtained.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Config holds credential settings.
type Config struct {
	StaticKey    string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	TTL          time.Duration
	Timeout      time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the client used for the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider hands out the model service token. It is built once per process
// and shared by every run. The slot is held for the whole check-fetch-store
// sequence, so concurrent callers on an empty slot wait for a single fetch.
// A waiting caller gives up when its own context ends.
type Provider struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger

	// slot is a one-element semaphore guarding token and issuedAt.
	slot     chan struct{}
	token    string
	issuedAt time.Time
}

// New creates a Provider.
func New(cfg Config, opts ...Option) *Provider {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	p := &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		logger: log.Logger.With().Str("component", "credential").Logger(),
		slot:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	switch {
	case cfg.StaticKey != "":
		p.logger.Info().Msg("using static API key")
	case cfg.ClientID != "" && cfg.TokenURL != "":
		p.logger.Info().Str("client_id", cfg.ClientID).Msg("configured for dynamic token issuance")
		if cfg.ClientSecret == "" {
			p.logger.Warn().Msg("client secret is not set, token requests may fail")
		}
	default:
		p.logger.Error().Msg("no credential configuration found")
	}
	return p
}

// Static reports whether a fixed key is configured.
func (p *Provider) Static() bool {
	return p.cfg.StaticKey != ""
}

// Token returns a usable bearer token. Failures are *AuthError, except
// that ctx.Err() is returned as is when ctx ends while another caller's
// fetch is in flight.
func (p *Provider) Token(ctx context.Context) (string, error) {
	if p.cfg.StaticKey != "" {
		return p.cfg.StaticKey, nil
	}
	if p.cfg.ClientID == "" || p.cfg.TokenURL == "" {
		return "", &AuthError{Err: ErrNotConfigured}
	}

	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-p.slot }()

	if p.token != "" && p.now().Sub(p.issuedAt) < p.cfg.TTL {
		p.logger.Debug().Msg("token served from cache")
		return p.token, nil
	}

	token, err := p.fetch(ctx)
	observability.RecordTokenFetch(err == nil)
	if err != nil {
		p.logger.Error().Err(err).Msg("token request failed")
		return "", &AuthError{Err: err}
	}

	p.token = token
	p.issuedAt = p.now()
	p.logger.Info().Msg("fetched and cached new token")
	return token, nil
}

// Invalidate drops the cached token so the next Token call fetches again.
func (p *Provider) Invalidate() {
	p.slot <- struct{}{}
	defer func() { <-p.slot }()
	p.token = ""
	p.issuedAt = time.Time{}
}

func (p *Provider) endpoint() string {
	return p.cfg.TokenURL + url.PathEscape(p.cfg.ClientID) + "?scope=" + url.QueryEscape(p.cfg.Scope)
}

func (p *Provider) fetch(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"clientSecret": p.cfg.ClientSecret})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", p.cfg.ClientID)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}
