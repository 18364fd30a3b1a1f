// URL Fetch Tool.
//
// Information Hiding:
// - HTTP client implementation details hidden
// - JSON detection and re-indentation hidden
// - Domain allowlist enforcement hidden

package tools

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
)

// URLFetchToolName is the registered name of the fetch tool.
const URLFetchToolName = "url_fetch_tool"

// DefaultFetchTimeout bounds a single fetch.
const DefaultFetchTimeout = 10 * time.Second

// maxFetchBytes bounds how much of a response body is read.
const maxFetchBytes = 5 << 20

// URLFetcher fetches the body of a URL for the model.
type URLFetcher struct {
	client         *http.Client
	timeout        time.Duration
	allowedDomains []string
}

// NewURLFetcher creates a fetcher with the given timeout
// (DefaultFetchTimeout when zero).
func NewURLFetcher(timeout time.Duration) *URLFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &URLFetcher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// WithAllowedDomains sets the allowed domains for requests.
// An empty list allows every domain.
func (f *URLFetcher) WithAllowedDomains(domains []string) *URLFetcher {
	f.allowedDomains = domains
	return f
}

// WithClient replaces the HTTP client.
func (f *URLFetcher) WithClient(c *http.Client) *URLFetcher {
	if c != nil {
		f.client = c
	}
	return f
}

// Descriptor returns the tool descriptor.
func (f *URLFetcher) Descriptor() Descriptor {
	return Descriptor{
		Name: URLFetchToolName,
		Description: "Fetches the content of a URL with an HTTP GET request. " +
			"JSON responses are returned pretty-printed, anything else as raw text.",
		Params: []Param{
			{Name: "url", Type: "string", Description: "The URL to fetch", Required: true},
		},
		Handler: f.handle,
	}
}

func (f *URLFetcher) handle(ctx context.Context, args Args) (string, error) {
	target := strings.TrimSpace(args.String("url"))
	if target == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}
	if !f.isDomainAllowed(target) {
		return "", fmt.Errorf("access to domain in '%s' is not allowed", target)
	}
	return f.Fetch(ctx, target), nil
}

// Fetch performs the GET and renders the outcome as text.
func (f *URLFetcher) Fetch(ctx context.Context, target string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Sprintf("Error: An unexpected error occurred: %v", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Sprintf("Error: An unexpected error occurred: request timed out after %s", f.timeout)
		}
		return fmt.Sprintf("Error: An unexpected error occurred: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("Error: Could not fetch URL. HTTP status: %d. Message: %s for url: %s",
			resp.StatusCode, resp.Status, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return fmt.Sprintf("Error: An unexpected error occurred: %v", err)
	}

	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			return buf.String()
		}
	}
	return string(body)
}

// isDomainAllowed checks if the URL's domain is in the allowlist.
// Uses proper URL parsing to prevent bypass attacks.
func (f *URLFetcher) isDomainAllowed(urlStr string) bool {
	if len(f.allowedDomains) == 0 {
		return true
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	host := u.Hostname()
	for _, domain := range f.allowedDomains {
		// Exact match or subdomain match
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
