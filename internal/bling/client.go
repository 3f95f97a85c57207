package bling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
)

// Default endpoints and limits.
const (
	DefaultBaseURL       = "https://www.bling.com.br/Api/v3"
	DefaultLegacyBaseURL = "https://bling.com.br/Api/v2"
	DefaultTimeout       = 20 * time.Second
	DefaultPageSize      = 100
)

// Protocol is the API generation a Client talks to.
type Protocol string

const (
	// ProtocolAuto picks legacy when an API key is configured, else bearer.
	ProtocolAuto Protocol = "auto"
	// ProtocolLegacy is the v2 API authenticated by an API key query parameter.
	ProtocolLegacy Protocol = "legacy"
	// ProtocolBearer is the v3 API authenticated by an OAuth2 bearer token.
	ProtocolBearer Protocol = "bearer"
)

// ParseProtocol validates a protocol preference. Empty means auto.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case "", ProtocolAuto:
		return ProtocolAuto, nil
	case ProtocolLegacy, ProtocolBearer:
		return p, nil
	default:
		return "", &ConfigurationError{Setting: "BLING_PROTOCOL", Reason: fmt.Sprintf("unknown protocol %q (want auto, legacy or bearer)", s)}
	}
}

// RequestObserver is told about every HTTP request the client completes.
// status is 0 when the request failed before a response arrived.
type RequestObserver func(p Protocol, kind schema.Kind, status int, elapsed time.Duration)

// ClientConfig configures a Client.
type ClientConfig struct {
	APIKey string
	Tokens TokenSource

	Preference    Protocol
	BaseURL       string
	LegacyBaseURL string
	Timeout       time.Duration

	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64

	HTTPClient *http.Client
	Observer   RequestObserver
	Logger     *slog.Logger
}

// Client fetches raw ledger pages from one API generation. The generation is
// fixed when the client is created.
type Client struct {
	protocol   Protocol
	apiKey     string
	tokens     TokenSource
	baseURL    string
	legacyURL  string
	httpClient *http.Client
	limiter    *rate.Limiter
	observer   RequestObserver
	logger     *slog.Logger
}

// NewClient selects the protocol and builds a client. It returns a
// *ConfigurationError when no usable credentials are configured.
func NewClient(cfg ClientConfig) (*Client, error) {
	pref := cfg.Preference
	if pref == "" {
		pref = ProtocolAuto
	}

	var protocol Protocol
	switch pref {
	case ProtocolAuto:
		switch {
		case cfg.APIKey != "":
			protocol = ProtocolLegacy
		case cfg.Tokens != nil:
			protocol = ProtocolBearer
		default:
			return nil, &ConfigurationError{Reason: "neither BLING_API_KEY nor OAuth2 credentials are configured"}
		}
	case ProtocolLegacy:
		if cfg.APIKey == "" {
			return nil, &ConfigurationError{Setting: "BLING_API_KEY", Reason: "required by the legacy protocol"}
		}
		protocol = ProtocolLegacy
	case ProtocolBearer:
		if cfg.Tokens == nil {
			return nil, &ConfigurationError{Setting: "BLING_ACCESS_TOKEN", Reason: "bearer protocol needs OAuth2 credentials"}
		}
		protocol = ProtocolBearer
	default:
		return nil, &ConfigurationError{Setting: "BLING_PROTOCOL", Reason: fmt.Sprintf("unknown protocol %q", pref)}
	}

	c := &Client{
		protocol:   protocol,
		apiKey:     cfg.APIKey,
		tokens:     cfg.Tokens,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		legacyURL:  strings.TrimRight(cfg.LegacyBaseURL, "/"),
		httpClient: cfg.HTTPClient,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.legacyURL == "" {
		c.legacyURL = DefaultLegacyBaseURL
	}
	if c.httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

// Protocol returns the API generation chosen at construction.
func (c *Client) Protocol() Protocol {
	return c.protocol
}

// Fetch returns the raw body of one page of the given ledger kind. Pages are
// 1-based.
func (c *Client) Fetch(ctx context.Context, kind schema.Kind, page, pageSize int) ([]byte, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if c.protocol == ProtocolLegacy {
		return c.fetchLegacy(ctx, kind, page, pageSize)
	}
	return c.fetchBearer(ctx, kind, page, pageSize)
}

func (c *Client) fetchLegacy(ctx context.Context, kind schema.Kind, page, pageSize int) ([]byte, error) {
	q := url.Values{}
	q.Set("apikey", c.apiKey)
	q.Set("pagina", strconv.Itoa(page))
	q.Set("limite", strconv.Itoa(pageSize))
	u := c.legacyURL + "/" + kind.LegacyResource() + "/json?" + q.Encode()

	status, body, err := c.do(ctx, kind, u, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &RemoteAPIError{StatusCode: status, Body: TruncateBody(string(body)), URL: redact(u)}
	}
	return body, nil
}

// fetchBearer sends the request, and on 401 forces one token refresh and
// resends once. A second 401 means the refreshed credentials are rejected too.
func (c *Client) fetchBearer(ctx context.Context, kind schema.Kind, page, pageSize int) ([]byte, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(pageSize))
	u := c.baseURL + "/" + kind.Resource() + "?" + q.Encode()

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(ctx, kind, u, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		c.logger.Info("access token rejected, refreshing", "kind", kind, "page", page)
		token, err = c.tokens.RefreshRejected(ctx, token)
		if err != nil {
			return nil, err
		}
		status, body, err = c.do(ctx, kind, u, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, &AuthExchangeError{StatusCode: status, Body: TruncateBody(string(body))}
		}
	}

	if status < 200 || status > 299 {
		return nil, &RemoteAPIError{StatusCode: status, Body: TruncateBody(string(body)), URL: u}
	}
	return body, nil
}

// do performs one GET. Transport failures come back as *TransientNetworkError.
func (c *Client) do(ctx context.Context, kind schema.Kind, u, bearer string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(kind, 0, start)
		return 0, nil, &TransientNetworkError{Op: "GET " + kind.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.observe(kind, resp.StatusCode, start)
	if err != nil {
		return 0, nil, &TransientNetworkError{Op: "read " + kind.String() + " response", Err: err}
	}

	c.logger.Debug("bling request", "protocol", c.protocol, "kind", kind, "status", resp.StatusCode, "bytes", len(body))
	return resp.StatusCode, body, nil
}

func (c *Client) observe(kind schema.Kind, status int, start time.Time) {
	if c.observer != nil {
		c.observer(c.protocol, kind, status, time.Since(start))
	}
}

// redact hides the API key in URLs that end up in errors and logs.
func redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	q := parsed.Query()
	if q.Has("apikey") {
		q.Set("apikey", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
