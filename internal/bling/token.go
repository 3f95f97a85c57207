package bling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenURL is the Bling v3 OAuth2 token endpoint.
const DefaultTokenURL = "https://www.bling.com.br/Api/v3/oauth/token"

// DefaultSafetyMargin is subtracted from expires_in so a token is refreshed
// before the server starts rejecting it.
const DefaultSafetyMargin = 60 * time.Second

// TokenState is a snapshot of the bearer credentials.
type TokenState struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is zero when the expiry is unknown (e.g. loaded from config).
	ExpiresAt time.Time
}

// TokenPersister stores refreshed credentials so they survive restarts.
type TokenPersister interface {
	PersistTokens(accessToken, refreshToken string) error
}

// TokenSource hands out bearer tokens to the API client.
type TokenSource interface {
	// AccessToken returns a token that is believed to be valid, refreshing
	// it first when it is missing or expired.
	AccessToken(ctx context.Context) (string, error)

	// RefreshRejected is called after the API answered 401 to rejected. It
	// exchanges the refresh token unless the cached token already differs
	// from rejected, in which case that newer token is returned.
	RefreshRejected(ctx context.Context, rejected string) (string, error)
}

// TokenConfig configures a TokenManager.
type TokenConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string        // defaults to DefaultTokenURL
	SafetyMargin time.Duration // defaults to DefaultSafetyMargin
	HTTPClient   *http.Client
	Persister    TokenPersister
	Logger       *slog.Logger

	// OnRefresh, when set, is called after every exchange attempt.
	OnRefresh func(err error, elapsed time.Duration)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// TokenManager owns the OAuth2 credentials and refreshes them on demand.
//
// Concurrent refresh requests collapse into a single exchange. A caller that
// started waiting before an exchange finished receives that exchange's token
// instead of triggering another one.
type TokenManager struct {
	cfg    TokenConfig
	logger *slog.Logger
	group  singleflight.Group

	mu    sync.Mutex
	state TokenState
	gen   uint64 // bumped whenever state is replaced
}

// NewTokenManager creates a manager seeded with the given credentials.
func NewTokenManager(cfg TokenConfig, initial TokenState) *TokenManager {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TokenManager{cfg: cfg, logger: logger, state: initial}
}

// State returns a copy of the current credentials.
func (m *TokenManager) State() TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reload replaces the credentials, e.g. after the authorize command wrote a
// fresh pair to the config file.
func (m *TokenManager) Reload(st TokenState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	m.gen++
}

// AccessToken implements TokenSource.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()

	if st.AccessToken != "" && (st.ExpiresAt.IsZero() || m.cfg.Now().Before(st.ExpiresAt)) {
		return st.AccessToken, nil
	}
	return m.refresh(ctx, "")
}

// ForceRefresh exchanges the refresh token regardless of the cached token's
// expiry.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	return m.refresh(ctx, "")
}

// RefreshRejected implements TokenSource. Concurrent requests that were all
// rejected with the same stale token share one exchange, no matter when each
// of them got its 401.
func (m *TokenManager) RefreshRejected(ctx context.Context, rejected string) (string, error) {
	return m.refresh(ctx, rejected)
}

// refresh runs an exchange unless the state already moved on: another
// exchange or a reload finished since the call started, or the cached token
// is no longer the rejected one. An empty rejected token only checks the
// former.
func (m *TokenManager) refresh(ctx context.Context, rejected string) (string, error) {
	m.mu.Lock()
	seen := m.gen
	if cur := m.state.AccessToken; rejected != "" && cur != "" && cur != rejected {
		m.mu.Unlock()
		return cur, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("refresh", func() (any, error) {
		m.mu.Lock()
		cur := m.state.AccessToken
		if cur != "" && (m.gen != seen || (rejected != "" && cur != rejected)) {
			m.mu.Unlock()
			return cur, nil
		}
		m.mu.Unlock()

		// The exchange outlives the caller that started it; other waiters
		// depend on its result.
		return m.exchange(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// exchange performs one refresh_token grant and installs the result.
func (m *TokenManager) exchange(ctx context.Context) (string, error) {
	m.mu.Lock()
	refreshToken := m.state.RefreshToken
	m.mu.Unlock()

	switch {
	case m.cfg.ClientID == "":
		return "", &ConfigurationError{Setting: "BLING_CLIENT_ID", Reason: "required to refresh the access token"}
	case m.cfg.ClientSecret == "":
		return "", &ConfigurationError{Setting: "BLING_CLIENT_SECRET", Reason: "required to refresh the access token"}
	case refreshToken == "":
		return "", &ConfigurationError{Setting: "BLING_REFRESH_TOKEN", Reason: "missing; run the authorize command"}
	}

	conf := &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	transport := &recordingTransport{base: m.cfg.HTTPClient.Transport}
	client := *m.cfg.HTTPClient
	client.Transport = transport
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &client)

	start := m.cfg.Now()
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		err = ClassifyExchangeError("token refresh", err, transport.err)
		m.observe(err, start)
		m.logger.Warn("token refresh failed", "error", err)
		return "", err
	}

	m.mu.Lock()
	m.state.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		m.state.RefreshToken = tok.RefreshToken
	}
	m.state.ExpiresAt = time.Time{}
	if !tok.Expiry.IsZero() {
		lifetime := time.Until(tok.Expiry)
		m.state.ExpiresAt = m.cfg.Now().Add(lifetime - m.cfg.SafetyMargin)
	}
	m.gen++
	st := m.state
	m.mu.Unlock()

	m.observe(nil, start)
	m.logger.Info("access token refreshed", "expires_at", st.ExpiresAt)

	if m.cfg.Persister != nil {
		if err := m.cfg.Persister.PersistTokens(st.AccessToken, st.RefreshToken); err != nil {
			m.logger.Error("failed to persist refreshed tokens", "error", err)
		}
	}
	return st.AccessToken, nil
}

// ClassifyExchangeError maps a failed oauth2 token request to AuthExchangeError
// or, when transportErr is set and no HTTP answer arrived, to
// TransientNetworkError.
func ClassifyExchangeError(op string, err, transportErr error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &AuthExchangeError{StatusCode: status, Body: TruncateBody(string(re.Body))}
	}
	if transportErr != nil {
		return &TransientNetworkError{Op: op, Err: transportErr}
	}
	// 2xx with an unusable body, e.g. no access_token.
	return &AuthExchangeError{StatusCode: http.StatusOK, Body: TruncateBody(err.Error())}
}

func (m *TokenManager) observe(err error, start time.Time) {
	if m.cfg.OnRefresh != nil {
		m.cfg.OnRefresh(err, m.cfg.Now().Sub(start))
	}
}

// recordingTransport remembers the last transport-level failure so it can be
// told apart from an HTTP error answer.
type recordingTransport struct {
	base http.RoundTripper
	err  error
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		t.err = err
	}
	return resp, err
}
