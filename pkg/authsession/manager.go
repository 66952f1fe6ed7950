package authsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/credstore"
	"github.com/aussiebroadwan/authsession/pkg/jwtx"
	"github.com/aussiebroadwan/authsession/pkg/slogx"
	"golang.org/x/time/rate"
)

// defaultHTTPTimeout matches what the SDK has always used for its own client.
const defaultHTTPTimeout = 10 * time.Second

// Manager owns one user's session: it logs in, hands out valid access tokens
// (refreshing them when needed), exposes the identity claims and logs out.
// All methods are safe for concurrent use.
type Manager struct {
	store         *credstore.Store
	poster        Poster
	endpoints     endpoints
	fingerprinter Fingerprinter
	coordinator   *Coordinator
	limiter       *rate.Limiter
	logger        *slog.Logger
	now           func() time.Time

	onError       func(error)
	onBeforeLogin func(LoginAttempt)
}

// New validates cfg and builds a Manager.
func New(cfg Config) (*Manager, error) {
	base, err := ResolveBaseURL(cfg.BaseURL, cfg.Origin)
	if err != nil {
		return nil, err
	}

	logger := slogx.OrDefault(cfg.Logger)

	store := cfg.Store
	if store == nil {
		store = credstore.New(nil, nil)
	}

	poster := cfg.Poster
	if poster == nil {
		client := cfg.HTTPClient
		if client == nil {
			client = &http.Client{
				Timeout:   defaultHTTPTimeout,
				Transport: slogx.NewTransport(nil, logger),
			}
		}
		poster = NewHTTPPoster(client)
	}

	fingerprinter := cfg.Fingerprinter
	if fingerprinter == nil {
		fingerprinter = &HostFingerprint{Store: store, Delay: cfg.FingerprintDelay}
	}

	limit, burst := cfg.LoginRate, cfg.LoginBurst
	if limit == 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}

	eps := newEndpoints(base)

	return &Manager{
		store:         store,
		poster:        poster,
		endpoints:     eps,
		fingerprinter: fingerprinter,
		coordinator: &Coordinator{
			poster:          poster,
			url:             eps.refresh,
			store:           store,
			fingerprinter:   fingerprinter,
			timeout:         timeout,
			logger:          logger,
			now:             now,
			onError:         cfg.OnError,
			onBeforeRefresh: cfg.OnBeforeRefresh,
		},
		limiter:       rate.NewLimiter(limit, burst),
		logger:        logger,
		now:           now,
		onError:       cfg.OnError,
		onBeforeLogin: cfg.OnBeforeLogin,
	}, nil
}

// Coordinator exposes the refresh coordinator, mostly for diagnostics.
func (m *Manager) Coordinator() *Coordinator { return m.coordinator }

// Store exposes the credential store the manager writes to.
func (m *Manager) Store() *credstore.Store { return m.store }

// GetToken returns an access token that is valid right now.
//
// A stored, unexpired token is returned without any I/O beyond the store.
// Otherwise the refresh token is exchanged for a new pair, shared with any
// other goroutine that needs a refresh at the same time. When there is no
// refresh token the credentials are cleared and GetToken returns ("", nil):
// the user is simply not logged in.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	if token, ok := m.validAccessToken(ctx); ok {
		return token, nil
	}

	refreshToken, _, err := m.store.RefreshToken(ctx)
	if err != nil {
		m.report(err)
		return "", err
	}

	if refreshToken == "" {
		m.logger.Warn("refresh token not found")
		m.clear(ctx)
		return "", nil
	}

	if err := m.coordinator.Refresh(ctx, refreshToken); err != nil {
		return "", err
	}

	token, err := m.store.AccessToken(ctx)
	if err != nil {
		m.report(err)
		return "", err
	}
	return token, nil
}

func (m *Manager) validAccessToken(ctx context.Context) (string, bool) {
	token, err := m.store.AccessToken(ctx)
	if err != nil {
		m.logger.Warn("failed to read access token", "error", err)
		return "", false
	}
	if token == "" {
		return "", false
	}

	claims, err := jwtx.Decode(token)
	if err != nil {
		m.logger.Warn("stored access token is not decodable", "error", err)
		return "", false
	}

	if jwtx.IsExpired(claims, m.now()) {
		return "", false
	}
	return token, true
}

// Claims returns the identity profile decoded from the stored access token.
// ok is false when there is no access token. A token that cannot be decoded
// clears the credentials.
func (m *Manager) Claims(ctx context.Context) (jwtx.Profile, bool) {
	token, err := m.store.AccessToken(ctx)
	if err != nil {
		m.report(err)
		return nil, false
	}
	if token == "" {
		return nil, false
	}

	claims, err := jwtx.Decode(token)
	if err != nil {
		m.report(err)
		m.logger.Warn("failed to decode access token", "error", err)
		m.clear(ctx)
		return nil, false
	}

	return claims.Profile(), true
}

// Logout forgets every credential. Nothing is sent to the server.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		m.report(err)
		return fmt.Errorf("authsession: logout: %w", err)
	}
	m.logger.Info("logged out")
	return nil
}

// Authorize sets a bearer Authorization header on req from GetToken.
func (m *Manager) Authorize(ctx context.Context, req *http.Request) error {
	token, err := m.requireToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Transport returns a RoundTripper that authorizes every request through the
// manager before handing it to base (http.DefaultTransport if nil).
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		r = r.Clone(r.Context())
		if err := m.Authorize(r.Context(), r); err != nil {
			return nil, err
		}
		return base.RoundTrip(r)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func (m *Manager) clear(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.report(err)
		m.logger.Error("failed to clear credentials", "error", err)
	}
}

// report forwards err to the OnError hook if there is one.
func (m *Manager) report(err error) {
	if m.onError != nil && err != nil {
		m.onError(err)
	}
}

// fail folds err into a Result, logging and reporting it on the way.
func (m *Manager) fail(err error) Result {
	m.report(err)

	msg := errorMessage(err)
	var te *TransportError
	if errors.As(err, &te) {
		m.logger.Error("identity request failed", "error", err)
	} else {
		m.logger.Warn("identity request rejected", "reason", msg)
	}
	return Result{ErrorMessage: msg}
}
