package authsession_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/authsession"
	"github.com/aussiebroadwan/authsession/pkg/authtest"
	"github.com/aussiebroadwan/authsession/pkg/credstore"
	"github.com/aussiebroadwan/authsession/pkg/slogx"
	"github.com/stretchr/testify/require"
)

var alice = authtest.User{
	ID:       "u1",
	Login:    "alice",
	Password: "secret",
	Claims:   map[string]any{"____department": "ops"},
}

// fixture is a manager wired to in-memory backends the test can inspect.
type fixture struct {
	manager *authsession.Manager
	session *credstore.Memory
	durable *credstore.Memory
	store   *credstore.Store
}

func newFixture(t *testing.T, cfg authsession.Config) *fixture {
	t.Helper()

	f := &fixture{session: credstore.NewMemory(), durable: credstore.NewMemory()}
	f.store = credstore.New(f.session, f.durable)

	cfg.Store = f.store
	if cfg.Fingerprinter == nil {
		cfg.Fingerprinter = authsession.StaticFingerprint("fp-test")
	}
	if cfg.Logger == nil {
		cfg.Logger = slogx.Discard()
	}

	m, err := authsession.New(cfg)
	require.NoError(t, err)
	f.manager = m
	return f
}

// serverFixture wires a manager to a fresh fake identity server.
func serverFixture(t *testing.T, cfg authsession.Config) (*fixture, *authtest.Server) {
	t.Helper()

	srv := authtest.Start(t, authtest.WithUser(alice))
	cfg.BaseURL = srv.URL()
	cfg.HTTPClient = srv.Client()
	return newFixture(t, cfg), srv
}

// unsignedToken builds a structurally valid JWT with a junk signature.
func unsignedToken(t *testing.T, claims map[string]any) string {
	t.Helper()

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." +
		enc.EncodeToString(payload) + "." +
		enc.EncodeToString([]byte("sig"))
}

func tokenExpiringAt(t *testing.T, exp time.Time) string {
	t.Helper()

	return unsignedToken(t, map[string]any{
		"unique_name": "u1",
		"nameid":      "alice",
		"exp":         exp.Unix(),
	})
}

// seedExpired stores an expired access token next to a refresh token the
// server honours.
func seedExpired(t *testing.T, f *fixture, srv *authtest.Server, l credstore.Lifetime) string {
	t.Helper()

	expired, err := srv.MintAccessToken("alice", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	refresh, err := srv.IssueRefreshToken("alice")
	require.NoError(t, err)

	require.NoError(t, f.store.SaveTokens(context.Background(), expired, refresh, l))
	return refresh
}

// posterFunc adapts a function to authsession.Poster.
type posterFunc func(ctx context.Context, url string, body any, headers map[string]string) (*authsession.Response, error)

func (f posterFunc) Post(ctx context.Context, url string, body any, headers map[string]string) (*authsession.Response, error) {
	return f(ctx, url, body, headers)
}

func envelopeResponse(t *testing.T, env authsession.Envelope) *authsession.Response {
	t.Helper()

	body, err := json.Marshal(env)
	require.NoError(t, err)
	return &authsession.Response{StatusCode: 200, Body: body}
}
