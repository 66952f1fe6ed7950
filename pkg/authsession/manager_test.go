package authsession_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/authsession"
	"github.com/aussiebroadwan/authsession/pkg/authtest"
	"github.com/aussiebroadwan/authsession/pkg/credstore"
	"github.com/aussiebroadwan/authsession/pkg/jwtx"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := authsession.New(authsession.Config{})
	require.ErrorIs(t, err, authsession.ErrNoBaseURL)

	_, err = authsession.New(authsession.Config{BaseURL: "/auth"})
	require.ErrorIs(t, err, authsession.ErrBadBaseURL)
}

func TestLoginThenGetTokenMakesNoNetworkCall(t *testing.T) {
	t.Parallel()

	f, srv := serverFixture(t, authsession.Config{})
	ctx := context.Background()

	res := f.manager.Login(ctx, "alice", "secret", false)
	require.Equal(t, authsession.Result{Success: true}, res)
	require.EqualValues(t, 1, srv.Requests())

	stored, err := f.store.AccessToken(ctx)
	require.NoError(t, err)

	token, err := f.manager.GetToken(ctx)
	require.NoError(t, err)
	require.Equal(t, stored, token)
	require.EqualValues(t, 1, srv.Requests())
}

func TestLoginLifetime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		rememberMe bool
		holder     func(*fixture) *credstore.Memory
		other      func(*fixture) *credstore.Memory
	}{
		{
			name:   "session",
			holder: func(f *fixture) *credstore.Memory { return f.session },
			other:  func(f *fixture) *credstore.Memory { return f.durable },
		},
		{
			name:       "remember me",
			rememberMe: true,
			holder:     func(f *fixture) *credstore.Memory { return f.durable },
			other:      func(f *fixture) *credstore.Memory { return f.session },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f, _ := serverFixture(t, authsession.Config{})
			ctx := context.Background()

			require.True(t, f.manager.Login(ctx, "alice", "secret", tt.rememberMe).Success)

			refresh, err := tt.holder(f).Get(ctx, credstore.KeyRefreshToken)
			require.NoError(t, err)
			require.NotEmpty(t, refresh)

			refresh, err = tt.other(f).Get(ctx, credstore.KeyRefreshToken)
			require.NoError(t, err)
			require.Empty(t, refresh)

			access, err := f.durable.Get(ctx, credstore.KeyAccessToken)
			require.NoError(t, err)
			require.Empty(t, access)
		})
	}
}

func TestLoginRejected(t *testing.T) {
	t.Parallel()

	var reported []error
	f, _ := serverFixture(t, authsession.Config{
		OnError: func(err error) { reported = append(reported, err) },
	})

	res := f.manager.Login(context.Background(), "alice", "wrong", false)
	require.False(t, res.Success)
	require.Equal(t, "Invalid login or password", res.ErrorMessage)

	require.Len(t, reported, 1)
	var rejection *authsession.ServerRejection
	require.ErrorAs(t, reported[0], &rejection)
}

func TestLoginFailReasonWithoutMarkerIsVerbatim(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authsession.Config{
		BaseURL: "https://id.example.com",
		Poster: posterFunc(func(context.Context, string, any, map[string]string) (*authsession.Response, error) {
			return envelopeResponse(t, authsession.Envelope{FailReason: "account: locked, call support"}), nil
		}),
	})

	res := f.manager.Login(context.Background(), "alice", "secret", false)
	require.False(t, res.Success)
	require.Equal(t, "account: locked, call support", res.ErrorMessage)
}

func TestLoginTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"Success":false,"FailReason":"FAILREASON: \"\"Service unavailable\"\""}`))
	}))
	t.Cleanup(srv.Close)

	var reported error
	f := newFixture(t, authsession.Config{
		BaseURL: srv.URL,
		OnError: func(err error) { reported = err },
	})

	res := f.manager.Login(context.Background(), "alice", "secret", false)
	require.False(t, res.Success)
	require.Equal(t, "Service unavailable", res.ErrorMessage)

	var te *authsession.TransportError
	require.ErrorAs(t, reported, &te)
	require.Equal(t, http.StatusInternalServerError, te.StatusCode)
}

func TestLoginHooksObserveAttempt(t *testing.T) {
	t.Parallel()

	var attempts []authsession.LoginAttempt
	f, srv := serverFixture(t, authsession.Config{
		OnBeforeLogin: func(a authsession.LoginAttempt) { attempts = append(attempts, a) },
	})
	ctx := context.Background()

	require.True(t, f.manager.Login(ctx, "alice", "secret", true).Success)

	code, err := srv.IssueCode("alice")
	require.NoError(t, err)
	require.True(t, f.manager.LoginByCode(ctx, code).Success)

	require.Equal(t, []authsession.LoginAttempt{
		{Login: "alice", Password: "secret", RememberMe: true, Fingerprint: "fp-test"},
		{Code: code, Fingerprint: "fp-test"},
	}, attempts)
	require.Equal(t, []string{"fp-test", "fp-test"}, srv.Fingerprints())
}

func TestLoginByCode(t *testing.T) {
	t.Parallel()

	t.Run("empty code never reaches the server", func(t *testing.T) {
		t.Parallel()

		f, srv := serverFixture(t, authsession.Config{})
		res := f.manager.LoginByCode(context.Background(), "")
		require.False(t, res.Success)
		require.Equal(t, "code not passed", res.ErrorMessage)
		require.Zero(t, srv.Requests())
	})

	t.Run("always session lifetime", func(t *testing.T) {
		t.Parallel()

		f, srv := serverFixture(t, authsession.Config{})
		ctx := context.Background()

		// A remembered session first, to show the code login moves it.
		require.True(t, f.manager.Login(ctx, "alice", "secret", true).Success)

		code, err := srv.IssueCode("alice")
		require.NoError(t, err)
		require.True(t, f.manager.LoginByCode(ctx, code).Success)

		_, l, err := f.store.RefreshToken(ctx)
		require.NoError(t, err)
		require.Equal(t, credstore.Session, l)
		require.Zero(t, f.durable.Len())
	})

	t.Run("rejected code", func(t *testing.T) {
		t.Parallel()

		f, _ := serverFixture(t, authsession.Config{})
		res := f.manager.LoginByCode(context.Background(), "bogus")
		require.False(t, res.Success)
		require.Equal(t, "Code is invalid or expired", res.ErrorMessage)
	})
}

func TestLoginThrottle(t *testing.T) {
	t.Parallel()

	f, srv := serverFixture(t, authsession.Config{
		LoginRate:  rate.Every(time.Hour),
		LoginBurst: 1,
	})
	ctx := context.Background()

	require.False(t, f.manager.Login(ctx, "alice", "wrong", false).Success)
	require.EqualValues(t, 1, srv.Requests())

	res := f.manager.Login(ctx, "alice", "secret", false)
	require.Equal(t, authsession.Result{ErrorMessage: "too many login attempts"}, res)

	res = f.manager.LoginByCode(ctx, "some-code")
	require.Equal(t, "too many login attempts", res.ErrorMessage)
	require.EqualValues(t, 1, srv.Requests())
}

func TestGetTokenWithoutCredentials(t *testing.T) {
	t.Parallel()

	f, srv := serverFixture(t, authsession.Config{})
	ctx := context.Background()

	// A stray expired access token with no refresh token is cleared.
	require.NoError(t, f.store.Set(ctx, credstore.KeyAccessToken,
		tokenExpiringAt(t, time.Now().Add(-time.Minute)), credstore.Session))

	token, err := f.manager.GetToken(ctx)
	require.NoError(t, err)
	require.Empty(t, token)
	require.Zero(t, srv.Requests())

	access, err := f.store.AccessToken(ctx)
	require.NoError(t, err)
	require.Empty(t, access)
}

func TestLogoutThenGetTokenMakesNoNetworkCall(t *testing.T) {
	t.Parallel()

	f, srv := serverFixture(t, authsession.Config{})
	ctx := context.Background()

	require.True(t, f.manager.Login(ctx, "alice", "secret", true).Success)
	require.NoError(t, f.manager.Logout(ctx))

	before := srv.Requests()
	token, err := f.manager.GetToken(ctx)
	require.NoError(t, err)
	require.Empty(t, token)
	require.Equal(t, before, srv.Requests())

	_, ok := f.manager.Claims(ctx)
	require.False(t, ok)
}

func TestGetTokenRefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	var hookToken, hookFingerprint string
	f, srv := serverFixture(t, authsession.Config{
		OnBeforeRefresh: func(rt, fp string) { hookToken, hookFingerprint = rt, fp },
	})
	ctx := context.Background()

	refresh := seedExpired(t, f, srv, credstore.Session)

	token, err := f.manager.GetToken(ctx)
	require.NoError(t, err)
	require.True(t, jwtx.Valid(token, time.Now()))
	require.EqualValues(t, 1, srv.RefreshCalls())

	require.Equal(t, refresh, hookToken)
	require.Equal(t, "fp-test", hookFingerprint)

	rotated, l, err := f.store.RefreshToken(ctx)
	require.NoError(t, err)
	require.NotEqual(t, refresh, rotated)
	require.Equal(t, credstore.Session, l)
}

func TestRememberMeRefreshPersistsDurably(t *testing.T) {
	t.Parallel()

	f, srv := serverFixture(t, authsession.Config{})
	ctx := context.Background()

	require.True(t, f.manager.Login(ctx, "alice", "secret", true).Success)
	firstRefresh, err := f.durable.Get(ctx, credstore.KeyRefreshToken)
	require.NoError(t, err)

	// Simulate expiry by replacing the access token with a stale one.
	expired, err := srv.MintAccessToken("alice", time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, credstore.KeyAccessToken, expired, credstore.Session))

	token, err := f.manager.GetToken(ctx)
	require.NoError(t, err)
	require.NotEqual(t, expired, token)

	durableRefresh, err := f.durable.Get(ctx, credstore.KeyRefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, durableRefresh)
	require.NotEqual(t, firstRefresh, durableRefresh)

	tag, err := f.durable.Get(ctx, credstore.KeyRefreshLifetime)
	require.NoError(t, err)
	require.Equal(t, "durable", tag)

	sessionRefresh, err := f.session.Get(ctx, credstore.KeyRefreshToken)
	require.NoError(t, err)
	require.Empty(t, sessionRefresh)
}

func TestRefreshKeepsOldRefreshTokenWhenNoneIssued(t *testing.T) {
	t.Parallel()

	f, srv := serverFixture(t, authsession.Config{})
	srv.KeepRefreshToken(true)
	ctx := context.Background()

	refresh := seedExpired(t, f, srv, credstore.Durable)

	_, err := f.manager.GetToken(ctx)
	require.NoError(t, err)

	kept, l, err := f.store.RefreshToken(ctx)
	require.NoError(t, err)
	require.Equal(t, refresh, kept)
	require.Equal(t, credstore.Durable, l)
}

func TestConcurrentGetTokenRefreshesOnce(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 16, 64} {
		t.Run(fmt.Sprintf("%d callers", n), func(t *testing.T) {
			t.Parallel()

			f, srv := serverFixture(t, authsession.Config{})
			srv.SetRefreshDelay(100 * time.Millisecond)
			seedExpired(t, f, srv, credstore.Session)

			var (
				wg     sync.WaitGroup
				start  = make(chan struct{})
				tokens = make([]string, n)
				errs   = make([]error, n)
			)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					tokens[i], errs[i] = f.manager.GetToken(context.Background())
				}()
			}
			close(start)
			wg.Wait()

			for i := range n {
				require.NoError(t, errs[i])
				require.NotEmpty(t, tokens[i])
				require.Equal(t, tokens[0], tokens[i])
			}
			require.EqualValues(t, 1, srv.RefreshCalls())
			require.EqualValues(t, 1, f.manager.Coordinator().Calls())
		})
	}
}

func TestRefreshFailureReachesEveryCaller(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		reported []error
	)
	f, srv := serverFixture(t, authsession.Config{
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		},
	})
	srv.SetRefreshDelay(100 * time.Millisecond)
	srv.FailRefresh(http.StatusUnauthorized, authtest.FailReason("Session revoked"))
	refresh := seedExpired(t, f, srv, credstore.Session)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.manager.GetToken(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, authsession.ErrRefreshFailed)
		var te *authsession.TransportError
		require.ErrorAs(t, err, &te)
		require.Equal(t, "FAILREASON: \"\"Session revoked\"\"", te.FailReason())
	}
	require.EqualValues(t, 1, srv.RefreshCalls())
	require.Len(t, reported, 1)

	// Failure does not log the user out; a later attempt may still succeed.
	kept, _, err := f.store.RefreshToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, refresh, kept)
}

func TestRefreshRejectionWithoutAccessToken(t *testing.T) {
	t.Parallel()

	f, srv := serverFixture(t, authsession.Config{})
	srv.FailRefresh(http.StatusOK, authtest.FailReason("Refresh token expired"))
	seedExpired(t, f, srv, credstore.Session)

	_, err := f.manager.GetToken(context.Background())
	require.ErrorIs(t, err, authsession.ErrRefreshFailed)

	var rejection *authsession.ServerRejection
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, "Refresh token expired", rejection.Message())
}

func TestRefreshTimeout(t *testing.T) {
	t.Parallel()

	f, srv := serverFixture(t, authsession.Config{RefreshTimeout: 50 * time.Millisecond})
	srv.SetRefreshDelay(5 * time.Second)
	seedExpired(t, f, srv, credstore.Session)

	start := time.Now()
	_, err := f.manager.GetToken(context.Background())
	require.ErrorIs(t, err, authsession.ErrRefreshFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, f.manager.Coordinator().InFlight())
}

func TestClaims(t *testing.T) {
	t.Parallel()

	t.Run("profile from stored token", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, authsession.Config{BaseURL: "https://id.example.com"})
		ctx := context.Background()

		token := unsignedToken(t, map[string]any{
			"unique_name":     "u1",
			"nameid":          "bob",
			"____customClaim": "x",
		})
		require.NoError(t, f.store.Set(ctx, credstore.KeyAccessToken, token, credstore.Session))

		profile, ok := f.manager.Claims(ctx)
		require.True(t, ok)
		require.Equal(t, jwtx.Profile{"id": "u1", "login": "bob", "customClaim": "x"}, profile)
	})

	t.Run("no token", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, authsession.Config{BaseURL: "https://id.example.com"})
		_, ok := f.manager.Claims(context.Background())
		require.False(t, ok)
	})

	t.Run("undecodable token clears credentials", func(t *testing.T) {
		t.Parallel()

		var reported error
		f := newFixture(t, authsession.Config{
			BaseURL: "https://id.example.com",
			OnError: func(err error) { reported = err },
		})
		ctx := context.Background()

		require.NoError(t, f.store.SaveTokens(ctx, "not-a-jwt", "refresh", credstore.Durable))

		_, ok := f.manager.Claims(ctx)
		require.False(t, ok)
		require.ErrorIs(t, reported, jwtx.ErrMalformed)

		refresh, _, err := f.store.RefreshToken(ctx)
		require.NoError(t, err)
		require.Empty(t, refresh)
	})

	t.Run("from a real login", func(t *testing.T) {
		t.Parallel()

		f, _ := serverFixture(t, authsession.Config{})
		ctx := context.Background()
		require.True(t, f.manager.Login(ctx, "alice", "secret", false).Success)

		profile, ok := f.manager.Claims(ctx)
		require.True(t, ok)
		require.Equal(t, "u1", profile.ID())
		require.Equal(t, "alice", profile.Login())
		require.Equal(t, "ops", profile["department"])
	})
}

func TestRelativeBaseURL(t *testing.T) {
	t.Parallel()

	srv := authtest.Start(t, authtest.WithUser(alice))
	f := newFixture(t, authsession.Config{
		BaseURL:    "/",
		Origin:     strings.TrimSuffix(srv.URL(), "/"),
		HTTPClient: srv.Client(),
	})

	require.True(t, f.manager.Login(context.Background(), "alice", "secret", false).Success)
}

func TestDelegation(t *testing.T) {
	t.Parallel()

	newDelegationFixture := func(t *testing.T) (*fixture, *authtest.Server) {
		f, srv := serverFixture(t, authsession.Config{})
		srv.AddUser(authtest.User{ID: "u2", Login: "bob", Password: "pw"})
		srv.Delegate("u2", "alice", "read", "approve")
		return f, srv
	}

	t.Run("requires login", func(t *testing.T) {
		t.Parallel()

		f, srv := newDelegationFixture(t)
		ctx := context.Background()

		_, err := f.manager.DelegatedRights(ctx, "u2")
		require.ErrorIs(t, err, authsession.ErrNotAuthenticated)

		res := f.manager.ApplyDelegatedRights(ctx, "u2")
		require.False(t, res.Success)
		require.Zero(t, srv.Requests())
	})

	t.Run("requires subject", func(t *testing.T) {
		t.Parallel()

		f, _ := newDelegationFixture(t)
		ctx := context.Background()

		_, err := f.manager.DelegatedRights(ctx, "")
		var ve *authsession.ValidationError
		require.ErrorAs(t, err, &ve)

		res := f.manager.ApplyDelegatedRights(ctx, "")
		require.Equal(t, "subject id not passed", res.ErrorMessage)
	})

	t.Run("fetch and apply", func(t *testing.T) {
		t.Parallel()

		f, _ := newDelegationFixture(t)
		ctx := context.Background()
		require.True(t, f.manager.Login(ctx, "alice", "secret", true).Success)

		raw, err := f.manager.DelegatedRights(ctx, "u2")
		require.NoError(t, err)
		require.JSONEq(t, `{"subjectId":"u2","grantee":"alice","rights":["read","approve"]}`, string(raw))

		require.True(t, f.manager.ApplyDelegatedRights(ctx, "u2").Success)

		profile, ok := f.manager.Claims(ctx)
		require.True(t, ok)
		require.Equal(t, "u2", profile.ID())
		require.Equal(t, "alice", profile["actor"])

		// Delegated sessions are never remembered.
		_, l, err := f.store.RefreshToken(ctx)
		require.NoError(t, err)
		require.Equal(t, credstore.Session, l)
	})

	t.Run("apply rejected", func(t *testing.T) {
		t.Parallel()

		f, _ := newDelegationFixture(t)
		ctx := context.Background()
		require.True(t, f.manager.Login(ctx, "alice", "secret", false).Success)

		res := f.manager.ApplyDelegatedRights(ctx, "u9")
		require.Equal(t, authsession.Result{ErrorMessage: "No rights delegated"}, res)
	})
}

func TestAuthorizeAndTransport(t *testing.T) {
	t.Parallel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("Authorization")))
	}))
	t.Cleanup(api.Close)

	f, _ := serverFixture(t, authsession.Config{})
	ctx := context.Background()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.URL, nil)
	require.NoError(t, err)
	require.ErrorIs(t, f.manager.Authorize(ctx, req), authsession.ErrNotAuthenticated)

	client := &http.Client{Transport: f.manager.Transport(nil)}
	_, err = client.Do(req)
	require.True(t, errors.Is(err, authsession.ErrNotAuthenticated))

	require.True(t, f.manager.Login(ctx, "alice", "secret", false).Success)
	token, err := f.manager.GetToken(ctx)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Bearer "+token, string(body))
	require.Empty(t, req.Header.Get("Authorization"), "caller's request is not mutated")
}
