package authsession

import (
	"context"

	"github.com/aussiebroadwan/authsession/pkg/credstore"
)

// throttledMessage is the Result message for an attempt the login limiter
// turned away.
const throttledMessage = "too many login attempts"

// Login authenticates with a login and password. With rememberMe the refresh
// token outlives the process (it goes to the durable store).
//
// Expected failures never come back as errors: they are folded into the
// Result's ErrorMessage.
func (m *Manager) Login(ctx context.Context, login, password string, rememberMe bool) Result {
	if !m.limiter.Allow() {
		m.logger.Warn("login throttled")
		return Result{ErrorMessage: throttledMessage}
	}

	fingerprint, err := m.fingerprinter.Fingerprint(ctx)
	if err != nil {
		return m.fail(err)
	}

	if m.onBeforeLogin != nil {
		m.onBeforeLogin(LoginAttempt{
			Login:       login,
			Password:    password,
			RememberMe:  rememberMe,
			Fingerprint: fingerprint,
		})
	}

	resp, err := m.poster.Post(ctx, m.endpoints.login, loginRequest{
		Login:       login,
		Password:    password,
		RememberMe:  rememberMe,
		Fingerprint: fingerprint,
	}, nil)
	if err != nil {
		return m.fail(err)
	}

	return m.accept(ctx, PathLogin, resp, credstore.LifetimeFor(rememberMe))
}

// LoginByCode authenticates with a one-time code (the QR-code flow). Code
// logins never persist beyond the session.
func (m *Manager) LoginByCode(ctx context.Context, code string) Result {
	if code == "" {
		return m.fail(&ValidationError{Field: "code", Message: "code not passed"})
	}

	if !m.limiter.Allow() {
		m.logger.Warn("login throttled")
		return Result{ErrorMessage: throttledMessage}
	}

	fingerprint, err := m.fingerprinter.Fingerprint(ctx)
	if err != nil {
		return m.fail(err)
	}

	if m.onBeforeLogin != nil {
		m.onBeforeLogin(LoginAttempt{Code: code, Fingerprint: fingerprint})
	}

	resp, err := m.poster.Post(ctx, m.endpoints.alternativeLogin, codeLoginRequest{
		Code:        code,
		Type:        codeLoginType,
		Fingerprint: fingerprint,
	}, nil)
	if err != nil {
		return m.fail(err)
	}

	return m.accept(ctx, PathAlternativeLogin, resp, credstore.Session)
}

// accept stores the tokens of a successful response under lifetime, or
// turns a rejection into a failed Result.
func (m *Manager) accept(ctx context.Context, endpoint string, resp *Response, lifetime credstore.Lifetime) Result {
	env, err := resp.Envelope()
	if err != nil {
		return m.fail(err)
	}

	if !env.Success {
		return m.fail(&ServerRejection{Endpoint: endpoint, FailReason: env.FailReason})
	}

	if err := m.store.SaveTokens(ctx, env.AccessToken, env.RefreshToken, lifetime); err != nil {
		return m.fail(err)
	}

	m.logger.Info("session established", "endpoint", endpoint, "lifetime", lifetime.String())
	return Result{Success: true}
}
