// Package authtest runs an in-process identity server that speaks the same
// protocol as the real one: password and code logins, refresh, and
// delegation. It signs real EdDSA tokens so clients decode exactly what they
// would in production.
package authtest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/cryptox"
	"github.com/aussiebroadwan/authsession/pkg/httpx"
	"github.com/aussiebroadwan/authsession/pkg/idx"
	"github.com/aussiebroadwan/authsession/pkg/jwtx"
	"github.com/aussiebroadwan/authsession/pkg/slogx"
)

const (
	// DefaultTokenTTL is how long minted access tokens live.
	DefaultTokenTTL = 5 * time.Minute

	maxBodyBytes = 64 << 10

	// CodeLoginType is the only alternative login type the server accepts.
	CodeLoginType = 2

	// ClaimActor is set on tokens issued by applyDelegation and names the
	// login that is acting on the subject's behalf.
	ClaimActor = jwtx.CustomClaimMarker + "actor"
)

// FailReason formats message the way the server wraps user-facing errors.
func FailReason(message string) string {
	return fmt.Sprintf(`FAILREASON: ""%s""`, message)
}

// User is an account known to the server. Claims are copied into every
// access token minted for the user.
type User struct {
	ID       string
	Login    string
	Password string
	Claims   map[string]any
}

// Envelope is the response body of every endpoint except delegatedRights.
type Envelope struct {
	Success      bool   `json:"Success"`
	AccessToken  string `json:"AccessToken,omitempty"`
	RefreshToken string `json:"RefreshToken,omitempty"`
	FailReason   string `json:"FailReason,omitempty"`
}

// Rights is the delegatedRights payload.
type Rights struct {
	SubjectID string   `json:"subjectId"`
	Grantee   string   `json:"grantee"`
	Rights    []string `json:"rights"`
}

// Server is the fake identity server. It is safe for concurrent use.
type Server struct {
	signer *jwtx.EdDSASigner
	logger *slog.Logger
	now    func() time.Time
	ttl    time.Duration
	http   *httptest.Server

	mu            sync.Mutex
	users         map[string]User              // by login
	codes         map[string]string            // one-time code -> login
	refreshTokens map[string]string            // refresh token -> login
	delegations   map[string]map[string]Rights // subject id -> grantee login -> rights
	refreshDelay  time.Duration
	refreshFail   *failure
	keepRefresh   bool
	fingerprints  []string

	requests     atomic.Int64
	loginCalls   atomic.Int64
	refreshCalls atomic.Int64
}

type failure struct {
	status int
	reason string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. Default: discard.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithClock sets the clock used for token expiry.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// WithTokenTTL sets the lifetime of minted access tokens.
func WithTokenTTL(ttl time.Duration) Option { return func(s *Server) { s.ttl = ttl } }

// WithUser registers an account.
func WithUser(u User) Option { return func(s *Server) { s.users[u.Login] = u } }

// New builds a server and starts listening on a loopback port.
func New(opts ...Option) (*Server, error) {
	pemKey, err := cryptox.GenerateEd25519Key()
	if err != nil {
		return nil, err
	}
	signer, err := jwtx.NewSignerEdDSA(idx.New().String(), pemKey)
	if err != nil {
		return nil, err
	}

	s := &Server{
		signer:        signer,
		logger:        slogx.Discard(),
		now:           time.Now,
		ttl:           DefaultTokenTTL,
		users:         make(map[string]User),
		codes:         make(map[string]string),
		refreshTokens: make(map[string]string),
		delegations:   make(map[string]map[string]Rights),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.http = httptest.NewServer(s.Handler())
	return s, nil
}

// Start is New for tests: it fails t on error and closes the server when
// the test ends.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s, err := New(opts...)
	if err != nil {
		t.Fatalf("authtest: start server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// URL is the base URL clients should be configured with.
func (s *Server) URL() string { return s.http.URL + "/" }

// Client returns an HTTP client that trusts the server.
func (s *Server) Client() *http.Client { return s.http.Client() }

// Close shuts the listener down.
func (s *Server) Close() { s.http.Close() }

// Handler serves the five identity endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	bearer := httpx.RequireBearer(s.signer.Verify)

	mux.HandleFunc("POST /api/authentication/login", s.handleLogin)
	mux.HandleFunc("POST /api/authentication/alternativelogin", s.handleCodeLogin)
	mux.HandleFunc("POST /api/authentication/refresh", s.handleRefresh)
	mux.Handle("POST /api/authentication/delegatedRights",
		httpx.Chain(http.HandlerFunc(s.handleDelegatedRights), bearer))
	mux.Handle("POST /api/authentication/applyDelegation",
		httpx.Chain(http.HandlerFunc(s.handleApplyDelegation), bearer))

	return httpx.Chain(mux, s.withLogger)
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		logger := s.logger.With("req_id", r.Header.Get(idx.RequestIDHeader), "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(slogx.WithContext(r.Context(), logger)))
	})
}

// ============================================================================
// Fixtures
// ============================================================================

// AddUser registers an account after start.
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Login] = u
}

// IssueCode creates a one-time login code for login.
func (s *Server) IssueCode(login string) (string, error) {
	code, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[login]; !ok {
		return "", fmt.Errorf("authtest: unknown user %q", login)
	}
	s.codes[code] = login
	return code, nil
}

// Delegate lets grantee act with the given rights on behalf of subjectID.
func (s *Server) Delegate(subjectID, grantee string, rights ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delegations[subjectID] == nil {
		s.delegations[subjectID] = make(map[string]Rights)
	}
	s.delegations[subjectID][grantee] = Rights{SubjectID: subjectID, Grantee: grantee, Rights: rights}
}

// MintAccessToken signs an access token for login that expires at exp.
func (s *Server) MintAccessToken(login string, exp time.Time) (string, error) {
	s.mu.Lock()
	u, ok := s.users[login]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("authtest: unknown user %q", login)
	}
	return s.sign(u, exp, nil)
}

// IssueRefreshToken creates a refresh token the server will honour for login.
func (s *Server) IssueRefreshToken(login string) (string, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token] = login
	return token, nil
}

// SetRefreshDelay makes refresh responses wait d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// FailRefresh makes every refresh answer with status and reason. A 200
// status sends a well formed rejection without tokens. Pass status 0 to
// restore normal behaviour.
func (s *Server) FailRefresh(status int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		s.refreshFail = nil
		return
	}
	s.refreshFail = &failure{status: status, reason: reason}
}

// KeepRefreshToken stops the server from rotating refresh tokens; refresh
// responses then carry only an access token.
func (s *Server) KeepRefreshToken(keep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepRefresh = keep
}

// LoginCalls counts password and code login requests.
func (s *Server) LoginCalls() int64 { return s.loginCalls.Load() }

// RefreshCalls counts refresh requests.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

// Requests counts every request the server received, on any path.
func (s *Server) Requests() int64 { return s.requests.Load() }

// Fingerprints returns every fingerprint clients have sent, in order.
func (s *Server) Fingerprints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fingerprints...)
}

// ============================================================================
// Token Issuing
// ============================================================================

func (s *Server) sign(u User, exp time.Time, extra map[string]any) (string, error) {
	claims := jwtx.Claims{
		jwtx.ClaimSubject: u.ID,
		jwtx.ClaimLogin:   u.Login,
		jwtx.ClaimExpiry:  exp.Unix(),
	}
	for k, v := range u.Claims {
		claims[k] = v
	}
	for k, v := range extra {
		claims[k] = v
	}
	return s.signer.Sign(claims)
}

// issue mints a fresh pair for u and registers the refresh token. Callers
// hold no lock.
func (s *Server) issue(u User, extra map[string]any) (*Envelope, error) {
	access, err := s.sign(u, s.now().Add(s.ttl), extra)
	if err != nil {
		return nil, err
	}
	refresh, err := s.IssueRefreshToken(u.Login)
	if err != nil {
		return nil, err
	}
	return &Envelope{Success: true, AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) recordFingerprint(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints = append(s.fingerprints, fp)
}

func (s *Server) reject(w http.ResponseWriter, message string) {
	httpx.WriteJSON(w, http.StatusOK, Envelope{FailReason: FailReason(message)})
}

func (s *Server) writeIssued(w http.ResponseWriter, r *http.Request, u User, extra map[string]any) {
	env, err := s.issue(u, extra)
	if err != nil {
		slogx.FromContext(r.Context(), s.logger).Error("failed to issue tokens", "error", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, Envelope{FailReason: FailReason("internal error")})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, env)
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	var req struct {
		Login       string `json:"login"`
		Password    string `json:"password"`
		RememberMe  bool   `json:"rememberMe"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, Envelope{FailReason: FailReason("malformed request")})
		return
	}
	s.recordFingerprint(req.Fingerprint)

	s.mu.Lock()
	u, ok := s.users[req.Login]
	s.mu.Unlock()

	if !ok || u.Password != req.Password {
		slogx.FromContext(r.Context(), s.logger).Info("login rejected", "login", req.Login)
		s.reject(w, "Invalid login or password")
		return
	}

	s.writeIssued(w, r, u, nil)
}

func (s *Server) handleCodeLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	var req struct {
		Code        string `json:"code"`
		Type        int    `json:"type"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, Envelope{FailReason: FailReason("malformed request")})
		return
	}
	s.recordFingerprint(req.Fingerprint)

	if req.Type != CodeLoginType {
		s.reject(w, "Unsupported login type")
		return
	}

	s.mu.Lock()
	login, ok := s.codes[req.Code]
	delete(s.codes, req.Code)
	u := s.users[login]
	s.mu.Unlock()

	if !ok {
		s.reject(w, "Code is invalid or expired")
		return
	}

	s.writeIssued(w, r, u, nil)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	var req struct {
		RefreshToken string `json:"refreshToken"`
		Fingerprint  string `json:"fingerprint"`
	}
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, Envelope{FailReason: FailReason("malformed request")})
		return
	}
	s.recordFingerprint(req.Fingerprint)

	s.mu.Lock()
	delay, fail, keep := s.refreshDelay, s.refreshFail, s.keepRefresh
	s.mu.Unlock()

	if err := sleep(r.Context(), delay); err != nil {
		return
	}

	if fail != nil {
		httpx.WriteJSON(w, fail.status, Envelope{FailReason: fail.reason})
		return
	}

	s.mu.Lock()
	login, ok := s.refreshTokens[req.RefreshToken]
	if ok && !keep {
		delete(s.refreshTokens, req.RefreshToken)
	}
	u := s.users[login]
	s.mu.Unlock()

	if !ok {
		s.reject(w, "Refresh token is invalid")
		return
	}

	if keep {
		access, err := s.sign(u, s.now().Add(s.ttl), nil)
		if err != nil {
			httpx.WriteJSON(w, http.StatusInternalServerError, Envelope{FailReason: FailReason("internal error")})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, Envelope{Success: true, AccessToken: access})
		return
	}

	s.writeIssued(w, r, u, nil)
}

// delegation resolves the subject id in the body against the caller's
// token.
func (s *Server) delegation(w http.ResponseWriter, r *http.Request) (Rights, bool, error) {
	claims, _ := httpx.ClaimsFromContext(r.Context())

	var subjectID string
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &subjectID); err != nil {
		return Rights{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rights, ok := s.delegations[subjectID][claims.Login()]
	return rights, ok, nil
}

func (s *Server) handleDelegatedRights(w http.ResponseWriter, r *http.Request) {
	rights, ok, err := s.delegation(w, r)
	if err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if !ok {
		rights.Rights = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, rights)
}

func (s *Server) handleApplyDelegation(w http.ResponseWriter, r *http.Request) {
	rights, ok, err := s.delegation(w, r)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, Envelope{FailReason: FailReason("malformed request")})
		return
	}
	if !ok {
		s.reject(w, "No rights delegated")
		return
	}

	s.mu.Lock()
	var subject User
	found := false
	for _, u := range s.users {
		if u.ID == rights.SubjectID {
			subject, found = u, true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		s.reject(w, "Unknown subject")
		return
	}

	s.writeIssued(w, r, subject, map[string]any{ClaimActor: rights.Grantee})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
