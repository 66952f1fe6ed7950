package authsession

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the JSON body every identity endpoint answers with.
type Envelope struct {
	Success      bool   `json:"Success"`
	AccessToken  string `json:"AccessToken,omitempty"`
	RefreshToken string `json:"RefreshToken,omitempty"`

	// FailReason is a server formatted message. Use ParseFailReason to get
	// the user-facing part out of it.
	FailReason string `json:"FailReason,omitempty"`
}

// Response is the raw outcome of a POST that reached the server.
type Response struct {
	StatusCode int
	Body       []byte
}

// Envelope decodes the body as an Envelope.
func (r *Response) Envelope() (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return nil, fmt.Errorf("authsession: decode response: %w", err)
	}
	return &env, nil
}

type loginRequest struct {
	Login       string `json:"login"`
	Password    string `json:"password"`
	RememberMe  bool   `json:"rememberMe"`
	Fingerprint string `json:"fingerprint"`
}

// codeLoginType is the server's discriminator for QR-code logins.
const codeLoginType = 2

type codeLoginRequest struct {
	Code        string `json:"code"`
	Type        int    `json:"type"`
	Fingerprint string `json:"fingerprint"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	Fingerprint  string `json:"fingerprint"`
}

// ============================================================================
// Caller Facing Types
// ============================================================================

// Result is the uniform outcome of the login style operations. Expected
// failures (bad credentials, rejected codes, transport trouble) land in
// ErrorMessage rather than being returned as errors.
type Result struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
}

// LoginAttempt is what OnBeforeLogin observes. For password logins Code is
// empty; for code logins Login and Password are.
type LoginAttempt struct {
	Login       string
	Password    string
	RememberMe  bool
	Code        string
	Fingerprint string
}
