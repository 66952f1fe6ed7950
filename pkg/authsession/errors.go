package authsession

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotAuthenticated means there is no usable token and no refresh
	// token to get one. The user needs to log in.
	ErrNotAuthenticated = errors.New("authsession: not authenticated")

	// ErrRefreshFailed wraps every refresh failure. Callers usually react by
	// sending the user back to login.
	ErrRefreshFailed = errors.New("authsession: refresh failed")

	ErrNoBaseURL  = errors.New("authsession: base URL not configured")
	ErrBadBaseURL = errors.New("authsession: invalid base URL")
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// ValidationError reports missing caller input. It never reaches the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("authsession: invalid %s: %s", e.Field, e.Message)
}

// TransportError reports a request that failed on the way: connection
// trouble, or a non-2xx status. Response is set when the server answered.
type TransportError struct {
	URL        string
	StatusCode int
	Response   *Response
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authsession: POST %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authsession: POST %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FailReason returns the FailReason carried in the error response body, if
// the server sent one.
func (e *TransportError) FailReason() string {
	if e.Response == nil {
		return ""
	}
	env, err := e.Response.Envelope()
	if err != nil {
		return ""
	}
	return env.FailReason
}

// ServerRejection is a well formed answer saying no (Success false, or a
// refresh response without tokens).
type ServerRejection struct {
	Endpoint   string
	FailReason string
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("authsession: %s rejected: %s", e.Endpoint, ParseFailReason(e.FailReason))
}

// Message is the user-facing part of FailReason.
func (e *ServerRejection) Message() string {
	return ParseFailReason(e.FailReason)
}

// ============================================================================
// FailReason Parsing
// ============================================================================

const failReasonMarker = "FAILREASON"

// ParseFailReason extracts the user-facing message from a server FailReason.
// The server wraps it as `FAILREASON: ""message""`; the marker match is case
// insensitive. Anything without the marker, or without a quoted part, is
// returned verbatim.
func ParseFailReason(reason string) string {
	if !strings.Contains(strings.ToUpper(reason), failReasonMarker) {
		return reason
	}

	trimmed := strings.NewReplacer(",", "", ":", "").Replace(reason)
	parts := strings.Split(trimmed, `""`)
	if len(parts) < 2 {
		return reason
	}
	return parts[1]
}

// errorMessage is what ends up in Result.ErrorMessage for err.
func errorMessage(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		if reason := te.FailReason(); reason != "" {
			return ParseFailReason(reason)
		}
	}

	var sr *ServerRejection
	if errors.As(err, &sr) {
		return sr.Message()
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}

	return err.Error()
}
