package jwtx

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned for anything that is not a decodable JWT: wrong
// segment count, bad base64url, or a payload that is not a JSON object.
var ErrMalformed = errors.New("jwtx: malformed token")

var parser = jwt.NewParser()

// Decode extracts the claims from a JWT without verifying its signature.
// Trust comes from TLS and the issuing server; this client never holds the
// verification key. Only the payload segment is read, the header is ignored.
func Decode(token string) (Claims, error) {
	if token == "" {
		return nil, ErrMalformed
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %d segments", ErrMalformed, len(parts))
	}

	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}

	return Claims(claims), nil
}

// IsExpired reports whether claims are expired at now. Expiry is compared at
// millisecond resolution and the boundary counts as expired. Claims without
// an exp are always expired.
func IsExpired(claims Claims, now time.Time) bool {
	exp, ok := claims.expirySeconds()
	if !ok {
		return true
	}
	return float64(now.UnixMilli()) >= exp*1000
}

// Valid decodes token and reports whether it is unexpired at now.
func Valid(token string, now time.Time) bool {
	claims, err := Decode(token)
	if err != nil {
		return false
	}
	return !IsExpired(claims, now)
}
