package jwtx

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim keys the identity server uses for the two fixed identity fields.
const (
	ClaimSubject = "unique_name"
	ClaimLogin   = "nameid"
	ClaimExpiry  = "exp"
)

// CustomClaimMarker prefixes server-namespaced custom claim names.
const CustomClaimMarker = "____"

// Profile keys for the fixed identity fields.
const (
	ProfileID    = "id"
	ProfileLogin = "login"
)

// Claims is the decoded payload of an access token. The server puts arbitrary
// keys in here, so it stays a map rather than a struct.
type Claims jwt.MapClaims

// Subject returns the subject identifier, or "" when missing.
func (c Claims) Subject() string { return c.stringClaim(ClaimSubject) }

// Login returns the login/username claim, or "" when missing.
func (c Claims) Login() string { return c.stringClaim(ClaimLogin) }

// Expiry returns the exp claim. ok is false when it is missing or not a
// number. Fractional seconds are kept.
func (c Claims) Expiry() (time.Time, bool) {
	exp, ok := c.expirySeconds()
	if !ok {
		return time.Time{}, false
	}
	sec, frac := math.Modf(exp)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

// expirySeconds reads exp as raw seconds since the epoch.
func (c Claims) expirySeconds() (float64, bool) {
	var exp float64
	switch v := c[ClaimExpiry].(type) {
	case float64:
		exp = v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		exp = f
	case int:
		exp = float64(v)
	case int64:
		exp = float64(v)
	default:
		return 0, false
	}
	if math.IsNaN(exp) || math.IsInf(exp, 0) {
		return 0, false
	}
	return exp, true
}

func (c Claims) fixed(key string) any {
	if v, ok := c[key]; ok && v != nil {
		return v
	}
	return ""
}

func (c Claims) stringClaim(key string) string {
	s, _ := c[key].(string)
	return s
}

// Profile is the application-facing view of Claims: the fixed identity fields
// under ProfileID and ProfileLogin, plus every other claim with the custom
// claim marker removed from its name.
type Profile map[string]any

// ID returns the subject identifier.
func (p Profile) ID() string {
	s, _ := p[ProfileID].(string)
	return s
}

// Login returns the login field.
func (p Profile) Login() string {
	s, _ := p[ProfileLogin].(string)
	return s
}

// Profile builds the application-facing profile. ID and login are always
// present, empty when the token does not carry them, and otherwise hold the
// claim value as decoded.
func (c Claims) Profile() Profile {
	p := Profile{
		ProfileID:    c.fixed(ClaimSubject),
		ProfileLogin: c.fixed(ClaimLogin),
	}

	for key, value := range c {
		if key == ClaimSubject || key == ClaimLogin {
			continue
		}
		p[strings.TrimPrefix(key, CustomClaimMarker)] = value
	}

	return p
}
