package authsession

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Endpoint paths, resolved against the configured base URL.
const (
	PathLogin            = "api/authentication/login"
	PathAlternativeLogin = "api/authentication/alternativelogin"
	PathRefresh          = "api/authentication/refresh"
	PathDelegatedRights  = "api/authentication/delegatedRights"
	PathApplyDelegation  = "api/authentication/applyDelegation"
)

// Poster sends a JSON body and returns the server's answer. Implementations
// return a *TransportError for connection failures and non-2xx statuses.
type Poster interface {
	Post(ctx context.Context, url string, body any, headers map[string]string) (*Response, error)
}

// endpoints holds the absolute URLs for every call the session makes.
type endpoints struct {
	login            string
	alternativeLogin string
	refresh          string
	delegatedRights  string
	applyDelegation  string
}

var absoluteURL = regexp.MustCompile(`^(http|https)://\w+`)

// ResolveBaseURL turns the configured base URL into an absolute URL ending in
// "/". Absolute bases are used as is. Relative ones ("/auth", "auth") are
// resolved against origin, the scheme://host the application is served from.
func ResolveBaseURL(base, origin string) (*url.URL, error) {
	if base == "" {
		return nil, ErrNoBaseURL
	}

	full := base
	if !absoluteURL.MatchString(base) {
		if origin == "" {
			return nil, fmt.Errorf("%w: relative base %q needs an origin", ErrBadBaseURL, base)
		}
		if !strings.HasPrefix(base, "/") {
			full = "/" + base
		}
		full = strings.TrimSuffix(origin, "/") + full
	}
	if !strings.HasSuffix(full, "/") {
		full += "/"
	}

	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadBaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrBadBaseURL, full)
	}
	return u, nil
}

func newEndpoints(base *url.URL) endpoints {
	resolve := func(path string) string {
		return base.ResolveReference(&url.URL{Path: path}).String()
	}
	return endpoints{
		login:            resolve(PathLogin),
		alternativeLogin: resolve(PathAlternativeLogin),
		refresh:          resolve(PathRefresh),
		delegatedRights:  resolve(PathDelegatedRights),
		applyDelegation:  resolve(PathApplyDelegation),
	}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
