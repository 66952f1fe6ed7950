package authsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/credstore"
	"github.com/aussiebroadwan/authsession/pkg/jwtx"
	"golang.org/x/sync/singleflight"
)

// refreshFlight is the single singleflight key: there is only ever one
// refresh token per session, so there is only ever one refresh to share.
const refreshFlight = "refresh"

// Coordinator turns any number of concurrent refresh requests into one
// network call. The first caller owns the call; everyone arriving while it
// is in flight waits for and returns its outcome.
type Coordinator struct {
	poster        Poster
	url           string
	store         *credstore.Store
	fingerprinter Fingerprinter
	timeout       time.Duration
	logger        *slog.Logger
	now           func() time.Time

	onError         func(error)
	onBeforeRefresh func(refreshToken, fingerprint string)

	group    singleflight.Group
	calls    atomic.Int64
	inFlight atomic.Bool
}

// Refresh obtains and stores a new token pair using refreshToken.
//
// The network call runs detached from ctx under the coordinator's own
// timeout, so one impatient caller cannot fail the refresh for the others.
// If ctx ends first, Refresh returns ctx.Err() and the flight carries on.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string) error {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshFlight, func() (any, error) {
		return nil, c.refresh(flightCtx, refreshToken)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("joined in-flight refresh")
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Calls reports how many refresh requests have gone out on the network.
func (c *Coordinator) Calls() int64 { return c.calls.Load() }

// InFlight reports whether a refresh is currently running.
func (c *Coordinator) InFlight() bool { return c.inFlight.Load() }

func (c *Coordinator) refresh(ctx context.Context, refreshToken string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.inFlight.Store(true)
	defer c.inFlight.Store(false)

	err := c.doRefresh(ctx, refreshToken)
	if err != nil {
		if c.onError != nil {
			c.onError(err)
		}
		c.logger.Warn("token refresh failed", "error", err)
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	c.logger.Debug("token refresh succeeded")
	return nil
}

func (c *Coordinator) doRefresh(ctx context.Context, refreshToken string) error {
	// A flight that finished just before this one, or another process
	// sharing the durable store, may already have rotated the token the
	// caller read. The rotation only counts if it left a usable access token;
	// otherwise spend the current refresh token instead of the stale one.
	current, _, err := c.store.RefreshToken(ctx)
	if err == nil && current != "" && current != refreshToken {
		if c.hasValidAccessToken(ctx) {
			c.logger.Debug("refresh token already rotated")
			return nil
		}
		c.logger.Debug("refresh token rotated elsewhere, refreshing with current")
		refreshToken = current
	}

	fingerprint, err := c.fingerprinter.Fingerprint(ctx)
	if err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}

	if c.onBeforeRefresh != nil {
		c.onBeforeRefresh(refreshToken, fingerprint)
	}

	c.calls.Add(1)
	resp, err := c.poster.Post(ctx, c.url, refreshRequest{
		RefreshToken: refreshToken,
		Fingerprint:  fingerprint,
	}, nil)
	if err != nil {
		return err
	}

	env, err := resp.Envelope()
	if err != nil {
		return err
	}
	if env.AccessToken == "" {
		return &ServerRejection{Endpoint: PathRefresh, FailReason: env.FailReason}
	}

	// Keep whichever lifetime the login chose
	lifetime, err := c.store.ResolveActiveLifetime(ctx)
	if err != nil {
		c.logger.Warn("could not resolve refresh token lifetime, using session", "error", err)
		lifetime = credstore.Session
	}

	newRefresh := env.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	if err := c.store.SaveTokens(ctx, env.AccessToken, newRefresh, lifetime); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	return nil
}

func (c *Coordinator) hasValidAccessToken(ctx context.Context) bool {
	token, err := c.store.AccessToken(ctx)
	if err != nil || token == "" {
		return false
	}
	return jwtx.Valid(token, c.now())
}
