package authsession

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/credstore"
	"golang.org/x/time/rate"
)

// DefaultRefreshTimeout bounds a single refresh round trip. Every goroutine
// waiting on that refresh is released when it elapses.
const DefaultRefreshTimeout = 30 * time.Second

// Config is everything a Manager needs. Build one per session; nothing here
// is process global.
type Config struct {
	// BaseURL is where the identity endpoints live. Absolute, or relative to
	// Origin.
	BaseURL string
	Origin  string

	// Store holds the credentials. Default: in-memory for both lifetimes.
	Store *credstore.Store

	// HTTPClient is used by the default Poster. Default: 10s timeout with
	// request logging.
	HTTPClient *http.Client

	// Poster overrides the HTTP layer entirely.
	Poster Poster

	// Fingerprinter derives the device fingerprint. Default: HostFingerprint
	// over Store with FingerprintDelay.
	Fingerprinter    Fingerprinter
	FingerprintDelay time.Duration

	Logger *slog.Logger

	// Hooks. OnError receives every raw failure for telemetry. The Before
	// hooks observe a call before it goes out; they cannot change it.
	OnError         func(err error)
	OnBeforeLogin   func(attempt LoginAttempt)
	OnBeforeRefresh func(refreshToken, fingerprint string)

	// RefreshTimeout bounds one refresh call (default DefaultRefreshTimeout).
	RefreshTimeout time.Duration

	// LoginRate and LoginBurst throttle login attempts client side. A zero
	// LoginRate disables throttling.
	LoginRate  rate.Limit
	LoginBurst int

	// Now is the clock used for expiry checks. Default time.Now.
	Now func() time.Time
}
