package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/idx"
)

// Transport wraps an http.RoundTripper, tagging each outbound request with a
// request ID and logging its outcome.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

// NewTransport returns a logging Transport over base (http.DefaultTransport if nil).
func NewTransport(base http.RoundTripper, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Logger: OrDefault(logger)}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()

	reqID := r.Header.Get(idx.RequestIDHeader)
	if reqID == "" {
		reqID = idx.New().String()
		// RoundTrippers must not mutate the caller's request
		r = r.Clone(r.Context())
		r.Header.Set(idx.RequestIDHeader, reqID)
	}

	logger := t.Logger.With(
		"req_id", reqID,
		"method", r.Method,
		"url", r.URL.Redacted(),
	)

	resp, err := t.Base.RoundTrip(r)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		logger.Warn("http_client_request", "error", err, "duration_ms", duration)
		return nil, err
	}

	logger.Debug("http_client_request",
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
