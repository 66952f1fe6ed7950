package authsession

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/credstore"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Fingerprinter derives a device fingerprint the server binds tokens to. It
// must be stable for a device across calls.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// FingerprintFunc adapts a function to Fingerprinter.
type FingerprintFunc func(ctx context.Context) (string, error)

func (f FingerprintFunc) Fingerprint(ctx context.Context) (string, error) { return f(ctx) }

// StaticFingerprint always returns itself.
type StaticFingerprint string

func (s StaticFingerprint) Fingerprint(context.Context) (string, error) { return string(s), nil }

// HostFingerprint hashes host attributes together with an install ID that is
// generated once and kept in the durable credential store, so two machines
// with the same hostname still differ.
type HostFingerprint struct {
	Store *credstore.Store

	// Delay postpones derivation, standing in for "wait until the host is
	// idle". Zero means compute immediately.
	Delay time.Duration

	mu sync.Mutex
}

func (h *HostFingerprint) Fingerprint(ctx context.Context) (string, error) {
	if h.Delay > 0 {
		timer := time.NewTimer(h.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	installID, err := h.installID(ctx)
	if err != nil {
		return "", err
	}

	hostname, _ := os.Hostname()
	parts := []string{
		installID,
		hostname,
		runtime.GOOS,
		runtime.GOARCH,
		strconv.Itoa(runtime.NumCPU()),
	}

	sum := xxhash.Sum64String(strings.Join(parts, "\x1f"))
	return strconv.FormatUint(sum, 16), nil
}

func (h *HostFingerprint) installID(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, err := h.Store.Get(ctx, credstore.KeyInstallID, credstore.Durable)
	if err != nil {
		return "", fmt.Errorf("authsession: read install id: %w", err)
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := h.Store.Set(ctx, credstore.KeyInstallID, id, credstore.Durable); err != nil {
		return "", fmt.Errorf("authsession: write install id: %w", err)
	}
	return id, nil
}
