package authsession_test

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/authsession"
	"github.com/aussiebroadwan/authsession/pkg/credstore"
	"github.com/stretchr/testify/require"
)

func TestHostFingerprintIsStable(t *testing.T) {
	t.Parallel()

	durable := credstore.NewMemory()
	store := credstore.New(nil, durable)
	ctx := context.Background()

	fp := &authsession.HostFingerprint{Store: store}
	first, err := fp.Fingerprint(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := fp.Fingerprint(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)

	installID, err := durable.Get(ctx, credstore.KeyInstallID)
	require.NoError(t, err)
	require.NotEmpty(t, installID)

	// The install id outlives logout.
	require.NoError(t, store.Clear(ctx))
	third, err := (&authsession.HostFingerprint{Store: store}).Fingerprint(ctx)
	require.NoError(t, err)
	require.Equal(t, first, third)
}

func TestHostFingerprintDiffersPerInstall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := (&authsession.HostFingerprint{Store: credstore.New(nil, nil)}).Fingerprint(ctx)
	require.NoError(t, err)
	b, err := (&authsession.HostFingerprint{Store: credstore.New(nil, nil)}).Fingerprint(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestHostFingerprintDelay(t *testing.T) {
	t.Parallel()

	fp := &authsession.HostFingerprint{Store: credstore.New(nil, nil), Delay: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := fp.Fingerprint(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
