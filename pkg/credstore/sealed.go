package credstore

import (
	"context"
	"fmt"
)

// Sealer encrypts values bound to a label. *cryptox.Sealer satisfies it.
type Sealer interface {
	Seal(label, plaintext string) (string, error)
	Open(label, sealed string) (string, error)
}

// Sealed wraps a Backend so values are encrypted at rest. The storage key is
// used as the label, so ciphertexts cannot be swapped between keys.
type Sealed struct {
	inner  Backend
	sealer Sealer
}

func NewSealed(inner Backend, sealer Sealer) *Sealed {
	return &Sealed{inner: inner, sealer: sealer}
}

func (s *Sealed) Get(ctx context.Context, key string) (string, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil || raw == "" {
		return raw, err
	}

	value, err := s.sealer.Open(key, raw)
	if err != nil {
		return "", fmt.Errorf("credstore: open %q: %w", key, err)
	}
	return value, nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	sealed, err := s.sealer.Seal(key, value)
	if err != nil {
		return fmt.Errorf("credstore: seal %q: %w", key, err)
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *Sealed) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}
