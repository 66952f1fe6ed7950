// Package credstore persists session credentials across two lifetimes: a
// session backend that lives as long as the process, and a durable backend
// that survives restarts for users who asked to be remembered.
package credstore

import (
	"context"
	"errors"
	"fmt"
)

// Storage keys.
const (
	KeyAccessToken     = "accessToken"
	KeyRefreshToken    = "refreshToken"
	KeyRefreshLifetime = "refreshTokenLifetime"
	KeyInstallID       = "installId"
	lifetimeTagSession = "session"
	lifetimeTagDurable = "durable"
	lifetimeTagUnknown = "unknown"
)

// Lifetime selects which backend a value lives in.
type Lifetime int

const (
	Session Lifetime = iota
	Durable
)

func (l Lifetime) String() string {
	switch l {
	case Session:
		return lifetimeTagSession
	case Durable:
		return lifetimeTagDurable
	default:
		return lifetimeTagUnknown
	}
}

// LifetimeFor maps the remember-me choice to a lifetime.
func LifetimeFor(rememberMe bool) Lifetime {
	if rememberMe {
		return Durable
	}
	return Session
}

var ErrUnknownLifetime = errors.New("credstore: unknown lifetime")

// Backend is a flat key-value store. Get on a missing key returns "" and a
// nil error.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Store routes reads and writes to the session or durable backend and keeps
// the refresh token in exactly one of them.
type Store struct {
	session Backend
	durable Backend
}

// New returns a Store over the given backends. A nil durable backend falls
// back to an in-memory one, which makes remember-me last only as long as the
// process.
func New(session, durable Backend) *Store {
	if session == nil {
		session = NewMemory()
	}
	if durable == nil {
		durable = NewMemory()
	}
	return &Store{session: session, durable: durable}
}

func (s *Store) backend(l Lifetime) (Backend, error) {
	switch l {
	case Session:
		return s.session, nil
	case Durable:
		return s.durable, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownLifetime, l)
	}
}

func (s *Store) Get(ctx context.Context, key string, l Lifetime) (string, error) {
	b, err := s.backend(l)
	if err != nil {
		return "", err
	}
	return b.Get(ctx, key)
}

func (s *Store) Set(ctx context.Context, key, value string, l Lifetime) error {
	b, err := s.backend(l)
	if err != nil {
		return err
	}
	return b.Set(ctx, key, value)
}

func (s *Store) Remove(ctx context.Context, key string, l Lifetime) error {
	b, err := s.backend(l)
	if err != nil {
		return err
	}
	return b.Remove(ctx, key)
}

// ResolveActiveLifetime reports which lifetime currently owns the refresh
// token. The durable backend wins when it holds a token tagged durable (or
// an untagged one written before tags existed); everything else is Session.
func (s *Store) ResolveActiveLifetime(ctx context.Context) (Lifetime, error) {
	token, err := s.durable.Get(ctx, KeyRefreshToken)
	if err != nil {
		return Session, fmt.Errorf("credstore: read durable refresh token: %w", err)
	}
	if token == "" {
		return Session, nil
	}

	tag, err := s.durable.Get(ctx, KeyRefreshLifetime)
	if err != nil {
		return Session, fmt.Errorf("credstore: read durable lifetime tag: %w", err)
	}
	if tag == "" || tag == lifetimeTagDurable {
		return Durable, nil
	}

	return Session, nil
}

// AccessToken returns the stored access token, "" when absent.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	return s.session.Get(ctx, KeyAccessToken)
}

// RefreshToken returns the refresh token and the lifetime it was read from.
func (s *Store) RefreshToken(ctx context.Context) (string, Lifetime, error) {
	l, err := s.ResolveActiveLifetime(ctx)
	if err != nil {
		return "", Session, err
	}

	b, _ := s.backend(l)
	token, err := b.Get(ctx, KeyRefreshToken)
	if err != nil {
		return "", l, fmt.Errorf("credstore: read %s refresh token: %w", l, err)
	}
	return token, l, nil
}

// SaveTokens stores a token pair. The access token always goes to the
// session backend. The refresh token and its lifetime tag go to l and are
// removed from the other backend.
func (s *Store) SaveTokens(ctx context.Context, accessToken, refreshToken string, l Lifetime) error {
	target, err := s.backend(l)
	if err != nil {
		return err
	}
	other := s.durable
	if l == Durable {
		other = s.session
	}

	if err := s.session.Set(ctx, KeyAccessToken, accessToken); err != nil {
		return fmt.Errorf("credstore: write access token: %w", err)
	}
	if err := target.Set(ctx, KeyRefreshToken, refreshToken); err != nil {
		return fmt.Errorf("credstore: write %s refresh token: %w", l, err)
	}
	if err := target.Set(ctx, KeyRefreshLifetime, l.String()); err != nil {
		return fmt.Errorf("credstore: write %s lifetime tag: %w", l, err)
	}

	return errors.Join(
		other.Remove(ctx, KeyRefreshToken),
		other.Remove(ctx, KeyRefreshLifetime),
	)
}

// Clear removes the access token and any refresh token from both lifetimes.
func (s *Store) Clear(ctx context.Context) error {
	return errors.Join(
		s.session.Remove(ctx, KeyAccessToken),
		s.session.Remove(ctx, KeyRefreshToken),
		s.session.Remove(ctx, KeyRefreshLifetime),
		s.durable.Remove(ctx, KeyRefreshToken),
		s.durable.Remove(ctx, KeyRefreshLifetime),
	)
}
