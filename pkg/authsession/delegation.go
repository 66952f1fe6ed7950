package authsession

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aussiebroadwan/authsession/pkg/credstore"
)

// DelegatedRights fetches the rights subjectID has delegated to the current
// user. The payload is returned as the server sent it.
func (m *Manager) DelegatedRights(ctx context.Context, subjectID string) (json.RawMessage, error) {
	if subjectID == "" {
		err := &ValidationError{Field: "subject", Message: "subject id not passed"}
		m.logger.Warn("delegated rights not requested", "error", err)
		return nil, err
	}

	token, err := m.requireToken(ctx)
	if err != nil {
		m.report(err)
		return nil, err
	}

	resp, err := m.poster.Post(ctx, m.endpoints.delegatedRights, subjectID, bearer(token))
	if err != nil {
		m.report(err)
		m.logger.Error("delegated rights request failed", "error", err)
		return nil, err
	}

	if !json.Valid(resp.Body) {
		err := fmt.Errorf("authsession: delegated rights: response is not JSON")
		m.report(err)
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

// ApplyDelegatedRights switches the session to act with the rights subjectID
// delegated. On success the server issues a new token pair, which replaces
// the current one for the rest of the session.
func (m *Manager) ApplyDelegatedRights(ctx context.Context, subjectID string) Result {
	if subjectID == "" {
		return m.fail(&ValidationError{Field: "subject", Message: "subject id not passed"})
	}

	token, err := m.requireToken(ctx)
	if err != nil {
		return m.fail(err)
	}

	resp, err := m.poster.Post(ctx, m.endpoints.applyDelegation, subjectID, bearer(token))
	if err != nil {
		return m.fail(err)
	}

	return m.accept(ctx, PathApplyDelegation, resp, credstore.Session)
}

// requireToken is GetToken for calls that cannot go out anonymously.
func (m *Manager) requireToken(ctx context.Context) (string, error) {
	token, err := m.GetToken(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}
