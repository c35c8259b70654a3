package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/repository"
	"github.com/unclebandit/presents-campaigns/internal/token"
)

// TokenSigner issues and verifies unsubscribe tokens.
type TokenSigner interface {
	Issue(email string, eventID, orgID *int64) (string, error)
	Verify(raw string) (*token.UnsubscribeClaims, error)
}

// UnsubscribeGate decides whether an address may be mailed and handles the
// public unsubscribe and resubscribe operations.
type UnsubscribeGate struct {
	Repo   repository.UnsubscribeRepositoryInterface
	Signer TokenSigner
	Logger *zap.Logger
}

// UnsubscribeContext is what the public unsubscribe page shows.
type UnsubscribeContext struct {
	Email          string                          `json:"email"`
	EventID        *int64                          `json:"event_id,omitempty"`
	OrganizationID *int64                          `json:"organization_id,omitempty"`
	Unsubscribed   map[model.UnsubscribeScope]bool `json:"unsubscribed"`
}

// Allowed reports whether email may receive mail for the event. It reads the
// suppression table on every call; callers must not cache the answer.
func (g *UnsubscribeGate) Allowed(ctx context.Context, email string, eventID, orgID int64) (bool, error) {
	records, err := g.Repo.ListByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return false, fmt.Errorf("load suppressions: %w", err)
	}
	for _, u := range records {
		if u.Covers(eventID, orgID) {
			return false, nil
		}
	}
	return true, nil
}

func (g *UnsubscribeGate) IssueToken(email string, eventID, orgID int64) (string, error) {
	return g.Signer.Issue(email, &eventID, &orgID)
}

func (g *UnsubscribeGate) Context(ctx context.Context, raw string) (*UnsubscribeContext, error) {
	claims, err := g.Signer.Verify(raw)
	if err != nil {
		return nil, err
	}
	records, err := g.Repo.ListByEmail(ctx, claims.Email)
	if err != nil {
		return nil, fmt.Errorf("load suppressions: %w", err)
	}
	flags := map[model.UnsubscribeScope]bool{
		model.ScopeGlobal:       false,
		model.ScopeOrganization: false,
		model.ScopeEvent:        false,
	}
	for _, u := range records {
		if matchesClaims(u, claims) {
			flags[u.Scope] = true
		}
	}
	return &UnsubscribeContext{
		Email:          claims.Email,
		EventID:        claims.EventID,
		OrganizationID: claims.OrganizationID,
		Unsubscribed:   flags,
	}, nil
}

// Unsubscribe records a suppression at the requested scope. The scoped entity
// comes from the token, never from the request.
func (g *UnsubscribeGate) Unsubscribe(ctx context.Context, raw, scope, reason string) (*model.EmailUnsubscribe, error) {
	claims, err := g.Signer.Verify(raw)
	if err != nil {
		return nil, err
	}
	s, err := model.ParseScope(scope)
	if err != nil {
		return nil, err
	}

	u := &model.EmailUnsubscribe{Email: claims.Email, Scope: s, Reason: reason}
	switch s {
	case model.ScopeEvent:
		if claims.EventID == nil {
			return nil, fmt.Errorf("token carries no event: %w", appErrors.ErrInvalidScope)
		}
		u.EventID = claims.EventID
		u.OrganizationID = claims.OrganizationID
	case model.ScopeOrganization:
		if claims.OrganizationID == nil {
			return nil, fmt.Errorf("token carries no organization: %w", appErrors.ErrInvalidScope)
		}
		u.OrganizationID = claims.OrganizationID
	}

	if err := g.Repo.Upsert(ctx, u); err != nil {
		return nil, fmt.Errorf("save suppression: %w", err)
	}
	nopIfNil(g.Logger).Info("email unsubscribed", zap.String("scope", string(s)), zap.Int64("id", u.ID))
	return u, nil
}

// Resubscribe removes one suppression. With no scope given it removes the
// broadest one that applies, checking global, then organization, then event.
// It returns the scope removed, or "" when nothing matched.
func (g *UnsubscribeGate) Resubscribe(ctx context.Context, raw, scope string) (model.UnsubscribeScope, error) {
	claims, err := g.Signer.Verify(raw)
	if err != nil {
		return "", err
	}

	candidates := model.ScopePriority
	if scope != "" {
		s, err := model.ParseScope(scope)
		if err != nil {
			return "", err
		}
		candidates = []model.UnsubscribeScope{s}
	}

	records, err := g.Repo.ListByEmail(ctx, claims.Email)
	if err != nil {
		return "", fmt.Errorf("load suppressions: %w", err)
	}
	for _, s := range candidates {
		for _, u := range records {
			if u.Scope != s || !matchesClaims(u, claims) {
				continue
			}
			removed, err := g.Repo.Delete(ctx, claims.Email, s, scopeEntity(u))
			if err != nil {
				return "", fmt.Errorf("remove suppression: %w", err)
			}
			if removed {
				return s, nil
			}
		}
	}
	return "", nil
}

// matchesClaims reports whether a suppression concerns the event or
// organization a token was issued for.
func matchesClaims(u model.EmailUnsubscribe, c *token.UnsubscribeClaims) bool {
	switch u.Scope {
	case model.ScopeGlobal:
		return true
	case model.ScopeOrganization:
		return c.OrganizationID != nil && u.OrganizationID != nil && *u.OrganizationID == *c.OrganizationID
	case model.ScopeEvent:
		return c.EventID != nil && u.EventID != nil && *u.EventID == *c.EventID
	}
	return false
}

func scopeEntity(u model.EmailUnsubscribe) *int64 {
	switch u.Scope {
	case model.ScopeEvent:
		return u.EventID
	case model.ScopeOrganization:
		return u.OrganizationID
	}
	return nil
}
