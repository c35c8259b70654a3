package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
)

func TestIssueAndVerify(t *testing.T) {
	s := NewUnsubscribeSigner("secret", time.Hour)
	event, org := int64(3), int64(9)

	raw, err := s.Issue(" Ann@Example.com", &event, &org)
	require.NoError(t, err)

	claims, err := s.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", claims.Email)
	require.NotNil(t, claims.EventID)
	assert.Equal(t, int64(3), *claims.EventID)
	require.NotNil(t, claims.OrganizationID)
	assert.Equal(t, int64(9), *claims.OrganizationID)
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	raw, err := NewUnsubscribeSigner("one", time.Hour).Issue("a@b.c", nil, nil)
	require.NoError(t, err)

	_, err = NewUnsubscribeSigner("two", time.Hour).Verify(raw)
	assert.ErrorIs(t, err, appErrors.ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := NewUnsubscribeSigner("secret", time.Hour)
	issued := time.Now().Add(-2 * time.Hour)
	s.now = func() time.Time { return issued }
	raw, err := s.Issue("a@b.c", nil, nil)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Verify(raw)
	assert.ErrorIs(t, err, appErrors.ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewUnsubscribeSigner("secret", time.Hour).Verify("not-a-token")
	assert.ErrorIs(t, err, appErrors.ErrInvalidToken)
}
