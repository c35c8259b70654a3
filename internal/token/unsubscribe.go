package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
)

const issuer = "presents-campaigns"

// UnsubscribeClaims identify the recipient and the event/organization a link
// was issued for. The scope itself is chosen by the recipient later.
type UnsubscribeClaims struct {
	Email          string `json:"email"`
	EventID        *int64 `json:"event_id,omitempty"`
	OrganizationID *int64 `json:"organization_id,omitempty"`
	jwt.RegisteredClaims
}

// UnsubscribeSigner issues and verifies HS256 unsubscribe tokens.
type UnsubscribeSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewUnsubscribeSigner(secret string, ttl time.Duration) *UnsubscribeSigner {
	return &UnsubscribeSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *UnsubscribeSigner) Issue(email string, eventID, orgID *int64) (string, error) {
	now := s.now()
	claims := UnsubscribeClaims{
		Email:          model.NormalizeEmail(email),
		EventID:        eventID,
		OrganizationID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   model.NormalizeEmail(email),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign unsubscribe token: %w", err)
	}
	return signed, nil
}

// Verify returns the claims of a valid token. Any signature, issuer or expiry
// failure is reported as ErrInvalidToken.
func (s *UnsubscribeSigner) Verify(raw string) (*UnsubscribeClaims, error) {
	claims := &UnsubscribeClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", appErrors.ErrInvalidToken)
		}
		return nil, appErrors.ErrInvalidToken
	}
	if claims.Email == "" {
		return nil, appErrors.ErrInvalidToken
	}
	return claims, nil
}
