// Package token signs and validates the turn links handed to signers. A link
// token binds one workflow and one signer email so a forwarded link cannot be
// replayed against another workflow or identity.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "countersign/pkg/domainerrors"
)

// TurnClaims are the JWT claims carried by a signer link.
type TurnClaims struct {
	WorkflowID string `json:"workflow_id"`
	Email      string `json:"email"`
	jwt.RegisteredClaims
}

// LinkSigner issues and validates signer-link tokens with an HMAC key.
type LinkSigner struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewLinkSigner builds a LinkSigner.
func NewLinkSigner(signingKey string, ttl time.Duration) *LinkSigner {
	return &LinkSigner{
		signingKey: []byte(signingKey),
		issuer:     "countersign",
		ttl:        ttl,
	}
}

// Sign issues a token for one signer's turn link.
func (s *LinkSigner) Sign(workflowID, email string) (string, error) {
	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, TurnClaims{
		WorkflowID: workflowID,
		Email:      email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})

	signedToken, err := newToken.SignedString(s.signingKey)
	if err != nil {
		return "", err
	}
	return signedToken, nil
}

// Validate checks signature and expiry and that the token is bound to the
// given workflow and email.
func (s *LinkSigner) Validate(tokenString, workflowID, email string) error {
	parsed, err := jwt.ParseWithClaims(tokenString, &TurnClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return dErrors.New(dErrors.CodeExpired, "signing link has expired")
		}
		return dErrors.New(dErrors.CodeInvalidCredential, "invalid signing link")
	}

	claims, ok := parsed.Claims.(*TurnClaims)
	if !ok || !parsed.Valid {
		return dErrors.New(dErrors.CodeInvalidCredential, "invalid signing link")
	}
	if claims.WorkflowID != workflowID || claims.Email != email {
		return dErrors.New(dErrors.CodeInvalidCredential, "signing link does not match this signer")
	}
	return nil
}
