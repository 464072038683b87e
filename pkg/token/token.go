// Package token issues and verifies the signed payloads the backend
// hands out: the QR payload a shopper scans to bind their phone to a
// kiosk session, and operator bearer tokens for privileged endpoints.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleOperator = "operator"

var (
	ErrTokenInvalid       = errors.New("token is invalid")
	ErrTokenInvalidClaims = errors.New("token has invalid claims")
	ErrNotOperator        = errors.New("token does not carry the operator role")
)

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// SessionPayload signs the QR payload for a freshly created session.
// The token expires with the session, so a stale QR code cannot be
// scanned into an expired session.
func (s *Signer) SessionPayload(sessionID, machineID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"session_id": sessionID,
		"machine_id": machineID,
		"exp":        expiresAt.Unix(),
		"iat":        time.Now().Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session payload: %w", err)
	}

	return signed, nil
}

// ParseSessionPayload verifies a scanned QR payload and returns the
// session and machine ids it was bound to.
func (s *Signer) ParseSessionPayload(payload string) (sessionID, machineID string, err error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(payload, claims, s.keyFunc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return "", "", ErrTokenInvalid
	}

	sessionID, ok := claims["session_id"].(string)
	if !ok || sessionID == "" {
		return "", "", ErrTokenInvalidClaims
	}
	machineID, ok = claims["machine_id"].(string)
	if !ok || machineID == "" {
		return "", "", ErrTokenInvalidClaims
	}

	return sessionID, machineID, nil
}

// OperatorToken signs a bearer token for field technicians.
func (s *Signer) OperatorToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": RoleOperator,
		"exp":  time.Now().Add(ttl).Unix(),
		"iat":  time.Now().Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign operator token: %w", err)
	}

	return signed, nil
}

// VerifyOperator checks that the bearer token is valid and carries the
// operator role.
func (s *Signer) VerifyOperator(bearer string) error {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(bearer, claims, s.keyFunc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return ErrTokenInvalid
	}

	role, ok := claims["role"].(string)
	if !ok || role != RoleOperator {
		return ErrNotOperator
	}

	return nil
}

func (s *Signer) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return s.secret, nil
}
