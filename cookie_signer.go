package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const ClientCookieName = "intake_client"
const cookieIssuer = "go-case-intake"

// ClientSigner issues and checks the signed client id carried in the
// intake_client cookie.
type ClientSigner interface {
	Sign(clientID string) (string, error)
	Verify(signed string) (clientID string, err error)
}

type HmacClientSigner struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

func NewHmacClientSigner(secret string, lifetime time.Duration) (*HmacClientSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("cookie secret must be at least 32 bytes")
	}
	return &HmacClientSigner{
		secret:   []byte(secret),
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

func (s *HmacClientSigner) Sign(clientID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    cookieIssuer,
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *HmacClientSigner) Verify(signed string) (string, error) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(signed, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid client cookie: %w", err)
	}
	if !claims.VerifyIssuer(cookieIssuer, true) {
		return "", errors.New("invalid client cookie: wrong issuer")
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", fmt.Errorf("invalid client cookie: %w", err)
	}
	return claims.Subject, nil
}

func GenerateClientID() string {
	return uuid.NewString()
}
