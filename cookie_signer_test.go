package main

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyClientCookie(t *testing.T) {
	signer, err := NewHmacClientSigner(testCookieSecret, time.Hour)
	require.NoError(t, err)

	clientID := GenerateClientID()
	signed, err := signer.Sign(clientID)
	require.NoError(t, err)

	got, err := signer.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, clientID, got)
}

func TestGenerateClientIDIsUUID(t *testing.T) {
	_, err := uuid.Parse(GenerateClientID())
	require.NoError(t, err)
	require.NotEqual(t, GenerateClientID(), GenerateClientID())
}

func TestShortCookieSecretRejected(t *testing.T) {
	_, err := NewHmacClientSigner("too-short", time.Hour)
	require.Error(t, err)
}

func TestClientCookieRejected(t *testing.T) {
	signer, err := NewHmacClientSigner(testCookieSecret, time.Hour)
	require.NoError(t, err)
	other, err := NewHmacClientSigner("fedcba9876543210fedcba9876543210", time.Hour)
	require.NoError(t, err)

	signed, err := signer.Sign(GenerateClientID())
	require.NoError(t, err)
	swapped, err := signer.Sign(GenerateClientID())
	require.NoError(t, err)
	// payload of one cookie with the signature of another
	tampered := signed[:strings.LastIndex(signed, ".")] + swapped[strings.LastIndex(swapped, "."):]

	expired, err := NewHmacClientSigner(testCookieSecret, time.Hour)
	require.NoError(t, err)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.Sign(GenerateClientID())
	require.NoError(t, err)

	notUUID, err := signer.Sign("client-7")
	require.NoError(t, err)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  "someone-else",
		Subject: GenerateClientID(),
	}).SignedString([]byte(testCookieSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		signed string
	}{
		{"garbage", "not-a-jwt"},
		{"tampered", tampered},
		{"other secret", mustSign(t, other)},
		{"expired", stale},
		{"subject is not a client id", notUUID},
		{"wrong issuer", foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signer.Verify(tt.signed)
			require.ErrorContains(t, err, "invalid client cookie")
		})
	}
}

func mustSign(t *testing.T, signer ClientSigner) string {
	t.Helper()
	signed, err := signer.Sign(GenerateClientID())
	require.NoError(t, err)
	return signed
}
