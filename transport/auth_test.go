package transport

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruchi-nb/full-matata-sub001/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-secret")

func TestJWTAuthenticatorRoundTrip(t *testing.T) {
	a := NewJWTAuthenticator(testSecret, "voice-gateway")

	token, err := a.MintToken(Identity{
		Subject:   "patient-42",
		Role:      "patient",
		DoctorID:  "doc-7",
		PatientID: "patient-42",
	}, time.Minute)
	require.NoError(t, err)

	identity, err := a.Authenticate(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "patient-42", identity.Subject)
	assert.Equal(t, "patient", identity.Role)
	assert.Equal(t, "doc-7", identity.DoctorID)
	assert.WithinDuration(t, time.Now().Add(time.Minute), identity.ExpiresAt, 5*time.Second)
}

func TestJWTAuthenticatorRejections(t *testing.T) {
	a := NewJWTAuthenticator(testSecret, "voice-gateway")

	valid, err := a.MintToken(Identity{Subject: "s"}, time.Minute)
	require.NoError(t, err)

	other := NewJWTAuthenticator([]byte("different-secret"), "voice-gateway")
	forged, err := other.MintToken(Identity{Subject: "s"}, time.Minute)
	require.NoError(t, err)

	wrongIssuer := NewJWTAuthenticator(testSecret, "someone-else")
	badIssuer, err := wrongIssuer.MintToken(Identity{Subject: "s"}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
	}{
		{"empty", ""},
		{"garbage", "Bearer not.a.jwt"},
		{"wrong signature", "Bearer " + forged},
		{"wrong issuer", "Bearer " + badIssuer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tt.credential)
			require.Error(t, err)
			assert.Equal(t, types.ErrUnauthorized, types.CodeOf(err))
		})
	}

	// 有效凭证仍然可用
	_, err = a.Authenticate(context.Background(), "Bearer "+valid)
	assert.NoError(t, err)
}

func TestJWTAuthenticatorExpiredToken(t *testing.T) {
	a := NewJWTAuthenticator(testSecret, "")

	token, err := a.MintToken(Identity{Subject: "s"}, -time.Minute)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.CodeOf(err))
}

func TestJWTAuthenticatorRejectsNoneAlgorithm(t *testing.T) {
	a := NewJWTAuthenticator(testSecret, "")

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "s"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.CodeOf(err))
}

func TestJWTAuthenticatorMissingSubject(t *testing.T) {
	a := NewJWTAuthenticator(testSecret, "")

	token, err := a.MintToken(Identity{}, time.Minute)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.CodeOf(err))
}
