package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, claims Claims, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{claims})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestParseClaims_RoundTrip(t *testing.T) {
	secret := []byte("top-secret")
	ws := uuid.New()
	claims := Claims{Account: uuid.New(), Workspace: &ws, Extra: map[string]string{"service": "ingest"}}

	token := signToken(t, claims, secret)
	parsed, err := ParseClaims(token, secret)
	require.NoError(t, err)
	assert.Equal(t, claims.Account, parsed.Account)
	require.NotNil(t, parsed.Workspace)
	assert.Equal(t, ws, *parsed.Workspace)
	assert.Equal(t, "ingest", parsed.Extra["service"])
}

func TestParseClaims_WrongSecretFails(t *testing.T) {
	token := signToken(t, Claims{Account: uuid.New()}, []byte("secret-a"))
	_, err := ParseClaims(token, []byte("secret-b"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseClaims_RejectsMalformedToken(t *testing.T) {
	_, err := ParseClaims("not.a.jwt", []byte("secret"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIsSystemAndGuest(t *testing.T) {
	assert.True(t, Claims{Account: SystemAccount}.IsSystem())
	assert.True(t, Claims{Account: GuestAccount}.IsGuest())
	assert.False(t, Claims{Account: uuid.New()}.IsSystem())
}
