package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestWith(header, value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/gateway", nil)
	if header != "" {
		r.Header.Set(header, value)
	}
	return r
}

func TestJWTRoundTrip(t *testing.T) {
	a := JWT{Secret: []byte("secret")}
	token, err := a.Issue("user-1", time.Minute)
	require.NoError(t, err)

	id, err := a.Authenticate(requestWith("Authorization", "Bearer "+token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)

	id, err = a.Authenticate(requestWith("Authorization", "bearer "+token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)
}

func TestJWTRejects(t *testing.T) {
	a := JWT{Secret: []byte("secret")}
	other := JWT{Secret: []byte("other")}

	wrongKey, err := other.Issue("user-1", time.Minute)
	require.NoError(t, err)
	expired, err := a.Issue("user-1", -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject: "user-1",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		value string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"empty token", "Bearer "},
		{"garbage", "Bearer not.a.token"},
		{"wrong key", "Bearer " + wrongKey},
		{"expired", "Bearer " + expired},
		{"no subject", "Bearer " + noSubject},
		{"wrong algorithm", "Bearer " + wrongAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(requestWith("Authorization", tt.value))
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestHeaderAuthenticator(t *testing.T) {
	id, err := Header{}.Authenticate(requestWith("X-User-Id", " u7 "))
	require.NoError(t, err)
	assert.Equal(t, "u7", id)

	_, err = Header{}.Authenticate(requestWith("", ""))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticatorFunc(t *testing.T) {
	var a Authenticator = AuthenticatorFunc(func(*http.Request) (string, error) { return "fixed", nil })
	id, err := a.Authenticate(requestWith("", ""))
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
}
