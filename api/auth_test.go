package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// actorEcho writes the resolved actor as the response body.
var actorEcho = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(ActorFrom(r.Context())))
})

func serveWithAuth(secret, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	Authenticator(secret)(actorEcho).ServeHTTP(rec, req)
	return rec
}

func TestAuthenticator(t *testing.T) {
	valid, err := IssueToken(testSecret, "teacher-7", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "teacher-7", -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken("other-secret", "teacher-7", time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name      string
		secret    string
		header    string
		wantCode  int
		wantActor string
	}{
		{name: "valid token", secret: testSecret, header: "Bearer " + valid, wantCode: http.StatusOK, wantActor: "teacher-7"},
		{name: "no header", secret: testSecret, wantCode: http.StatusOK, wantActor: "system"},
		{name: "auth disabled", secret: "", header: "Bearer garbage", wantCode: http.StatusOK, wantActor: "system"},
		{name: "not bearer", secret: testSecret, header: "Basic dXNlcjpwYXNz", wantCode: http.StatusUnauthorized},
		{name: "garbage", secret: testSecret, header: "Bearer garbage", wantCode: http.StatusUnauthorized},
		{name: "expired", secret: testSecret, header: "Bearer " + expired, wantCode: http.StatusUnauthorized},
		{name: "wrong key", secret: testSecret, header: "Bearer " + foreign, wantCode: http.StatusUnauthorized},
		{name: "no subject", secret: testSecret, header: "Bearer " + noSubject, wantCode: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveWithAuth(tt.secret, tt.header)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantActor != "" {
				assert.Equal(t, tt.wantActor, rec.Body.String())
			}
		})
	}
}

func TestAuthenticator_RejectsNoneAlgorithm(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "mallory"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	rec := serveWithAuth(testSecret, "Bearer "+raw)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActorFrom_Empty(t *testing.T) {
	ctx := WithActor(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "")
	assert.Equal(t, fee.SystemActor, ActorFrom(ctx))
}
