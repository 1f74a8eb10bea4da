package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/errors"
	"github.com/reqdesk/reqdesk/internal/httputil"
)

func signToken(t *testing.T, userID, role string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		UserID:   userID,
		Username: "alice",
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func newSession(t *testing.T, handler http.HandlerFunc) (*Session, *httputil.Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := httputil.NewClient(httputil.Config{BaseURL: server.URL})
	require.NoError(t, err)
	return NewSession(client, nil), client
}

func TestCan(t *testing.T) {
	tests := []struct {
		role    domain.Role
		action  Action
		allowed bool
	}{
		{domain.RoleAdministrator, ActionManageUsers, true},
		{domain.RoleAdministrator, ActionDelete, true},
		{domain.RoleUser, ActionEdit, true},
		{domain.RoleUser, ActionDelete, true},
		{domain.RoleUser, ActionManageUsers, false},
		{domain.RoleCommenter, ActionView, true},
		{domain.RoleCommenter, ActionComment, true},
		{domain.RoleCommenter, ActionEdit, false},
		{domain.RoleCommenter, ActionDelete, false},
		{domain.Role(""), ActionView, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, Can(tt.role, tt.action), "%s/%s", tt.role, tt.action)
	}
}

func TestAuthorize(t *testing.T) {
	assert.NoError(t, Authorize(domain.RoleUser, ActionEdit))

	err := Authorize(domain.RoleCommenter, ActionEdit)
	require.Error(t, err)
	assert.True(t, errors.IsForbidden(err))
	assert.Equal(t, "Commenter may not edit", errors.Message(err))
}

func TestSession_Login(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	token := signToken(t, "u-1", "User", exp)

	var gotBody LoginRequest
	session, _ := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, LoginPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token": token,
			"user":  map[string]interface{}{"id": "u-1", "username": "alice", "role": "User", "is_active": true},
		})
	})

	user, err := session.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, LoginRequest{Username: "alice", Password: "secret"}, gotBody)
	assert.Equal(t, "u-1", user.ID)
	assert.Equal(t, domain.RoleUser, session.Role())
	assert.True(t, session.Authenticated())
	assert.True(t, exp.Equal(session.ExpiresAt()), "expiry comes from the exp claim")

	got, ok := session.Token()
	assert.True(t, ok)
	assert.Equal(t, token, got)

	assert.NoError(t, session.Require(ActionDelete))
	assert.True(t, errors.IsForbidden(session.Require(ActionManageUsers)))

	session.Logout()
	assert.False(t, session.Authenticated())
	assert.Nil(t, session.User())
	assert.True(t, errors.IsAuth(session.Require(ActionView)))
}

func TestSession_LoginAccessTokenAndExpiresAt(t *testing.T) {
	token := signToken(t, "u-2", "Commenter", time.Now().Add(time.Hour))
	expiresAt := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)

	session, _ := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": token,
			"expires_at":   expiresAt,
		})
	})

	user, err := session.Login(context.Background(), "bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u-2", user.ID)
	assert.Equal(t, domain.RoleCommenter, user.Role)
	assert.True(t, expiresAt.Equal(session.ExpiresAt()))
}

func TestSession_LoginOpaqueToken(t *testing.T) {
	expiresAt := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	session, _ := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":      "opaque-session-token-abc123",
			"expires_at": expiresAt,
			"user":       map[string]interface{}{"id": "u-9", "username": "carol", "role": "Administrator", "is_active": true},
		})
	})

	user, err := session.Login(context.Background(), "carol", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u-9", user.ID)
	assert.Equal(t, domain.RoleAdministrator, session.Role())
	assert.True(t, expiresAt.Equal(session.ExpiresAt()))

	got, ok := session.Token()
	assert.True(t, ok)
	assert.Equal(t, "opaque-session-token-abc123", got)
}

func TestSession_LoginOpaqueTokenWithoutUser(t *testing.T) {
	session, _ := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":      "opaque-session-token-abc123",
			"expires_at": time.Now().Add(time.Hour),
		})
	})

	_, err := session.Login(context.Background(), "carol", "pw")
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.False(t, session.Authenticated())
}

func TestSession_LoginRejected(t *testing.T) {
	session, _ := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Incorrect username or password"}`))
	})

	_, err := session.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.Equal(t, "Incorrect username or password", errors.Message(err))
	assert.False(t, session.Authenticated())
}

func TestSession_LoginValidatesInput(t *testing.T) {
	session := NewSession(nil, nil)
	_, err := session.Login(context.Background(), " ", "pw")
	assert.True(t, errors.IsValidation(err))
}

func TestSession_ExpiredTokenIsNotOffered(t *testing.T) {
	session := NewSession(nil, nil)
	require.NoError(t, session.SetToken(signToken(t, "u-1", "Administrator", time.Now().Add(time.Hour))))
	assert.True(t, session.Authenticated())

	session.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok := session.Token()
	assert.False(t, ok)
	assert.True(t, errors.IsAuth(session.Require(ActionView)))
}

func TestSession_SetTokenRejectsGarbage(t *testing.T) {
	session := NewSession(nil, nil)
	err := session.SetToken("not-a-jwt")
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.True(t, errors.IsAuth(session.SetToken("")))
}

func TestSession_AttachesBearerToken(t *testing.T) {
	var gotAuth string
	session, client := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	token := signToken(t, "u-1", "User", time.Now().Add(time.Hour))
	require.NoError(t, session.SetToken(token))

	require.NoError(t, client.JSON(context.Background(), http.MethodGet, "/api/v1/epics", nil, nil, nil))
	assert.Equal(t, "Bearer "+token, gotAuth)
}
