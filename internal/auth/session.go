// Package auth holds the in-process login session and the role-based access
// rules applied before mutating calls.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/errors"
	"github.com/reqdesk/reqdesk/internal/httputil"
	"github.com/reqdesk/reqdesk/internal/logging"
)

// LoginPath is the backend login endpoint.
const LoginPath = "/api/v1/auth/login"

// expirySkew treats a token as expired slightly before its real expiry so a
// request does not race the deadline.
const expirySkew = 10 * time.Second

// Claims are the JWT claims the backend issues.
type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// LoginRequest is the login request body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the login response body. Some backends name the token
// access_token; both are accepted.
type LoginResponse struct {
	Token       string       `json:"token,omitempty"`
	AccessToken string       `json:"access_token,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	User        *domain.User `json:"user,omitempty"`
}

// Session holds the bearer token and the authenticated user. It is safe for
// concurrent use and implements httputil.TokenSource.
type Session struct {
	client *httputil.Client
	log    *logging.Logger
	now    func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	user      *domain.User
}

// NewSession creates a session that logs in through client. The session
// registers itself as the client's token source.
func NewSession(client *httputil.Client, log *logging.Logger) *Session {
	if log == nil {
		log = logging.NewNop()
	}
	s := &Session{client: client, log: log, now: time.Now}
	if client != nil {
		client.SetTokenSource(s)
	}
	return s
}

// Login authenticates against the backend and stores the issued token.
func (s *Session) Login(ctx context.Context, username, password string) (*domain.User, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, errors.Validation("username and password are required")
	}
	if s.client == nil {
		return nil, errors.Internal("login", fmt.Errorf("no backend client configured"))
	}

	var resp LoginResponse
	err := s.client.JSON(ctx, http.MethodPost, LoginPath, nil, LoginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("username", username).Warn("Login failed")
		return nil, err
	}

	token := resp.Token
	if token == "" {
		token = resp.AccessToken
	}
	if token == "" {
		return nil, errors.Unauthorized("login response did not contain a token")
	}

	user, expiresAt, err := s.fromResponse(token, &resp)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	s.user = user
	s.mu.Unlock()

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"user_id": user.ID,
		"role":    user.Role,
	}).Info("Logged in")
	return user, nil
}

// SetToken installs a pre-issued token, e.g. from configuration. The user and
// expiry are taken from the token's claims.
func (s *Session) SetToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.Unauthorized("empty token")
	}
	user, expiresAt, err := s.fromToken(token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	s.user = user
	s.mu.Unlock()
	return nil
}

// Logout forgets the token and user.
func (s *Session) Logout() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.user = nil
	s.mu.Unlock()
}

// Token implements httputil.TokenSource. It reports no token once the
// session has expired.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || s.expiredLocked() {
		return "", false
	}
	return s.token, true
}

// Authenticated reports whether a usable token is held.
func (s *Session) Authenticated() bool {
	_, ok := s.Token()
	return ok
}

// ExpiresAt returns the token expiry, zero when unknown.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// User returns a copy of the authenticated user, or nil.
func (s *Session) User() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Role returns the authenticated user's role, or "".
func (s *Session) Role() domain.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.Role
}

// Require returns an auth error when not logged in and a forbidden error when
// the current role may not perform action.
func (s *Session) Require(action Action) error {
	if !s.Authenticated() {
		return errors.Unauthorized("not logged in")
	}
	return Authorize(s.Role(), action)
}

// Context returns ctx annotated with the session user for logging.
func (s *Session) Context(ctx context.Context) context.Context {
	if u := s.User(); u != nil {
		ctx = logging.WithUserID(ctx, u.ID)
		ctx = logging.WithRole(ctx, string(u.Role))
	}
	return ctx
}

func (s *Session) expiredLocked() bool {
	if s.expiresAt.IsZero() {
		return false
	}
	return !s.now().Add(expirySkew).Before(s.expiresAt)
}

// fromResponse prefers the user and expiry sent in the login response and
// only reads token claims for what the response left out. Tokens are opaque
// when the response carries both.
func (s *Session) fromResponse(token string, resp *LoginResponse) (*domain.User, time.Time, error) {
	if resp.User != nil && resp.ExpiresAt != nil {
		u := *resp.User
		return &u, *resp.ExpiresAt, nil
	}

	claimUser, claimExpiry, err := s.fromToken(token)
	if err != nil {
		if resp.User == nil {
			return nil, time.Time{}, err
		}
		// Opaque token without an expiry: the backend's 401 ends the session.
		u := *resp.User
		return &u, time.Time{}, nil
	}

	user, expiresAt := claimUser, claimExpiry
	if resp.User != nil {
		u := *resp.User
		user = &u
	}
	if resp.ExpiresAt != nil {
		expiresAt = *resp.ExpiresAt
	}
	return user, expiresAt, nil
}

// fromToken reads the user and expiry from the token claims. The signature
// is not verified here; the backend verifies it on every request.
func (s *Session) fromToken(token string) (*domain.User, time.Time, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return nil, time.Time{}, err
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	return &domain.User{
		ID:       id,
		Username: claims.Username,
		Role:     domain.Role(claims.Role),
		IsActive: true,
	}, expiresAt, nil
}

// ParseClaims decodes the claims of token without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.InvalidToken(err)
	}
	return claims, nil
}
