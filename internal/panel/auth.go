// ABOUTME: Session authentication for the panel API
// ABOUTME: bcrypt password checks, HS256 session tokens, and role-gating middleware

package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/BGirginn/rasp-pi-webUI/internal/store"
)

// Auth errors
var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrMissingClaim       = errors.New("missing required claim")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type sessionKey struct{}

// Session identifies the authenticated caller for the duration of a request.
type Session struct {
	Username string
	Role     string
}

// SessionFrom extracts the authenticated session from a request context.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// Authenticator verifies credentials and issues HS256 session tokens.
type Authenticator struct {
	store    store.Store
	secret   []byte
	tokenTTL time.Duration
}

// NewAuthenticator builds an authenticator over the user store. A zero
// tokenTTL falls back to 24h; a negative TTL is honored as-is so callers can
// mint already-expired tokens.
func NewAuthenticator(st store.Store, secret []byte, tokenTTL time.Duration) *Authenticator {
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Authenticator{store: st, secret: secret, tokenTTL: tokenTTL}
}

// Login checks a username/password pair and returns a signed session token.
// Unknown users and wrong passwords both come back as ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	user, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := a.Generate(user.Username, user.Role)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Generate creates a session token carrying the username and role.
func (a *Authenticator) Generate(username, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  username,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(a.tokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify validates a session token and returns the session it carries.
func (a *Authenticator) Verify(tokenString string) (Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrExpiredToken
		}
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Session{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Session{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Session{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	role, ok := claims["role"].(string)
	if !ok || role == "" {
		return Session{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}

	return Session{Username: sub, Role: role}, nil
}

// HashPassword produces a bcrypt hash for storing a new user's password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Middleware authenticates requests via the Authorization bearer token and
// stashes the session in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		session, err := a.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// roleRank orders roles by privilege. Unknown roles rank below viewer.
func roleRank(role string) int {
	switch role {
	case store.RoleAdmin:
		return 3
	case store.RoleOperator:
		return 2
	case store.RoleViewer:
		return 1
	default:
		return 0
	}
}

// RequireRole gates a handler on a minimum role.
func RequireRole(minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if roleRank(session.Role) < roleRank(minRole) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
