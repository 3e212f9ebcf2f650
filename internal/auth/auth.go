package auth

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// OperatorStore is the persistence the authenticator needs: a single
// operator row keyed by username.
type OperatorStore interface {
	GetOperatorHash(username string) (string, error)
	SaveOperator(username, passwordHash string) error
}

// Authenticator validates operator credentials against the store and
// issues JWT tokens for mutating monitor endpoints.
type Authenticator struct {
	enabled bool
	store   OperatorStore
	tokens  *tokenSigner
}

// NewAuthenticator creates an authenticator. Disabled authenticators
// reject Authenticate but let RequireAuth pass everything through,
// which is the mode for single-seat bench setups.
func NewAuthenticator(enabled bool, store OperatorStore) *Authenticator {
	return &Authenticator{
		enabled: enabled,
		store:   store,
		tokens:  newTokenSigner(),
	}
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Bootstrap ensures an operator account exists, creating one with the
// given password when the store is empty.
func (a *Authenticator) Bootstrap(username, password string) error {
	hash, err := a.store.GetOperatorHash(username)
	if err != nil {
		return err
	}
	if hash != "" {
		return nil
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return err
	}
	return a.store.SaveOperator(username, hashed)
}

// Authenticate validates credentials and returns a JWT token plus its
// expiry as a unix timestamp.
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	hash, err := a.store.GetOperatorHash(username)
	if err != nil {
		return "", 0, err
	}
	if hash == "" {
		return "", 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.tokens.Issue(username)
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ChangePassword verifies the current password and stores a new hash
func (a *Authenticator) ChangePassword(username, current, next string) error {
	hash, err := a.store.GetOperatorHash(username)
	if err != nil {
		return err
	}
	if hash == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	hashed, err := HashPassword(next)
	if err != nil {
		return err
	}
	return a.store.SaveOperator(username, hashed)
}

// VerifyToken checks a session token and returns the operator it
// belongs to.
func (a *Authenticator) VerifyToken(token string) (string, error) {
	return a.tokens.Verify(token)
}

// RequireAuth wraps a handler, rejecting requests without a valid
// bearer token. When auth is disabled the handler runs unguarded.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		if _, err := a.VerifyToken(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
