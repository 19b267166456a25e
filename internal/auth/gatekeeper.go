package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const defaultHandshakeTimeout = 5 * time.Second

var (
	ErrMissingCredential = errors.New("auth: credential not provided")
	ErrHandshakeTimeout  = errors.New("auth: credential check timed out")
	errMissingValidator  = errors.New("auth: token validator required")
)

// Identity is the verified caller attached to a connection for its whole lifetime.
type Identity struct {
	UserID int64
}

// TokenValidator resolves a bearer credential into a user id.
type TokenValidator interface {
	ValidateToken(token string) (int64, error)
}

// GatekeeperConfig configures handshake authentication.
type GatekeeperConfig struct {
	Validator TokenValidator
	Timeout   time.Duration
}

// Gatekeeper authenticates persistent connections once, at handshake time.
type Gatekeeper struct {
	validator TokenValidator
	timeout   time.Duration
}

// NewGatekeeper constructs a Gatekeeper.
func NewGatekeeper(cfg GatekeeperConfig) (*Gatekeeper, error) {
	if cfg.Validator == nil {
		return nil, errMissingValidator
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &Gatekeeper{validator: cfg.Validator, timeout: timeout}, nil
}

type validationResult struct {
	userID int64
	err    error
}

// Authenticate validates the credential, refusing it if the check outlives the handshake timeout.
func (g *Gatekeeper) Authenticate(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results := make(chan validationResult, 1)
	go func() {
		userID, err := g.validator.ValidateToken(credential)
		results <- validationResult{userID: userID, err: err}
	}()

	select {
	case <-ctx.Done():
		return Identity{}, ErrHandshakeTimeout
	case result := <-results:
		if result.err != nil {
			return Identity{}, result.err
		}
		return Identity{UserID: result.userID}, nil
	}
}

// CredentialFromRequest reads a bearer credential from the Authorization header,
// falling back to the token query parameter browsers use for websocket handshakes.
func CredentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
