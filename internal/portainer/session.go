package portainer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

var errSessionExpired = errors.New("session expired, authenticate again")

// tokenAlgorithms are the signature algorithms accepted when reading claims
// from the control plane's token. The signature itself is never verified here.
var tokenAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// Session is an authenticated session against the control plane. The bearer
// token stays inside the session; callers hand the session to the transport,
// which asks it to authorize each request.
type Session struct {
	baseURL string
	source  oauth2.TokenSource
	expiry  time.Time
}

func newSession(baseURL, rawToken string) *Session {
	expiry := tokenExpiry(rawToken)
	return &Session{
		baseURL: baseURL,
		source: oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: rawToken,
			TokenType:   "Bearer",
			Expiry:      expiry,
		}),
		expiry: expiry,
	}
}

// BaseURL returns the API root the session was created against.
func (s *Session) BaseURL() string {
	return s.baseURL
}

// Expiry returns when the session expires. The boolean is false when the
// token carries no readable expiry.
func (s *Session) Expiry() (time.Time, bool) {
	return s.expiry, !s.expiry.IsZero()
}

// Valid reports whether the session can still authorize requests.
func (s *Session) Valid() bool {
	tok, err := s.source.Token()
	return err == nil && tok.Valid()
}

func (s *Session) authorize(req *http.Request) error {
	tok, err := s.source.Token()
	if err != nil {
		return err
	}
	if !tok.Valid() {
		return errSessionExpired
	}
	tok.SetAuthHeader(req)
	return nil
}

// tokenExpiry reads the exp claim of a JWT. It returns the zero time when the
// token is opaque or has no expiry.
func tokenExpiry(raw string) time.Time {
	tok, err := jwt.ParseSigned(raw, tokenAlgorithms)
	if err != nil {
		return time.Time{}
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}
	}
	if claims.Expiry == nil {
		return time.Time{}
	}
	return claims.Expiry.Time()
}

// SessionManager authenticates against the control plane.
type SessionManager struct {
	transport *Transport
	username  string
	password  string
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(transport *Transport, username, password string) *SessionManager {
	return &SessionManager{
		transport: transport,
		username:  username,
		password:  password,
	}
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	JWT *string `json:"jwt"`
}

// Authenticate sends the credentials once and returns a new session.
// There is no renewal: once the session expires every request fails with an
// authentication error and the caller has to authenticate again.
func (m *SessionManager) Authenticate(ctx context.Context) (*Session, error) {
	req := Request{
		Method: http.MethodPost,
		Path:   "/auth",
		Body:   authRequest{Username: m.username, Password: m.password},
	}

	resp, err := m.transport.Do(ctx, req)
	if err != nil {
		// Bad credentials come back as 422, not 401.
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			apiErr.Kind = domain.ErrAuth
		}
		return nil, fmt.Errorf("authenticating as %q: %w", m.username, err)
	}

	var body authResponse
	if err := decodeJSON(req, resp, &body); err != nil {
		return nil, err
	}
	if body.JWT == nil || *body.JWT == "" {
		return nil, shapeError(req, resp, "jwt")
	}

	return newSession(m.transport.baseURL.String(), *body.JWT), nil
}
