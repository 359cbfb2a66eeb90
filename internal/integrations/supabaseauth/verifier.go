// Package supabaseauth resolves Supabase access tokens to user ids.
package supabaseauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"coach-chat/internal/domain"
	"coach-chat/internal/integrations/httpjson"
)

// ErrInvalidCredential is returned when the token is missing, malformed,
// expired or rejected by the auth server.
var ErrInvalidCredential = domain.ErrInvalidCredential

// KeySource yields the JWT signing secret. *paramstore.Token satisfies it.
type KeySource interface {
	Value(ctx context.Context) (string, error)
}

type remoteUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier checks tokens locally with the project JWT secret and falls back
// to one call to the Auth REST API when local verification is unavailable or
// fails.
type Verifier struct {
	baseURL    string
	anonKey    string
	secret     KeySource
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Verifier)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(v *Verifier) {
		v.httpClient = httpClient
	}
}

// WithJWTSecret enables local HMAC verification.
func WithJWTSecret(secret KeySource) Option {
	return func(v *Verifier) {
		v.secret = secret
	}
}

func withClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier returns a Verifier for the Supabase project at baseURL.
func NewVerifier(baseURL, anonKey string, opts ...Option) (*Verifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("supabaseauth: base url must not be empty")
	}
	v := &Verifier{
		baseURL:    baseURL,
		anonKey:    strings.TrimSpace(anonKey),
		httpClient: &http.Client{Timeout: httpjson.DefaultTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Authenticate returns the user id the token was issued to.
func (v *Verifier) Authenticate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidCredential
	}

	if v.secret != nil {
		userID, err := v.verifyLocal(ctx, token)
		if err == nil {
			return userID, nil
		}
		slog.Debug("local token verification failed, checking with auth server", "err", err)
	}
	return v.verifyRemote(ctx, token)
}

func (v *Verifier) verifyLocal(ctx context.Context, token string) (string, error) {
	secret, err := v.secret.Value(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve jwt secret: %w", err)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("jwt parse: %w", err)
	}
	if !parsed.Valid {
		return "", errors.New("jwt invalid")
	}

	sub, _ := claims.GetSubject()
	if strings.TrimSpace(sub) == "" {
		return "", errors.New("jwt has no subject")
	}
	return sub, nil
}

func (v *Verifier) verifyRemote(ctx context.Context, token string) (string, error) {
	req, err := httpjson.NewRequest(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", fmt.Errorf("supabaseauth: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.anonKey != "" {
		req.Header.Set("apikey", v.anonKey)
	}

	raw, err := httpjson.Do(v.httpClient, "supabaseauth", req)
	if err != nil {
		var se *httpjson.HTTPStatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			return "", ErrInvalidCredential
		}
		return "", fmt.Errorf("supabaseauth: validate token: %w", err)
	}

	var user remoteUser
	if err := json.Unmarshal(raw, &user); err != nil {
		return "", fmt.Errorf("supabaseauth: decode user: %w", err)
	}
	if strings.TrimSpace(user.ID) == "" {
		return "", ErrInvalidCredential
	}
	return user.ID, nil
}
