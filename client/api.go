package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAPITimeout = 10 * time.Second

var (
	// ErrUnauthorized is returned when the server rejects the credentials
	ErrUnauthorized = errors.New("unauthorized")

	ErrUnavailable = errors.New("service unavailable")
)

// APIClient talks to the authentication endpoints of the backend
type APIClient struct {
	baseURL string
	http    *http.Client
}

// APIOption customizes an APIClient
type APIOption func(*APIClient)

func WithHTTPClient(c *http.Client) APIOption {
	return func(a *APIClient) { a.http = c }
}

// NewAPIClient creates a client for the backend at baseURL
func NewAPIClient(baseURL string, opts ...APIOption) *APIClient {
	a := &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultAPITimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LoginResponse is the body of a successful login
type LoginResponse struct {
	Token     string
	ExpiresAt time.Time
	User      Profile
}

type loginWire struct {
	Token       string    `json:"token"`
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// LoginWithGoogle exchanges a Google ID token for a session token
func (a *APIClient) LoginWithGoogle(ctx context.Context, googleIDToken string) (LoginResponse, error) {
	payload, err := json.Marshal(map[string]string{"googleIdToken": googleIDToken})
	if err != nil {
		return LoginResponse{}, fmt.Errorf("failed to encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/auth/google", bytes.NewReader(payload))
	if err != nil {
		return LoginResponse{}, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var wire loginWire
	if err := a.do(req, &wire); err != nil {
		return LoginResponse{}, err
	}

	return LoginResponse{
		Token:     wire.Token,
		ExpiresAt: wire.ExpiresAt,
		User: Profile{
			UserID:      wire.UserID,
			Email:       wire.Email,
			DisplayName: wire.DisplayName,
			AvatarURL:   wire.AvatarURL,
		},
	}, nil
}

// FetchProfile loads the current user for token
func (a *APIClient) FetchProfile(ctx context.Context, token string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/me", nil)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var p Profile
	if err := a.do(req, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (a *APIClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusServiceUnavailable:
		return ErrUnavailable
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, req.URL.Path, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}

// SignIn runs the login exchange and hands the session to the machine
func SignIn(ctx context.Context, api *APIClient, machine *Machine, googleIDToken string) (Profile, error) {
	res, err := api.LoginWithGoogle(ctx, googleIDToken)
	if err != nil {
		return Profile{}, err
	}
	if err := machine.CompleteLogin(ctx, res.Token, res.User); err != nil {
		return Profile{}, err
	}
	return res.User, nil
}

var _ ProfileFetcher = (*APIClient)(nil)
