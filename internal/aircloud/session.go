package aircloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"aircloud/internal/clock"

	"go.uber.org/zap"
)

// RefreshInterval is how long an access token is used before it is exchanged
// for a new one. The vendor does not publish its token lifetime.
const RefreshInterval = 9 * time.Minute

const (
	authPath    = "iam/auth/sign-in"
	refreshPath = "iam/auth/refresh-token"
)

// Session is the token pair currently held for the account.
type Session struct {
	AccessToken  string
	RefreshToken string
	RefreshedAt  time.Time
}

// Valid reports whether the session carries a usable access token.
func (s Session) Valid() bool {
	return s.AccessToken != "" && s.RefreshToken != "" && !s.RefreshedAt.IsZero()
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// TokenManager owns the account session. All token exchanges are serialised
// on mu so concurrent callers never log in twice for the same expiry.
type TokenManager struct {
	baseURL    string
	email      string
	password   string
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	session Session
}

// NewTokenManager creates a token manager for the given account.
func NewTokenManager(baseURL, email, password string, httpClient *http.Client, clk clock.Clock, logger *zap.Logger) *TokenManager {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenManager{
		baseURL:    baseURL,
		email:      email,
		password:   password,
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
	}
}

// Authenticate performs a full email/password login.
func (m *TokenManager) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticateLocked(ctx)
}

// EnsureFresh makes sure a usable access token is held. It logs in when no
// token is held or forced is set, and exchanges the refresh token once
// RefreshInterval has elapsed. A failed refresh is returned as is.
func (m *TokenManager) EnsureFresh(ctx context.Context, forced bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.AccessToken == "" || forced {
		return m.authenticateLocked(ctx)
	}

	if m.clock.Since(m.session.RefreshedAt) < RefreshInterval {
		return nil
	}

	return m.refreshLocked(ctx)
}

// AuthHeader returns the Authorization header value for the current token.
func (m *TokenManager) AuthHeader() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.AccessToken == "" {
		return "", ErrNotAuthenticated
	}
	return "Bearer " + m.session.AccessToken, nil
}

// AccessToken returns the raw access token, or "" if none is held.
func (m *TokenManager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.AccessToken
}

// Session returns a copy of the current session.
func (m *TokenManager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *TokenManager) authenticateLocked(ctx context.Context) error {
	tokens, err := m.exchange(ctx, "login", authPath, loginRequest{Email: m.email, Password: m.password})
	if err != nil {
		sessionValid.Set(0)
		return err
	}

	m.session = Session{
		AccessToken:  tokens.Token,
		RefreshToken: tokens.RefreshToken,
		RefreshedAt:  m.clock.Now(),
	}
	sessionValid.Set(1)
	m.logger.Info("Authenticated with AirCloud", zap.String("email", m.email))
	return nil
}

func (m *TokenManager) refreshLocked(ctx context.Context) error {
	tokens, err := m.exchange(ctx, "refresh", refreshPath, refreshRequest{RefreshToken: m.session.RefreshToken})
	if err != nil {
		return err
	}

	m.session = Session{
		AccessToken:  tokens.Token,
		RefreshToken: tokens.RefreshToken,
		RefreshedAt:  m.clock.Now(),
	}
	m.logger.Debug("Refreshed AirCloud access token")
	return nil
}

// exchange posts body to path and decodes a token pair from the answer.
func (m *TokenManager) exchange(ctx context.Context, op, path string, body any) (*tokenResponse, error) {
	tokens, err := m.doExchange(ctx, op, path, body)
	if err != nil {
		tokenExchanges.WithLabelValues(op, "failure").Inc()
		m.logger.Warn("AirCloud token exchange failed", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	tokenExchanges.WithLabelValues(op, "success").Inc()
	return tokens, nil
}

func (m *TokenManager) doExchange(ctx context.Context, op, path string, body any) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AuthError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var tokens tokenResponse
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, &AuthError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if tokens.Token == "" || tokens.RefreshToken == "" {
		return nil, &AuthError{Op: op, Err: fmt.Errorf("response missing token fields")}
	}

	return &tokens, nil
}
