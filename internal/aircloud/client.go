package aircloud

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"aircloud/internal/clock"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Default vendor endpoints
const (
	DefaultAPIURL       = "https://api-global-prod.aircloudhome.com/"
	DefaultWebSocketURL = "wss://notification-global-prod.aircloudhome.com/rac-notifications/websocket"
)

// Defaults for the notification channel
const (
	DefaultConnectTimeout   = 60 * time.Second
	DefaultReceiveTimeout   = 10 * time.Second
	DefaultMaxReceives      = 10
	DefaultMaxReauthRetries = 1
	DefaultHTTPTimeout      = 15 * time.Second
)

// Endpoints holds the vendor base URLs. API must end with a slash.
type Endpoints struct {
	API       string
	WebSocket string
}

// Config configures a Client. Zero values fall back to the defaults above.
type Config struct {
	Email     string
	Password  string
	Endpoints Endpoints

	ConnectTimeout   time.Duration
	ReceiveTimeout   time.Duration
	MaxReceives      int
	MaxReauthRetries int
	HTTPTimeout      time.Duration

	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Endpoints.API == "" {
		c.Endpoints.API = DefaultAPIURL
	}
	if !strings.HasSuffix(c.Endpoints.API, "/") {
		c.Endpoints.API += "/"
	}
	if c.Endpoints.WebSocket == "" {
		c.Endpoints.WebSocket = DefaultWebSocketURL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.MaxReceives <= 0 {
		c.MaxReceives = DefaultMaxReceives
	}
	// negative disables the retry after a rejected connection
	switch {
	case c.MaxReauthRetries == 0:
		c.MaxReauthRetries = DefaultMaxReauthRetries
	case c.MaxReauthRetries < 0:
		c.MaxReauthRetries = 0
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}
	return c
}

// Client is the AirCloud account connection. It owns the HTTP client, the
// WebSocket dialer and the token session; Close releases all of them.
type Client struct {
	cfg        Config
	endpoints  Endpoints
	logger     *zap.Logger
	httpClient *http.Client
	dialer     *websocket.Dialer
	tokens     *TokenManager

	// ctx is cancelled by Close so in-flight socket reads are abandoned.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closedMu  sync.RWMutex
	closed    bool
}

// NewClient creates a client for the account in cfg. No network I/O happens
// until the first operation.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:        cfg,
		endpoints:  cfg.Endpoints,
		logger:     logger,
		httpClient: httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		tokens: NewTokenManager(cfg.Endpoints.API, cfg.Email, cfg.Password, httpClient, cfg.Clock, logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Tokens exposes the session owner.
func (c *Client) Tokens() *TokenManager {
	return c.tokens
}

// ValidateCredentials performs a login and reports whether it succeeded.
func (c *Client) ValidateCredentials(ctx context.Context) bool {
	if err := c.tokens.Authenticate(ctx); err != nil {
		c.logger.Error("Failed to validate AirCloud credentials", zap.Error(err))
		return false
	}
	return true
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

// Close releases the network resources. Operations started afterwards
// short-circuit; sockets still open are closed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		c.cancel()
		c.httpClient.CloseIdleConnections()
		sessionValid.Set(0)
		c.logger.Info("AirCloud session closed")
	})
	return nil
}

// do issues an authenticated request. The token must be fresh.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	header, err := c.tokens.AuthHeader()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}
