package aircloud

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"aircloud/internal/clock"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	connectedOK       = "CONNECTED\nversion:1.2\nheart-beat:10000,10000\nuser-name:user@example.com\n\n\x00"
	connectedDegraded = "CONNECTED\nversion:1.2\nheart-beat:10000,10000\n\n\x00"
)

func stateMessage(body string) string {
	return "MESSAGE\ndestination:/notification/1/1\ncontent-type:application/json\nsubscription:sub-0\nmessage-id:1\n\n" + body + "\x00"
}

type controlRequest struct {
	DeviceID string
	FamilyID string
	Auth     string
	Body     map[string]any
}

// fakeVendor serves the REST endpoints and the notification WebSocket from
// one httptest server.
type fakeVendor struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	logins        int
	refreshes     int
	tokenSeq      int
	loginStatus   int
	loginBody     string
	refreshStatus int
	families      string
	familyStatus  int
	controls      []controlRequest
	controlStatus int
	controlBody   string
	wsConns       int
	wsClosed      int
	handshakes    []string
	onSocket      func(n int, conn *websocket.Conn)
}

func newFakeVendor(t *testing.T) *fakeVendor {
	v := &fakeVendor{
		t:             t,
		loginStatus:   http.StatusOK,
		refreshStatus: http.StatusOK,
		familyStatus:  http.StatusOK,
		families:      `[]`,
		controlStatus: http.StatusOK,
		controlBody:   `{"status":"OK"}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+authPath, v.handleLogin)
	mux.HandleFunc("/"+refreshPath, v.handleRefresh)
	mux.HandleFunc("/"+whoPath, v.handleWho)
	mux.HandleFunc("/"+controlPath+"/", v.handleControl)
	mux.HandleFunc("/ws", v.handleSocket)

	v.server = httptest.NewServer(mux)
	t.Cleanup(v.server.Close)
	return v
}

func (v *fakeVendor) endpoints() Endpoints {
	return Endpoints{
		API:       v.server.URL + "/",
		WebSocket: "ws" + strings.TrimPrefix(v.server.URL, "http") + "/ws",
	}
}

func (v *fakeVendor) issueTokens(w http.ResponseWriter) {
	v.tokenSeq++
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"token":        fmt.Sprintf("access-%d", v.tokenSeq),
		"refreshToken": fmt.Sprintf("refresh-%d", v.tokenSeq),
	})
}

func (v *fakeVendor) handleLogin(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var req loginRequest
	json.NewDecoder(r.Body).Decode(&req)
	v.logins++

	if v.loginStatus != http.StatusOK {
		w.WriteHeader(v.loginStatus)
		w.Write([]byte(`{"error":"bad credentials"}`))
		return
	}
	if v.loginBody != "" {
		w.Write([]byte(v.loginBody))
		return
	}
	v.issueTokens(w)
}

func (v *fakeVendor) handleRefresh(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var req refreshRequest
	json.NewDecoder(r.Body).Decode(&req)
	v.refreshes++

	if v.refreshStatus != http.StatusOK {
		w.WriteHeader(v.refreshStatus)
		w.Write([]byte(`{"error":"expired"}`))
		return
	}
	if req.RefreshToken != fmt.Sprintf("refresh-%d", v.tokenSeq) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	v.issueTokens(w)
}

func (v *fakeVendor) handleWho(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if r.Header.Get("Authorization") != fmt.Sprintf("Bearer access-%d", v.tokenSeq) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(v.familyStatus)
	w.Write([]byte(v.families))
}

func (v *fakeVendor) handleControl(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	json.Unmarshal(data, &body)

	v.controls = append(v.controls, controlRequest{
		DeviceID: strings.TrimPrefix(r.URL.Path, "/"+controlPath+"/"),
		FamilyID: r.URL.Query().Get("familyId"),
		Auth:     r.Header.Get("Authorization"),
		Body:     body,
	})

	w.WriteHeader(v.controlStatus)
	w.Write([]byte(v.controlBody))
}

func (v *fakeVendor) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.t.Errorf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	v.mu.Lock()
	v.wsConns++
	n := v.wsConns
	handler := v.onSocket
	v.mu.Unlock()

	_, handshake, err := conn.ReadMessage()
	if err != nil {
		v.markClosed()
		return
	}
	v.mu.Lock()
	v.handshakes = append(v.handshakes, string(handshake))
	v.mu.Unlock()

	if handler != nil {
		handler(n, conn)
	}

	// Wait for the client to hang up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			v.markClosed()
			return
		}
	}
}

func (v *fakeVendor) markClosed() {
	v.mu.Lock()
	v.wsClosed++
	v.mu.Unlock()
}

func (v *fakeVendor) setSocketHandler(fn func(n int, conn *websocket.Conn)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onSocket = fn
}

func (v *fakeVendor) counts() (logins, refreshes, conns, closed int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.logins, v.refreshes, v.wsConns, v.wsClosed
}

func (v *fakeVendor) controlRequests() []controlRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]controlRequest(nil), v.controls...)
}

func (v *fakeVendor) lastHandshake() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.handshakes) == 0 {
		return ""
	}
	return v.handshakes[len(v.handshakes)-1]
}

type clientOption func(*Config)

func withReceiveTimeout(d time.Duration) clientOption {
	return func(c *Config) { c.ReceiveTimeout = d }
}

func withClock(clk clock.Clock) clientOption {
	return func(c *Config) { c.Clock = clk }
}

func newTestClient(t *testing.T, v *fakeVendor, opts ...clientOption) *Client {
	cfg := Config{
		Email:          "user@example.com",
		Password:       "secret",
		Endpoints:      v.endpoints(),
		ConnectTimeout: 5 * time.Second,
		ReceiveTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	client := NewClient(cfg, logger)
	t.Cleanup(func() { client.Close() })
	return client
}

func writeText(t *testing.T, conn *websocket.Conn, text string) {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Logf("write failed: %v", err)
	}
}
