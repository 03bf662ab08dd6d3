// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tunnel implements the Editor Reverse Tunnel: a persistent
// outbound WebSocket to the platform that multiplexes many concurrent
// editor HTTP requests and WebSocket connections onto the local runtime,
// preserving per-editor session affinity, with resilient reconnect.
//
// Each upstream connection gets its own session table, created in runOnce
// and never handed to callers; the table is guarded by a mutex and is
// changed from the connection's read loop and from the per-session
// goroutines that relay local WebSocket traffic upstream.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowfuse/device-agent/internal/backoff"
	agentlog "github.com/flowfuse/device-agent/internal/log"
)

// ReconnectPolicy is the backoff sequence for reconnecting the upstream
// socket: 500ms, then x3 per step, capped at 10s.
var ReconnectPolicy = backoff.Policy{Base: 500 * time.Millisecond, Factor: 3, Max: 10 * time.Second}

// connectWaitPoll and connectWaitTimeout implement the connection-readiness
// wait: poll every 2s up to a 10s total timeout.
const (
	connectWaitPoll    = 2 * time.Second
	connectWaitTimeout = 10 * time.Second
)

// sessionCookieName is the session-affinity cookie the platform sets on
// the tunnel's HTTP upgrade response.
const sessionCookieName = "FFSESSION"

// noRetryReason is the exact 1008 close reason that means "don't retry":
// a protocol-version mismatch with the platform.
const noRetryReason = "No tunnel"

// noRetryCode is the 4004 close code that always means "don't retry",
// regardless of reason.
const noRetryCode = 4004

// envelope is one JSON frame exchanged with the platform over the tunnel.
// HTTP-forward frames omit WS; WS envelopes set it true and carry exactly
// one of Url (open), Closed (close), or Body (data).
type envelope struct {
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	URL     string          `json:"url,omitempty"`
	Headers http.Header     `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Status  int             `json:"status,omitempty"`
	WS      bool            `json:"ws,omitempty"`
	Closed  bool            `json:"closed,omitempty"`
	// Code is set only when a session closes abnormally (a local WS
	// error rather than a clean close), carrying the close code — 1006
	// — the platform should treat this session's end as unexpected.
	Code int `json:"code,omitempty"`
}

// Forwarder performs an HTTP forward frame against the local runtime and
// dials a local WebSocket for a WS-open frame. Implemented by runtimeProxy
// in proxy.go; split out as an interface so the session/dispatch logic in
// this file can be tested without a real runtime listening on 127.0.0.1.
type Forwarder interface {
	DoHTTP(ctx context.Context, method, path string, headers http.Header, body []byte, token string) (status int, respHeaders http.Header, respBody []byte, err error)
	DialWS(ctx context.Context, path, token string) (LocalConn, error)
}

// LocalConn is the local side of a multiplexed editor WebSocket session.
type LocalConn interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
	Path() string
}

// Tunnel owns the upstream socket and the session table. The table is
// created inside runOnce for each connection; callers interact with the
// Tunnel only via Start, Stop, and the constructor's configuration — never
// a shared pointer into session state.
type Tunnel struct {
	forgeURL    string
	deviceID    string
	runtimePort int
	forwarder   Forwarder
	log         *slog.Logger

	dialer *websocket.Dialer

	mu           sync.Mutex
	token        string
	sessionCookie string
	connected    bool
	stopped      bool

	cancel context.CancelFunc
}

// New creates a Tunnel for the given device, talking to the platform at
// forgeURL and proxying to the local runtime on runtimePort.
func New(forgeURL, deviceID string, runtimePort int, forwarder Forwarder, log *slog.Logger) *Tunnel {
	if log == nil {
		log = slog.Default()
	}
	return &Tunnel{
		forgeURL:    forgeURL,
		deviceID:    deviceID,
		runtimePort: runtimePort,
		forwarder:   forwarder,
		log:         agentlog.WithComponent(log, "tunnel"),
		dialer:      websocket.DefaultDialer,
	}
}

// wsURL builds wss://{platform}/api/v1/devices/{deviceId}/editor/comms/{token}
// deriving ws/wss from the platform's http/https scheme.
func (t *Tunnel) wsURL(token string) (string, error) {
	u, err := url.Parse(t.forgeURL)
	if err != nil {
		return "", fmt.Errorf("parsing forge url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + fmt.Sprintf("/api/v1/devices/%s/editor/comms/%s", t.deviceID, token)
	return u.String(), nil
}

// IsConnected reports whether the upstream socket is currently open.
func (t *Tunnel) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Start opens the tunnel for token and returns once the upstream
// connection is confirmed open or the 10s readiness timeout elapses.
// The returned bool reports whether the connection became ready within
// the window; the tunnel keeps running (and reconnecting) in the
// background regardless, until Stop is called.
func (t *Tunnel) Start(ctx context.Context, token string) bool {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return t.waitReady()
	}
	t.token = token
	t.stopped = false
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	ready := make(chan struct{}, 1)
	go t.run(runCtx, ready)

	select {
	case <-ready:
		return t.waitReady()
	case <-time.After(connectWaitTimeout):
		return t.IsConnected()
	}
}

// waitReady polls IsConnected every connectWaitPoll up to connectWaitTimeout,
// the connection-readiness wait specified in §4.F.
func (t *Tunnel) waitReady() bool {
	deadline := time.Now().Add(connectWaitTimeout)
	for {
		if t.IsConnected() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(connectWaitPoll)
	}
}

// Stop closes the upstream connection and any local sessions, and
// prevents further reconnect attempts.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	t.stopped = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Tunnel) run(ctx context.Context, firstReady chan struct{}) {
	attempt := 0
	signaled := false
	for {
		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		token := t.token
		t.mu.Unlock()

		noRetry, err := t.runOnce(ctx, token, firstReady, &signaled)
		if noRetry {
			t.log.Info("tunnel close code forbids reconnect")
			return
		}
		if err != nil {
			t.log.Warn("tunnel connection lost", "error", err)
		}

		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}

		attempt++
		delay := ReconnectPolicy.Delay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce dials the upstream socket, serves it until it closes, and
// reports whether the close reason forbids further reconnect attempts.
func (t *Tunnel) runOnce(ctx context.Context, token string, firstReady chan struct{}, signaled *bool) (noRetry bool, err error) {
	wsURL, err := t.wsURL(token)
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set("x-access-token", token)
	t.mu.Lock()
	cookie := t.sessionCookie
	t.mu.Unlock()
	if cookie != "" {
		header.Set("cookie", sessionCookieName+"="+cookie)
	}

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return false, fmt.Errorf("dialing tunnel: %w", err)
	}
	defer conn.Close()

	if resp != nil {
		for _, c := range resp.Cookies() {
			if c.Name == sessionCookieName {
				t.mu.Lock()
				t.sessionCookie = c.Value
				t.mu.Unlock()
			}
		}
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	if !*signaled {
		*signaled = true
		select {
		case firstReady <- struct{}{}:
		default:
		}
	}

	defer func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
	}()

	sessions := newSessionTable(ctx, t.forwarder, conn, t.log)
	defer sessions.closeAll()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseGoingAway
			reason := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			if code == noRetryCode {
				return true, nil
			}
			if code == 1008 && reason == noRetryReason {
				return true, nil
			}
			return false, err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("malformed tunnel frame", "error", err)
			continue
		}

		t.handleFrame(ctx, sessions, env, token)
	}
}

// handleFrame dispatches a single platform->agent frame: an HTTP forward,
// or one of the three WS envelope shapes (open/close/body).
func (t *Tunnel) handleFrame(ctx context.Context, sessions *sessionTable, env envelope, token string) {
	if !env.WS {
		sessions.handleHTTP(ctx, env, token)
		return
	}
	switch {
	case env.URL != "":
		sessions.openSession(ctx, env, token)
	case env.Closed:
		sessions.closeSession(env.ID)
	default:
		sessions.forwardToSession(env, token)
	}
}
