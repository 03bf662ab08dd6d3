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

package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// runtimeProxy is the production Forwarder: it speaks HTTP(S) and WS(S) to
// 127.0.0.1:{runtimePort}/device-editor, the local runtime's admin surface,
// adding the editor token header on every request.
type runtimeProxy struct {
	port      int
	tls       bool
	client    *http.Client
	wsDialer  *websocket.Dialer
}

// NewRuntimeProxy creates a Forwarder targeting the local runtime. useTLS
// selects https/wss vs. http/ws for the 127.0.0.1 connection, matching
// whatever the Launcher configured the runtime's own listener with.
func NewRuntimeProxy(port int, useTLS bool) Forwarder {
	return &runtimeProxy{
		port:     port,
		tls:      useTLS,
		client:   &http.Client{},
		wsDialer: websocket.DefaultDialer,
	}
}

func (p *runtimeProxy) httpBase() string {
	scheme := "http"
	if p.tls {
		scheme = "https"
	}
	return fmt.Sprintf("%s://127.0.0.1:%d/device-editor", scheme, p.port)
}

func (p *runtimeProxy) wsBase() string {
	scheme := "ws"
	if p.tls {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://127.0.0.1:%d/device-editor", scheme, p.port)
}

// DoHTTP performs one HTTP forward against the local runtime.
func (p *runtimeProxy) DoHTTP(ctx context.Context, method, path string, headers http.Header, body []byte, token string) (int, http.Header, []byte, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, p.httpBase()+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("x-access-token", token)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

// DialWS opens a local WebSocket to the runtime's editor path.
func (p *runtimeProxy) DialWS(ctx context.Context, path, token string) (LocalConn, error) {
	header := http.Header{}
	header.Set("x-access-token", token)
	conn, _, err := p.wsDialer.DialContext(ctx, p.wsBase()+path, header)
	if err != nil {
		return nil, err
	}
	return &localConn{conn: conn, path: path}, nil
}

// localConn adapts a gorilla/websocket connection to LocalConn, guarding
// writes with a mutex since the library forbids concurrent writers.
type localConn struct {
	conn *websocket.Conn
	path string

	mu sync.Mutex
}

func (c *localConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *localConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *localConn) Close() error {
	return c.conn.Close()
}

func (c *localConn) Path() string {
	return c.path
}
