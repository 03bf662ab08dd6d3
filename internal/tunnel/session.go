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
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// commsPathSuffix marks the one local WS path whose inbound auth body gets
// rewritten: the runtime's own comms channel expects the editor token it
// was configured with, not the platform's short-lived tunnel auth token.
const commsPathSuffix = "/comms"

// authBodyPrefix is the JSON prefix that identifies a comms auth frame.
const authBodyPrefix = `{"auth":`

// editorSession is one logical editor HTTP/WS connection multiplexed over
// the tunnel, keyed by the platform-assigned id. Before the local
// WebSocket reaches the OPEN state, outbound payloads are buffered in
// queue so none are dropped or reordered.
type editorSession struct {
	id    string
	local LocalConn

	mu     sync.Mutex
	queue  [][]byte
	opened bool
}

// sessionTable owns the id -> editorSession map for one upstream
// connection. The map is guarded by mu and is changed only through the
// methods below, which are called from runOnce's read loop and from the
// per-session reader goroutines (pumpLocal) it spawns.
type sessionTable struct {
	ctx       context.Context
	forwarder Forwarder
	upstream  *websocket.Conn
	log       *slog.Logger

	writeMu sync.Mutex // serializes writes to upstream

	mu              sync.Mutex
	sessions        map[string]*editorSession
	unknownIDStrikes map[string]int
}

func newSessionTable(ctx context.Context, forwarder Forwarder, upstream *websocket.Conn, log *slog.Logger) *sessionTable {
	return &sessionTable{
		ctx:              ctx,
		forwarder:        forwarder,
		upstream:         upstream,
		log:              log,
		sessions:         make(map[string]*editorSession),
		unknownIDStrikes: make(map[string]int),
	}
}

// sendUpstream writes one JSON frame to the platform. It is called from
// the read loop and from every pumpLocal goroutine, so writes are
// serialized by writeMu: gorilla/websocket allows at most one concurrent
// writer.
func (s *sessionTable) sendUpstream(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.upstream.WriteMessage(websocket.TextMessage, data)
}

// handleHTTP performs a one-shot HTTP forward and replies with the result.
// On any transport error it replies with status 404 rather than leaving
// the platform waiting for a response that will never come.
func (s *sessionTable) handleHTTP(ctx context.Context, env envelope, token string) {
	status, headers, body, err := s.forwarder.DoHTTP(ctx, env.Method, env.URL, env.Headers, env.Body, token)
	if err != nil {
		s.log.Warn("tunnel http forward failed", "id", env.ID, "url", env.URL, "error", err)
		_ = s.sendUpstream(envelope{ID: env.ID, Status: 404})
		return
	}
	_ = s.sendUpstream(envelope{ID: env.ID, Status: status, Headers: headers, Body: body})
}

// openSession opens a local WebSocket for a new logical editor connection
// and registers it under env.ID. Outbound payloads submitted before the
// local socket reaches OPEN are buffered in FIFO order and drained once it
// does, so nothing reorders or drops across the open race.
func (s *sessionTable) openSession(ctx context.Context, env envelope, token string) {
	sess := &editorSession{id: env.ID}

	s.mu.Lock()
	s.sessions[env.ID] = sess
	delete(s.unknownIDStrikes, env.ID)
	s.mu.Unlock()

	local, err := s.forwarder.DialWS(ctx, env.URL, token)
	if err != nil {
		s.log.Warn("tunnel local ws dial failed", "id", env.ID, "url", env.URL, "error", err)
		s.mu.Lock()
		delete(s.sessions, env.ID)
		s.mu.Unlock()
		_ = s.sendUpstream(envelope{ID: env.ID, WS: true, Closed: true})
		return
	}

	sess.mu.Lock()
	sess.local = local
	sess.opened = true
	pending := sess.queue
	sess.queue = nil
	sess.mu.Unlock()

	for _, payload := range pending {
		if isCommsAuthFrame(local.Path(), payload) {
			payload = rewriteAuthBody(token)
		}
		_ = local.WriteMessage(payload)
	}

	go s.pumpLocal(sess)
}

// pumpLocal relays messages from the local runtime WebSocket upstream,
// translating a clean close into {closed:true} and any other read error
// into {closed:true, code:1006}, so the platform can tell the two apart.
func (s *sessionTable) pumpLocal(sess *editorSession) {
	for {
		data, err := sess.local.ReadMessage()
		if err != nil {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
			if isNormalClose(err) {
				_ = s.sendUpstream(envelope{ID: sess.id, WS: true, Closed: true})
			} else {
				_ = s.sendUpstream(envelope{ID: sess.id, WS: true, Closed: true, Code: 1006})
			}
			return
		}
		_ = s.sendUpstream(envelope{ID: sess.id, WS: true, Body: data})
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// closeSession closes the local WS for id, per a {closed:true} frame from
// the platform.
func (s *sessionTable) closeSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	local := sess.local
	sess.mu.Unlock()
	if local != nil {
		_ = local.Close()
	}
}

// forwardToSession delivers a {body} frame to the local WS for env.ID,
// rewriting the runtime's comms auth body to the current editor token
// first. Before the local socket is open, the payload is queued in FIFO
// order rather than dropped.
//
// A non-url frame for an id with no matching session is tolerated once —
// a race against an already-closed session is expected — but a second
// consecutive occurrence closes the tunnel entirely, since it indicates
// the platform and agent have diverged on session state.
func (s *sessionTable) forwardToSession(env envelope, token string) {
	s.mu.Lock()
	sess, ok := s.sessions[env.ID]
	if !ok {
		s.unknownIDStrikes[env.ID]++
		strikes := s.unknownIDStrikes[env.ID]
		s.mu.Unlock()
		if strikes >= 2 {
			s.log.Warn("non-connect packet received twice for unknown connection id, closing tunnel", "id", env.ID)
			_ = s.upstream.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1006, "Non-connect packet received for unknown connection id"), time.Now().Add(time.Second))
			_ = s.upstream.Close()
		}
		return
	}
	s.unknownIDStrikes[env.ID] = 0
	s.mu.Unlock()

	payload := []byte(env.Body)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.local != nil && sess.local.Path() != "" && isCommsAuthFrame(sess.local.Path(), payload) {
		payload = rewriteAuthBody(token)
	}
	if !sess.opened {
		sess.queue = append(sess.queue, payload)
		return
	}
	_ = sess.local.WriteMessage(payload)
}

// isCommsAuthFrame reports whether path ends in /comms and body looks like
// a {"auth":...} frame, the one shape the platform's short-lived tunnel
// token must be substituted out of before it reaches the runtime.
func isCommsAuthFrame(path string, body []byte) bool {
	if !hasSuffixFold(path, commsPathSuffix) {
		return false
	}
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte(authBodyPrefix))
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	return s[len(s)-len(suffix):] == suffix
}

func rewriteAuthBody(token string) []byte {
	data, _ := json.Marshal(map[string]string{"auth": token})
	return data
}

// closeAll tears down every open local session; called when the upstream
// connection itself closes.
func (s *sessionTable) closeAll() {
	s.mu.Lock()
	sessions := make([]*editorSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*editorSession)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		local := sess.local
		sess.mu.Unlock()
		if local != nil {
			_ = local.Close()
		}
	}
}
