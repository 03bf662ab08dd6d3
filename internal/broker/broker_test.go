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

package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestTopic_BuildsExpectedShape(t *testing.T) {
	got := Topic(TopicStatus, "team-1", "dev-1")
	want := "ff/v1/team-1/d/dev-1/status"
	if got != want {
		t.Errorf("Topic() = %q, want %q", got, want)
	}
}

func TestInvoke_UnknownCommand_ReturnsUnsupportedAction(t *testing.T) {
	c := New("ws://unused", "team-1", "dev-1", nil, nil, nil)
	result := c.invoke(context.Background(), CommandEnvelope{Command: "frobnicate"})

	if result["success"] != false {
		t.Errorf("success = %v, want false", result["success"])
	}
	errBody, ok := result["error"].(map[string]interface{})
	if !ok || errBody["code"] != "unsupported_action" {
		t.Errorf("error = %v, want code unsupported_action", result["error"])
	}
}

func TestInvoke_HandlerPanic_IsRecoveredAsError(t *testing.T) {
	c := New("ws://unused", "team-1", "dev-1", nil, nil, nil)
	c.Handle("action", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		panic("boom")
	})

	result := c.invoke(context.Background(), CommandEnvelope{Command: "action"})
	if result["success"] != false {
		t.Errorf("success = %v, want false after recovered panic", result["success"])
	}
}

func TestInvoke_HandlerError_ReturnsErrorResponse(t *testing.T) {
	c := New("ws://unused", "team-1", "dev-1", nil, nil, nil)
	c.Handle("action", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return nil, context.DeadlineExceeded
	})

	result := c.invoke(context.Background(), CommandEnvelope{Command: "action"})
	if result["success"] != false {
		t.Errorf("success = %v, want false on handler error", result["success"])
	}
}

func TestInvoke_HandlerSuccess_PassesThroughBody(t *testing.T) {
	c := New("ws://unused", "team-1", "dev-1", nil, nil, nil)
	c.Handle("action", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"success": true}, nil
	})

	result := c.invoke(context.Background(), CommandEnvelope{Command: "action"})
	if result["success"] != true {
		t.Errorf("success = %v, want true", result["success"])
	}
}

// newGraceTestServer upgrades the connection, optionally sends one command
// frame on the command topic, then counts status-topic frames it receives.
func newGraceTestServer(t *testing.T, team, device, command string) (string, *int32) {
	t.Helper()
	var statusCount int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if command != "" {
			payload, _ := json.Marshal(CommandEnvelope{Command: command})
			data, _ := json.Marshal(envelope{Topic: Topic(TopicCommand, team, device), Payload: payload})
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Topic == Topic(TopicStatus, team, device) {
				atomic.AddInt32(&statusCount, 1)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &statusCount
}

func TestRunOnce_NonUpdateCommandDoesNotSuppressGracePublish(t *testing.T) {
	orig := initialCheckinGrace
	initialCheckinGrace = 20 * time.Millisecond
	defer func() { initialCheckinGrace = orig }()

	wsURL, statusCount := newGraceTestServer(t, "team-1", "dev-1", "restart")
	c := New(wsURL, "team-1", "dev-1", nil, func() interface{} { return map[string]interface{}{} }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.runOnce(ctx)

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(statusCount); got < 2 {
		t.Errorf("status publishes = %d, want at least 2 (initial publish plus the grace fallback, since \"restart\" isn't \"update\")", got)
	}
}

func TestRunOnce_UpdateCommandSuppressesGracePublish(t *testing.T) {
	orig := initialCheckinGrace
	initialCheckinGrace = 20 * time.Millisecond
	defer func() { initialCheckinGrace = orig }()

	wsURL, statusCount := newGraceTestServer(t, "team-1", "dev-1", "update")
	c := New(wsURL, "team-1", "dev-1", nil, func() interface{} { return map[string]interface{}{} }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.runOnce(ctx)

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(statusCount); got != 1 {
		t.Errorf("status publishes = %d, want exactly 1 (an \"update\" command must suppress the grace fallback)", got)
	}
}

func TestSetLogStreaming_GatesPublishLog(t *testing.T) {
	c := New("ws://unused", "team-1", "dev-1", nil, nil, nil)
	// PublishLog with no connection and streaming disabled must not attempt
	// to write, and must not panic.
	c.PublishLog(map[string]interface{}{"msg": "hello"})

	c.SetLogStreaming(true)
	if !c.streamLogs {
		t.Error("streamLogs = false after SetLogStreaming(true)")
	}
}
