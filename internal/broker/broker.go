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

// Package broker is the agent's long-lived pub/sub connection to the
// platform's device broker. The platform corpus this was built from has no
// MQTT client dependency; topics and payload shapes here follow the
// platform's MQTT contract, carried over a single persistent
// gorilla/websocket connection instead, with one JSON envelope per frame.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	agentlog "github.com/flowfuse/device-agent/internal/log"
)

// Topic builds one of the four device topics for team/device.
func Topic(kind, team, device string) string {
	return fmt.Sprintf("ff/v1/%s/d/%s/%s", team, device, kind)
}

const (
	TopicStatus   = "status"
	TopicLogs     = "logs"
	TopicCommand  = "command"
	TopicResponse = "response"
)

// initialCheckinGrace is how long the client waits after connecting for an
// "update" command before emitting a checkin on its own, to avoid silent
// drift when the platform doesn't proactively push state. A var rather than
// a const so tests can shrink it.
var initialCheckinGrace = 5 * time.Second

// envelope is the single wire frame shape carried over the websocket
// connection: a topic plus its JSON payload, mirroring an MQTT publish.
type envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// CommandHandler processes one command payload and returns the body to
// send back on the response topic. A returned error is converted into an
// {success:false, error} response rather than propagated.
type CommandHandler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// CommandEnvelope is the payload shape carried on the command topic.
type CommandEnvelope struct {
	Command         string          `json:"command"`
	CorrelationData string          `json:"correlationData"`
	ResponseTopic   string          `json:"responseTopic"`
	Payload         json.RawMessage `json:"payload"`
}

// StatusFunc builds the current status snapshot for periodic/initial publish.
type StatusFunc func() interface{}

// Client owns one persistent pub/sub connection for a single device.
type Client struct {
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	team     string
	device   string
	log      *slog.Logger
	handlers map[string]CommandHandler
	status   StatusFunc

	mu         sync.Mutex
	conn       *websocket.Conn
	streamLogs bool

	fallback func(active bool) // notified when broker connectivity changes
}

// New creates a broker Client. url should be the ws(s):// endpoint the
// platform exposes for device pub/sub.
func New(url, team, device string, header http.Header, status StatusFunc, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:      url,
		header:   header,
		dialer:   websocket.DefaultDialer,
		team:     team,
		device:   device,
		log:      log,
		handlers: make(map[string]CommandHandler),
		status:   status,
	}
}

// Handle registers the handler invoked for a given command name.
func (c *Client) Handle(command string, h CommandHandler) {
	c.handlers[command] = h
}

// OnFallback registers a callback invoked with true when the broker
// connection is down (caller should fall back to HTTP polling) and false
// once it reconnects.
func (c *Client) OnFallback(fn func(active bool)) {
	c.fallback = fn
}

// Run connects and serves the read loop until ctx is cancelled, reconnecting
// on disconnect. Between connections the caller is notified via OnFallback
// so it can poll over HTTP instead.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.runOnce(ctx); err != nil {
			c.log.Warn("broker connection lost", "error", err)
		}
		if c.fallback != nil {
			c.fallback(true)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if c.fallback != nil {
		c.fallback(false)
	}

	c.publishStatus()

	initialUpdate := make(chan struct{}, 1)
	go func() {
		select {
		case <-time.After(initialCheckinGrace):
			c.publishStatus()
		case <-initialUpdate:
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed broker frame", "error", err)
			continue
		}
		if env.Topic == Topic(TopicCommand, c.team, c.device) {
			var cmd CommandEnvelope
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				c.log.Warn("malformed command envelope", "error", err)
				continue
			}
			if cmd.Command == "update" {
				select {
				case initialUpdate <- struct{}{}:
				default:
				}
			}
			c.dispatch(ctx, cmd)
		}
	}
}

func (c *Client) publishStatus() {
	if c.status == nil {
		return
	}
	_ = c.Publish(TopicStatus, c.status())
}

// Publish sends payload on the given topic kind (status/logs/command/response).
func (c *Client) Publish(kind string, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling publish payload: %w", err)
	}
	env := envelope{Topic: Topic(kind, c.team, c.device), Payload: data}
	envData, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("broker not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, envData)
}

// PublishLog sends a Log Ring record on the logs topic when streaming has
// been toggled on via the startLog/stopLog commands.
func (c *Client) PublishLog(record interface{}) {
	c.mu.Lock()
	streaming := c.streamLogs
	c.mu.Unlock()
	if !streaming {
		return
	}
	_ = c.Publish(TopicLogs, record)
}

// dispatch invokes the registered handler for a command. Any panic or
// returned error is caught here and converted into an error response — the
// agent process must never crash because of a malformed or buggy handler.
func (c *Client) dispatch(ctx context.Context, cmd CommandEnvelope) {
	response := c.invoke(ctx, cmd)
	response["command"] = cmd.Command
	response["correlationData"] = cmd.CorrelationData
	_ = c.Publish(TopicResponse, response)
}

// invoke runs the handler registered for cmd.Command, logging the
// command/response pair the way the platform's RPC-shaped command/response
// channel deserves, and catches any panic or error at the dispatch
// boundary so a buggy handler can never bring the agent process down.
func (c *Client) invoke(ctx context.Context, cmd CommandEnvelope) (result map[string]interface{}) {
	req := &agentlog.RPCRequest{
		MessageType:   cmd.Command,
		CorrelationID: cmd.CorrelationData,
	}
	agentlog.LogRPCRequest(c.log, req)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("command handler panicked", "command", cmd.Command, "panic", r)
			result = map[string]interface{}{"success": false, "error": map[string]interface{}{"code": "internal_error"}}
		}

		resp := &agentlog.RPCResponse{DurationMs: time.Since(start).Milliseconds()}
		if success, ok := result["success"].(bool); ok {
			resp.Success = success
		} else {
			resp.Success = true
		}
		if errBody, ok := result["error"].(map[string]interface{}); ok {
			if msg, _ := errBody["code"].(string); msg != "" {
				resp.Error = msg
			}
		}
		agentlog.LogRPCResponse(c.log, req, resp)
	}()

	h, ok := c.handlers[cmd.Command]
	if !ok {
		return map[string]interface{}{"success": false, "error": map[string]interface{}{"code": "unsupported_action"}}
	}

	body, err := h(ctx, cmd.Payload)
	if err != nil {
		c.log.Warn("command handler error", "command", cmd.Command, "error", err)
		return map[string]interface{}{"success": false, "error": map[string]interface{}{"code": "handler_error", "message": err.Error()}}
	}

	out := map[string]interface{}{}
	if m, ok := body.(map[string]interface{}); ok {
		out = m
	} else if body != nil {
		data, _ := json.Marshal(body)
		_ = json.Unmarshal(data, &out)
	}
	return out
}

// SetLogStreaming toggles whether Log Ring additions are forwarded on the
// logs topic, per the startLog/stopLog commands.
func (c *Client) SetLogStreaming(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamLogs = enabled
}
