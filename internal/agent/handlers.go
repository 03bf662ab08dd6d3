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

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowfuse/device-agent/internal/broker"
	"github.com/flowfuse/device-agent/internal/model"
)

// CommandBus is the subset of the broker Client the control loop registers
// its command handlers against.
type CommandBus interface {
	Handle(command string, h broker.CommandHandler)
	SetLogStreaming(enabled bool)
}

// LogSource is what the upload command reads the current on-disk snapshot
// back from. Implemented by the Launcher.
type LogSource interface {
	ReadFlow() ([]model.FlowNode, error)
	ReadCredentials() (map[string]interface{}, error)
	ReadPackage() (map[string]interface{}, error)
}

// RegisterCommands wires the seven broker command names (§4.E) onto the
// control loop, the Launcher, and the Tunnel. bus is typically a
// *broker.Client.
func (l *Loop) RegisterCommands(bus CommandBus, logSource LogSource) {
	bus.Handle("update", l.handleUpdate)
	bus.Handle("action", l.handleAction)
	bus.Handle("startEditor", l.handleStartEditor)
	bus.Handle("stopEditor", l.handleStopEditor)
	bus.Handle("startLog", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		bus.SetLogStreaming(true)
		return map[string]interface{}{"success": true}, nil
	})
	bus.Handle("stopLog", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		bus.SetLogStreaming(false)
		return map[string]interface{}{"success": true}, nil
	})
	bus.Handle("upload", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return l.handleUpload(logSource)
	})
}

// handleUpdate enqueues the payload desired state into the control loop's
// reconciliation mailbox.
func (l *Loop) handleUpdate(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var desired model.DesiredState
	if err := json.Unmarshal(payload, &desired); err != nil {
		return nil, fmt.Errorf("decoding desired state: %w", err)
	}
	l.Enqueue(ctx, desired)
	return map[string]interface{}{"success": true}, nil
}

// actionPayload is the shape of the action command's payload.
type actionPayload struct {
	Action string `json:"action"`
}

// handleAction invokes the Launcher for start/restart/suspend. Any other
// value is an unsupported_action error, per §4.E.
func (l *Loop) handleAction(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p actionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding action payload: %w", err)
	}

	l.mu.Lock()
	snap := l.snapshot
	settings := l.settings
	l.mu.Unlock()

	switch p.Action {
	case "start", "restart":
		if err := l.materializeAndStart(ctx, snap, settings); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil
	case "suspend":
		if err := l.stopLauncher(true); err != nil {
			return nil, err
		}
		l.setState(model.StateSuspended)
		return map[string]interface{}{"success": true}, nil
	default:
		return map[string]interface{}{"success": false, "error": map[string]interface{}{"code": "unsupported_action"}}, nil
	}
}

// handleStartEditor persists the editor token and opens the tunnel. The
// connected field reflects tunnel readiness, not token acceptance — the
// response is sent even if the runtime isn't up yet.
func (l *Loop) handleStartEditor(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding startEditor payload: %w", err)
	}
	l.SetEditorToken(p.Token)

	connected := false
	if l.cfg.Tunnel != nil && p.Token != "" {
		connected = l.cfg.Tunnel.Start(ctx, p.Token)
	}
	return map[string]interface{}{"connected": connected, "token": p.Token}, nil
}

func (l *Loop) handleStopEditor(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if l.cfg.Tunnel != nil {
		l.cfg.Tunnel.Stop()
	}
	return map[string]interface{}{"success": true}, nil
}

// handleUpload reads the on-disk snapshot back (flows, credentials,
// package) for the upload command.
func (l *Loop) handleUpload(src LogSource) (interface{}, error) {
	flows, err := src.ReadFlow()
	if err != nil {
		return nil, fmt.Errorf("reading flows: %w", err)
	}
	creds, err := src.ReadCredentials()
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	pkg, err := src.ReadPackage()
	if err != nil {
		return nil, fmt.Errorf("reading package: %w", err)
	}
	return map[string]interface{}{
		"flows":       flows,
		"credentials": creds,
		"package":     pkg,
	}, nil
}
