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

package httpcontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowfuse/device-agent/internal/model"
)

// GetSnapshot fetches the currently assigned snapshot.
func (c *Client) GetSnapshot(ctx context.Context, deviceID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := c.getJSON(ctx, fmt.Sprintf("api/v1/devices/%s/live/snapshot", deviceID), &snap); err != nil {
		return nil, fmt.Errorf("getting snapshot: %w", err)
	}
	return &snap, nil
}

// GetSettings fetches the currently assigned settings bundle.
func (c *Client) GetSettings(ctx context.Context, deviceID string) (*model.Settings, error) {
	var settings model.Settings
	if err := c.getJSON(ctx, fmt.Sprintf("api/v1/devices/%s/live/settings", deviceID), &settings); err != nil {
		return nil, fmt.Errorf("getting settings: %w", err)
	}
	return &settings, nil
}

// CheckinResponse is what live/state returns: either nothing (204-ish 200
// with an empty body) or a new desired state the caller must reconcile.
type CheckinResponse struct {
	DesiredState *model.DesiredState
}

// CheckIn reports the agent's current state to the platform. A 409 means
// the platform considers the agent out of sync and the caller should fetch
// a fresh snapshot; this is surfaced as a PlatformError with StatusCode 409
// rather than folded into CheckinResponse, since it is itself a signal, not
// a transport failure.
func (c *Client) CheckIn(ctx context.Context, deviceID string, state model.CheckinState) (*CheckinResponse, error) {
	var body struct {
		DesiredState *model.DesiredState `json:"desiredState"`
	}
	path := fmt.Sprintf("api/v1/devices/%s/live/state", deviceID)
	if err := c.postJSON(ctx, path, state, &body); err != nil {
		return nil, fmt.Errorf("checking in: %w", err)
	}
	return &CheckinResponse{DesiredState: body.DesiredState}, nil
}

// VerifyResult is what the platform returns for a valid editor token.
type VerifyResult struct {
	Username    string   `json:"username"`
	Permissions []string `json:"permissions"`
}

// VerifyEditorToken checks an editor token against the platform, caching
// the result for tokenCacheTTL per token to avoid hammering the platform
// on every editor request the tunnel forwards.
func (c *Client) VerifyEditorToken(ctx context.Context, deviceID, token string) (*VerifyResult, error) {
	c.mu.Lock()
	if cached, ok := c.tokenCache[token]; ok && time.Now().Before(cached.expiresAt) {
		c.mu.Unlock()
		result := cached.result
		return &result, nil
	}
	c.mu.Unlock()

	var result VerifyResult
	path := fmt.Sprintf("api/v1/devices/%s/editor/token", deviceID)
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("verifying editor token: %w", err)
	}

	c.mu.Lock()
	c.tokenCache[token] = cachedVerification{result: result, expiresAt: time.Now().Add(tokenCacheTTL)}
	c.mu.Unlock()

	return &result, nil
}

// AuditEvent is a single agent- or runtime-originated audit record. ID is a
// client-generated idempotency key: the agent may retry a post after a
// timed-out response without the platform recording the event twice.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Body      map[string]interface{} `json:"body,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// PostAudit posts a single audit event, satisfying launcher.AuditPoster.
func (c *Client) PostAudit(ctx context.Context, event string, body map[string]interface{}) error {
	deviceID, _ := ctx.Value(deviceIDKey{}).(string)
	path := fmt.Sprintf("logging/device/%s/audit", deviceID)
	payload := AuditEvent{ID: uuid.NewString(), Event: event, Body: body, Timestamp: time.Now()}
	return c.postJSON(ctx, path, payload, nil)
}

// deviceIDKey threads the device id into contexts passed to PostAudit so
// the interface can stay narrow (ctx, event, body) for callers like the
// Launcher that don't otherwise carry the device id around.
type deviceIDKey struct{}

// WithDeviceID returns a context carrying deviceID for PostAudit to read.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey{}, deviceID)
}

// ClaimResponse is what the provisioning poll returns once an operator
// claims the device on the platform.
type ClaimResponse struct {
	DeviceID           string                 `json:"deviceId"`
	Token              string                 `json:"token"`
	BrokerURL          string                 `json:"brokerURL"`
	BrokerUsername     string                 `json:"brokerUsername"`
	BrokerPassword     string                 `json:"brokerPassword"`
	ProvisioningExtras map[string]interface{} `json:"provisioningExtras"`
}

// PollForAssignment asks the platform whether this provisioning device has
// been claimed yet. A nil response with nil error means "not yet claimed".
func (c *Client) PollForAssignment(ctx context.Context, provisioningTeam, provisioningToken string) (*ClaimResponse, error) {
	var resp struct {
		Claimed bool          `json:"claimed"`
		Device  ClaimResponse `json:"device"`
	}
	body := map[string]string{"team": provisioningTeam, "token": provisioningToken}
	if err := c.postJSON(ctx, "api/v1/devices/provisioning/poll", body, &resp); err != nil {
		return nil, fmt.Errorf("polling for provisioning assignment: %w", err)
	}
	if !resp.Claimed {
		return nil, nil
	}
	return &resp.Device, nil
}
