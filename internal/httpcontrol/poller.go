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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowfuse/device-agent/internal/model"
	agenterrors "github.com/flowfuse/device-agent/pkg/errors"
)

// DesiredStateFunc receives a desired state delivered by a checkin response
// and enqueues it into the Agent Control Loop.
type DesiredStateFunc func(model.DesiredState)

// Poller drives periodic checkIn calls when no broker is configured,
// feeding any desired state the platform returns into the control loop.
type Poller struct {
	client    *Client
	deviceID  string
	interval  time.Duration
	log       *slog.Logger
	getState  func() model.CheckinState
	onDesired DesiredStateFunc
}

// NewPoller creates a Poller that calls getState to build each checkin
// body and onDesired whenever the platform returns a new desired state.
func NewPoller(client *Client, deviceID string, interval time.Duration, getState func() model.CheckinState, onDesired DesiredStateFunc, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{client: client, deviceID: deviceID, interval: interval, log: log, getState: getState, onDesired: onDesired}
}

// Run blocks, checking in every interval until ctx is cancelled. A transient
// failed checkin is logged and retried on the next tick; a platform refusal
// (401/402/404) stops the poller for good rather than retrying forever, per
// §7's "platform refusal" handling.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if p.tick(ctx) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one checkin and reports whether the poller must stop. A 409
// means the platform considers the agent out of sync: refetch the snapshot
// and feed it back as a desired state so the control loop reconciles, but
// keep polling. A terminal refusal (401/402/404) means retrying will never
// succeed — stop instead of polling forever.
func (p *Poller) tick(ctx context.Context) bool {
	resp, err := p.client.CheckIn(ctx, p.deviceID, p.getState())
	if err != nil {
		var platformErr *agenterrors.PlatformError
		if errors.As(err, &platformErr) {
			if platformErr.StatusCode == http.StatusConflict {
				p.log.Warn("checkin reported conflict, refetching snapshot", "error", err)
				p.refetchSnapshot(ctx)
				return false
			}
			if platformErr.Terminal() {
				p.log.Warn("platform refused checkin, stopping poller", "error", err)
				return true
			}
		}
		p.log.Warn("checkin failed", "error", err)
		return false
	}
	if resp.DesiredState != nil && p.onDesired != nil {
		p.onDesired(*resp.DesiredState)
	}
	return false
}

// refetchSnapshot fetches the current snapshot after a 409 and hands it to
// the control loop as a desired state, carrying over the project and mode
// the last checkin reported.
func (p *Poller) refetchSnapshot(ctx context.Context) {
	snap, err := p.client.GetSnapshot(ctx, p.deviceID)
	if err != nil {
		p.log.Warn("snapshot refetch after conflict failed", "error", err)
		return
	}
	if p.onDesired == nil {
		return
	}
	state := p.getState()
	p.onDesired(model.DesiredState{Project: state.Project, Snapshot: snap, Mode: state.Mode})
}
