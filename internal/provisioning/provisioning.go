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

// Package provisioning implements the bootstrap path for a device that
// hasn't been claimed yet: it polls the platform at a low rate asking to
// be assigned device credentials, then hands control to a freshly loaded
// Config rather than mutating the running one in place. The handoff is a
// "run once, then relaunch" structure, not a live credential swap.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowfuse/device-agent/internal/config"
	"github.com/flowfuse/device-agent/internal/httpcontrol"
	agentlog "github.com/flowfuse/device-agent/internal/log"
)

// pollInterval is the "low rate" the spec calls for: frequent enough that
// an operator claiming a device on the platform sees it come online
// within a reasonable wait, infrequent enough not to hammer the platform
// while a device sits on a shelf unclaimed for days.
const pollInterval = 15 * time.Second

// AssignmentPoller is the subset of httpcontrol.Client the provisioning
// poll needs.
type AssignmentPoller interface {
	PollForAssignment(ctx context.Context, provisioningTeam, provisioningToken string) (*httpcontrol.ClaimResponse, error)
}

// ErrReload is returned by a StartAgent implementation to ask Supervise to
// reload the on-disk config and start the agent again, rather than
// exiting the process. Nothing in this repo currently triggers it after
// the initial provisioning claim, but the supervised run loop is built to
// support it since the platform contract allows credential rotation to
// follow the same config-rewrite path in the future.
var ErrReload = errors.New("device agent: config reload requested")

// StartAgent runs the full agent lifecycle against cfg until ctx is
// cancelled, the process should exit (nil or a terminal error), or a
// reload is requested (ErrReload).
type StartAgent func(ctx context.Context, cfg *config.Config) error

// Supervise runs the provisioning poll (if cfg is unclaimed) and then
// repeatedly invokes start against the resulting config, relaunching it
// whenever start returns ErrReload.
func Supervise(ctx context.Context, cfg *config.Config, poller AssignmentPoller, start StartAgent, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = agentlog.WithComponent(log, "provisioning")

	current := cfg
	if current.IsProvisioning() {
		claimed, err := Poll(ctx, current, poller, log)
		if err != nil {
			return fmt.Errorf("provisioning: %w", err)
		}
		current = claimed
	}

	for {
		err := start(ctx, current)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrReload) {
			return err
		}
		reloaded, loadErr := config.Load(current.Path())
		if loadErr != nil {
			return fmt.Errorf("reloading config after reload request: %w", loadErr)
		}
		current = reloaded
		log.Info("relaunching agent against reloaded config")
	}
}

// Poll blocks, polling the platform every pollInterval, until the device
// is claimed, ctx is cancelled, or the claim can't be persisted. On
// success it returns the freshly reloaded, claimed Config — the caller
// must start the agent against this new value, never the one it was
// called with.
func Poll(ctx context.Context, cfg *config.Config, poller AssignmentPoller, log *slog.Logger) (*config.Config, error) {
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	log.Info("polling for provisioning assignment", "team", cfg.ProvisioningTeam, "interval", pollInterval)

	for {
		claim, err := poller.PollForAssignment(ctx, cfg.ProvisioningTeam, cfg.ProvisioningToken)
		if err != nil {
			log.Warn("provisioning poll failed, retrying", "error", err)
		} else if claim != nil {
			return persistClaim(cfg, *claim)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func persistClaim(cfg *config.Config, claim httpcontrol.ClaimResponse) (*config.Config, error) {
	creds := config.ClaimedCredentials{
		DeviceID:       claim.DeviceID,
		Token:          claim.Token,
		BrokerURL:      claim.BrokerURL,
		BrokerUsername: claim.BrokerUsername,
		BrokerPassword: claim.BrokerPassword,
	}
	claimed, err := cfg.WriteClaimed(creds, claim.ProvisioningExtras)
	if err != nil {
		return nil, fmt.Errorf("persisting claimed device config: %w", err)
	}
	return claimed, nil
}
