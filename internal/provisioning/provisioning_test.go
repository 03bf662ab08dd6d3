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

package provisioning

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowfuse/device-agent/internal/config"
	"github.com/flowfuse/device-agent/internal/httpcontrol"
)

type fakePoller struct {
	attempts int32
	claimAt  int32
	claim    *httpcontrol.ClaimResponse
}

func (f *fakePoller) PollForAssignment(ctx context.Context, team, token string) (*httpcontrol.ClaimResponse, error) {
	n := atomic.AddInt32(&f.attempts, 1)
	if n >= f.claimAt {
		return f.claim, nil
	}
	return nil, nil
}

func writeProvisioningConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "device.yml")
	contents := "forgeURL: https://forge.example.com\n" +
		"provisioningTeam: team-1\n" +
		"provisioningToken: prov-tok\n" +
		"httpStatic: /data\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestPoll_ReturnsClaimedConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeProvisioningConfig(t, dir)
	require.True(t, cfg.IsProvisioning())

	poller := &fakePoller{
		claimAt: 2,
		claim: &httpcontrol.ClaimResponse{
			DeviceID:           "dev-123",
			Token:              "device-token",
			BrokerURL:          "wss://broker.example.com",
			ProvisioningExtras: map[string]interface{}{"httpStatic": "/data"},
		},
	}

	claimed, err := Poll(context.Background(), cfg, poller, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, "dev-123", claimed.DeviceID)
	assert.Equal(t, "device-token", claimed.Token)
	assert.False(t, claimed.IsProvisioning())
	assert.Equal(t, "/data", claimed.HTTPStatic)
	assert.GreaterOrEqual(t, poller.attempts, int32(2))
}

func TestPoll_CancelledContextStopsPolling(t *testing.T) {
	dir := t.TempDir()
	cfg := writeProvisioningConfig(t, dir)

	poller := &fakePoller{claimAt: 1000}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Poll(ctx, cfg, poller, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupervise_SkipsPollWhenAlreadyClaimed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.yml")
	contents := "forgeURL: https://forge.example.com\n" +
		"deviceId: dev-1\n" +
		"token: tok\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	poller := &fakePoller{}
	called := false
	start := func(ctx context.Context, c *config.Config) error {
		called = true
		assert.Equal(t, "dev-1", c.DeviceID)
		return nil
	}

	err = Supervise(context.Background(), cfg, poller, start, nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, int32(0), poller.attempts, "an already-claimed config must never poll")
}
