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

// Package agent implements the Agent Control Loop: the state machine that
// reconciles locally-held state (project, snapshot, settings, mode)
// against desired state delivered by the platform, coordinates the
// runtime child process via the Launcher, and serializes concurrent
// updates. The current{Project,Snapshot,Settings,Mode,State} is held
// behind the Loop's mutex; other components change it only through the
// Loop's methods (Enqueue, the broker command handlers, OnLauncherExit),
// never by holding a pointer into its state, and reconciliations are
// serialized so at most one runs at a time.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowfuse/device-agent/internal/launcher"
	agentlog "github.com/flowfuse/device-agent/internal/log"
	"github.com/flowfuse/device-agent/internal/model"
)

// SnapshotSettingsFetcher fetches the bodies a desired state only names by
// id/hash. Implemented by httpcontrol.Client.
type SnapshotSettingsFetcher interface {
	GetSnapshot(ctx context.Context, deviceID string) (*model.Snapshot, error)
	GetSettings(ctx context.Context, deviceID string) (*model.Settings, error)
}

// ProcessManager is what the Launcher exposes to the control loop.
type ProcessManager interface {
	WriteConfiguration(opts launcher.Options) error
	InstallDependencies(ctx context.Context, snap *model.Snapshot) error
	Start(ctx context.Context, snap *model.Snapshot, settings *model.Settings, readyTimeout time.Duration) error
	Stop(clean bool) error
	IsRunning() bool
}

// OptionsBuilder adapts (snapshot, settings) into the launcher.Options the
// Launcher needs to materialize a project directory, filling in everything
// the control loop already knows (device identity, ports, broker/forge
// URLs) that a bare snapshot/settings pair doesn't carry.
type OptionsBuilder func(snap *model.Snapshot, settings *model.Settings) launcher.Options

// Store persists and loads the Desired-State Record.
type Store interface {
	Load() model.DesiredStateRecord
	Save(model.DesiredStateRecord) error
}

// EditorTunnel is what the control loop drives in response to
// startEditor/stopEditor commands.
type EditorTunnel interface {
	Start(ctx context.Context, token string) bool
	Stop()
	IsConnected() bool
}

// Config bundles the Loop's collaborators.
type Config struct {
	DeviceID       string
	Fetcher        SnapshotSettingsFetcher
	Process        ProcessManager
	BuildOptions   OptionsBuilder
	ReadyTimeout   time.Duration
	Store          Store
	Tunnel         EditorTunnel
	AgentVersion   string
	Log            *slog.Logger
}

// Loop is the Agent Control Loop (component G). Exactly one reconciliation
// runs at a time; Enqueue replaces (not queues) any pending desired state.
type Loop struct {
	cfg Config
	log *slog.Logger

	mu             sync.Mutex
	project        *string
	snapshot       *model.Snapshot
	settings       *model.Settings
	mode           *model.Mode
	state          model.AgentState
	startedAt      time.Time
	restartCount   int
	editorToken    string
	metrics        model.Health

	next      *model.DesiredState
	hasNext   bool
	reconcile sync.Mutex // held for the duration of a single reconciliation
}

// New creates a Loop, preloading current state from the Desired-State Store.
func New(cfg Config) *Loop {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	l := &Loop{cfg: cfg, log: agentlog.WithComponent(cfg.Log, "agent"), state: model.StateUnknown}

	rec := cfg.Store.Load()
	l.project = rec.Project
	l.snapshot = rec.Snapshot
	l.settings = rec.Settings
	l.mode = rec.Mode
	l.startedAt = time.Now()
	return l
}

// Enqueue delivers a new desired state to the loop. If a reconciliation is
// already running, this replaces whatever was previously queued rather
// than stacking behind it — newer always wins. Enqueue returns at once;
// reconciliation runs on a goroutine it starts (drain), serialized against
// any other drain by l.reconcile.
func (l *Loop) Enqueue(ctx context.Context, desired model.DesiredState) {
	l.mu.Lock()
	l.next = &desired
	l.hasNext = true
	l.mu.Unlock()

	go l.drain(ctx)
}

// drain runs reconciliation until the "next" slot is empty. Using
// reconcile as a mutex means a second concurrent drain call simply blocks
// until the first finishes, then finds nothing left to do — at most one
// reconciliation is ever in flight, exactly as §5 requires.
func (l *Loop) drain(ctx context.Context) {
	l.reconcile.Lock()
	defer l.reconcile.Unlock()

	for {
		l.mu.Lock()
		if !l.hasNext {
			l.mu.Unlock()
			return
		}
		desired := *l.next
		l.hasNext = false
		l.next = nil
		l.mu.Unlock()

		if err := l.applyOne(ctx, desired); err != nil {
			l.log.Warn("reconciliation step failed", "error", err)
		}
	}
}

// GetState builds the CheckinState reported in HTTP checkins and broker
// status publishes.
func (l *Loop) GetState() model.CheckinState {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapID := ""
	if l.snapshot != nil {
		snapID = l.snapshot.ID
	}
	settingsHash := ""
	if l.settings != nil {
		settingsHash = l.settings.Hash
	}

	health := l.metrics
	health.UptimeSec = int64(time.Since(l.startedAt).Seconds())
	health.SnapshotRestartCount = l.restartCount

	return model.CheckinState{
		Project:      l.project,
		SnapshotID:   snapID,
		SettingsHash: settingsHash,
		State:        l.state,
		Mode:         l.mode,
		AgentVersion: l.cfg.AgentVersion,
		Health:       health,
	}
}

// UpdateMetrics records the latest heartbeat sample's resource fields,
// folded into the next GetState() call. Uptime and restart count are
// owned by the control loop itself and are never overwritten here.
func (l *Loop) UpdateMetrics(h model.Health) {
	l.mu.Lock()
	l.metrics = h
	l.mu.Unlock()
}

// SetEditorToken records the most recently issued editor token, consulted
// by startEditor and by the reconnect path.
func (l *Loop) SetEditorToken(token string) {
	l.mu.Lock()
	l.editorToken = token
	l.mu.Unlock()
}

func (l *Loop) setState(s model.AgentState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) getState() model.AgentState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// persist writes the current {project, snapshot, settings, mode} to the
// Desired-State Store. Called only after a reconciliation step has fully
// committed — the on-disk record must never reflect an in-progress one.
func (l *Loop) persist() error {
	l.mu.Lock()
	rec := model.DesiredStateRecord{Project: l.project, Snapshot: l.snapshot, Settings: l.settings, Mode: l.mode}
	l.mu.Unlock()
	return l.cfg.Store.Save(rec)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func modePtrEqual(a, b *model.Mode) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// applyOne runs one pass of the reconciliation algorithm (§4.G) against a
// single incoming desired state.
func (l *Loop) applyOne(ctx context.Context, d model.DesiredState) error {
	l.mu.Lock()
	prevMode := l.mode
	l.mu.Unlock()

	// Step 1: mode changes are always honored, first, before anything else.
	if !modePtrEqual(d.Mode, prevMode) {
		l.mu.Lock()
		l.mode = d.Mode
		l.mu.Unlock()
		if err := l.persist(); err != nil {
			return fmt.Errorf("persisting mode change: %w", err)
		}
	}

	developerMode := d.Mode != nil && *d.Mode == model.ModeDeveloper

	// Step 2: unassigned / credentials revoked.
	if d.Project == nil && d.Snapshot == nil && d.Settings == nil && d.Mode == nil {
		return l.clearAll()
	}

	l.mu.Lock()
	curProject := l.project
	curSnapshot := l.snapshot
	bootstrapping := l.state == model.StateUnknown && l.snapshot == nil
	l.mu.Unlock()

	// Developer-mode bootstrap exception: first-ever assignment is still
	// fetched once even in developer mode.
	if developerMode && !bootstrapping {
		// Step 1 already applied the mode change; snapshot/settings/project
		// changes are inhibited for the remainder of this step.
		return nil
	}

	// Step 3: instance removed.
	if d.Project == nil && curProject != nil {
		return l.stopAndClear(true, false)
	}

	// Step 4: snapshot removed, project retained.
	if d.Snapshot == nil && d.Project != nil {
		l.mu.Lock()
		l.project = d.Project
		l.snapshot = nil
		l.mu.Unlock()
		if err := l.stopLauncher(true); err != nil {
			return err
		}
		l.setState(model.StateStopped)
		return l.persist()
	}

	// Step 5: compute update flags.
	updateSnapshot := curSnapshot == nil || !strPtrEqual(d.Project, curProject) || d.SnapshotID() != curSnapshot.ID
	l.mu.Lock()
	curSettings := l.settings
	l.mu.Unlock()
	updateSettings := curSettings == nil || d.SettingsHash() != curSettings.Hash || !strPtrEqual(d.Project, curProject)

	if !updateSnapshot && !updateSettings {
		// No-op reconciliation: ensure the runtime is running (idempotent
		// start) but never restart something already up.
		if !l.cfg.Process.IsRunning() {
			return l.materializeAndStart(ctx, curSnapshot, curSettings)
		}
		return nil
	}

	// Step 6: materialize the new state.
	l.setState(model.StateUpdating)
	if err := l.stopLauncher(false); err != nil {
		return err
	}

	snap := curSnapshot
	if updateSnapshot {
		fetched, err := l.cfg.Fetcher.GetSnapshot(ctx, l.cfg.DeviceID)
		if err != nil {
			l.setState(model.StateError)
			return fmt.Errorf("fetching snapshot: %w", err)
		}
		snap = fetched
	}
	settings := curSettings
	if updateSettings {
		fetched, err := l.cfg.Fetcher.GetSettings(ctx, l.cfg.DeviceID)
		if err != nil {
			l.setState(model.StateError)
			return fmt.Errorf("fetching settings: %w", err)
		}
		settings = fetched
	}

	l.mu.Lock()
	l.project = d.Project
	l.snapshot = snap
	l.settings = settings
	l.mu.Unlock()

	if err := l.materializeAndStart(ctx, snap, settings); err != nil {
		return err
	}

	// Step 7: persist after success.
	return l.persist()
}

// materializeAndStart writes configuration, installs dependencies, and
// starts the runtime, transitioning through installing/starting/running.
func (l *Loop) materializeAndStart(ctx context.Context, snap *model.Snapshot, settings *model.Settings) error {
	l.setState(model.StateLoading)
	if l.cfg.BuildOptions != nil {
		if err := l.cfg.Process.WriteConfiguration(l.cfg.BuildOptions(snap, settings)); err != nil {
			l.setState(model.StateError)
			return fmt.Errorf("writing configuration: %w", err)
		}
	}

	l.setState(model.StateInstalling)
	if err := l.cfg.Process.InstallDependencies(ctx, snap); err != nil {
		l.setState(model.StateError)
		return fmt.Errorf("installing dependencies: %w", err)
	}

	l.setState(model.StateStarting)
	if err := l.cfg.Process.Start(ctx, snap, settings, l.cfg.ReadyTimeout); err != nil {
		l.setState(model.StateError)
		return fmt.Errorf("starting runtime: %w", err)
	}

	l.setState(model.StateRunning)
	return nil
}

func (l *Loop) stopLauncher(clean bool) error {
	if l.cfg.Tunnel != nil {
		l.cfg.Tunnel.Stop()
	}
	return l.cfg.Process.Stop(clean)
}

// clearAll handles an incoming nil desired state: unassigned or
// credentials revoked. Everything is cleared and persisted.
func (l *Loop) clearAll() error {
	l.setState(model.StateStopping)
	if err := l.stopLauncher(true); err != nil {
		return err
	}
	l.mu.Lock()
	l.project = nil
	l.snapshot = nil
	l.settings = nil
	l.mode = nil
	l.mu.Unlock()
	l.setState(model.StateStopped)
	return l.persist()
}

// stopAndClear stops the runtime and clears project (and optionally
// snapshot/settings), used by the instance-removed path.
func (l *Loop) stopAndClear(clearSnapshotSettings, _ bool) error {
	l.setState(model.StateStopping)
	if err := l.stopLauncher(true); err != nil {
		return err
	}
	l.mu.Lock()
	l.project = nil
	if clearSnapshotSettings {
		l.snapshot = nil
		l.settings = nil
	}
	l.mu.Unlock()
	l.setState(model.StateStopped)
	return l.persist()
}

// OnLauncherExit is invoked by the Launcher when the runtime process
// exits. A bootLoop exit transitions to crashed; otherwise the agent
// records a restart and leaves actual restart scheduling to the Launcher's
// own backoff timer (the control loop only tracks the count for checkins).
func (l *Loop) OnLauncherExit(err error) {
	l.mu.Lock()
	l.restartCount++
	l.mu.Unlock()
	if l.getState() == model.StateRunning {
		l.setState(model.StateCrashed)
	}
}

// MarkCrashed is called when the Launcher concludes the runtime is
// boot-looping and will not restart it further.
func (l *Loop) MarkCrashed() {
	l.setState(model.StateCrashed)
}
