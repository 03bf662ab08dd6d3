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

// Package run implements "device-agent run": it wires together every
// collaborator the Agent Control Loop needs (the HTTP control-plane
// client or broker, the runtime Launcher, the editor tunnel, the
// heartbeat sampler, and the Desired-State Store) and drives the whole
// thing from process start to SIGINT/SIGTERM, including the
// provisioning-to-claimed handoff.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowfuse/device-agent/internal/agent"
	"github.com/flowfuse/device-agent/internal/broker"
	"github.com/flowfuse/device-agent/internal/commands/shared"
	"github.com/flowfuse/device-agent/internal/config"
	"github.com/flowfuse/device-agent/internal/heartbeat"
	"github.com/flowfuse/device-agent/internal/httpcontrol"
	"github.com/flowfuse/device-agent/internal/launcher"
	agentlog "github.com/flowfuse/device-agent/internal/log"
	"github.com/flowfuse/device-agent/internal/logring"
	"github.com/flowfuse/device-agent/internal/model"
	"github.com/flowfuse/device-agent/internal/provisioning"
	"github.com/flowfuse/device-agent/internal/secrets"
	"github.com/flowfuse/device-agent/internal/store"
	"github.com/flowfuse/device-agent/internal/tunnel"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the device agent",
		Long: `Run starts the device agent. It loads the device config, claims a
provisioning assignment if the device is unclaimed, then reconciles the
assigned snapshot and settings against the local runtime until the
process receives SIGINT or SIGTERM.`,
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return shared.NewConfigExitError("locating device config file", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return shared.NewConfigExitError("loading device config", err)
	}

	logger := buildLogger(cfg)
	v, _, _ := shared.GetVersion()
	logger.Info("device agent starting", "version", v, "config", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	claimPoller, err := httpcontrol.New(cfg.ForgeURL, "")
	if err != nil {
		return shared.NewConfigExitError("building provisioning client", err)
	}

	start := func(ctx context.Context, c *config.Config) error {
		return runAgent(ctx, c, v, logger)
	}

	if err := provisioning.Supervise(ctx, cfg, claimPoller, start, logger); err != nil {
		return &shared.ExitError{Code: shared.ExitRunFailed, Message: "device agent exited", Cause: err}
	}

	logger.Info("shutdown complete")
	return nil
}

func resolveConfigPath() (string, error) {
	if p := shared.GetConfigPath(); p != "" {
		return p, nil
	}
	return config.DefaultPath()
}

func buildLogger(cfg *config.Config) *slog.Logger {
	logCfg := agentlog.FromEnv()
	if cfg.Verbose || shared.GetVerbose() {
		logCfg.Level = "debug"
		logCfg.AddSource = true
	}
	if shared.GetQuiet() {
		logCfg.Level = "error"
	}
	return agentlog.New(logCfg)
}

// runAgent builds every collaborator and runs the control loop until ctx
// is cancelled or the device control-plane connection signals the agent
// must reload (provisioning.ErrReload), which this function never
// produces itself — that is Supervise's job between calls.
func runAgent(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) error {
	log := agentlog.WithComponent(logger, "run")

	dataDir := config.DataDir(cfg)
	token := syncCredential(cfg, dataDir, log)

	ring := logring.New(logring.DefaultSize, agentlog.WithComponent(logger, "runtime"))
	controlClient, err := httpcontrol.New(cfg.ForgeURL, token)
	if err != nil {
		return fmt.Errorf("building control-plane client: %w", err)
	}

	proc := launcher.New(cfg.ProjectDir(), ring, controlClient, agentlog.WithComponent(logger, "launcher"))
	desiredStore := store.New(dataDir, agentlog.WithComponent(logger, "store"))

	forwarder := tunnel.NewRuntimeProxy(cfg.RuntimePort(), cfg.HTTPS != nil)
	editorTunnel := tunnel.New(cfg.ForgeURL, cfg.DeviceID, cfg.RuntimePort(), forwarder, agentlog.WithComponent(logger, "tunnel"))

	loop := agent.New(agent.Config{
		DeviceID:     cfg.DeviceID,
		Fetcher:      controlClient,
		Process:      proc,
		BuildOptions: optionsBuilder(cfg),
		ReadyTimeout: 30 * time.Second,
		Store:        desiredStore,
		Tunnel:       editorTunnel,
		AgentVersion: version,
		Log:          logger,
	})
	proc.OnExit(loop.OnLauncherExit)

	sampler := heartbeat.New(fmt.Sprintf("http://127.0.0.1:%d/metrics", cfg.RuntimePort()), heartbeat.DefaultInterval, logger)
	go sampler.Run(ctx, loop.UpdateMetrics)

	if cfg.BrokerURL != "" {
		runBrokerMode(ctx, cfg, loop, proc, log)
	} else {
		runPollMode(ctx, cfg, controlClient, loop, log)
	}

	return nil
}

func runBrokerMode(ctx context.Context, cfg *config.Config, loop *agent.Loop, proc *launcher.Launcher, log *slog.Logger) {
	client := broker.New(cfg.BrokerURL, teamFromBrokerUsername(cfg.BrokerUsername), cfg.DeviceID, http.Header{}, func() interface{} {
		return loop.GetState()
	}, agentlog.WithComponent(log, "broker"))

	loop.RegisterCommands(client, proc)
	client.Run(ctx)
}

func runPollMode(ctx context.Context, cfg *config.Config, client *httpcontrol.Client, loop *agent.Loop, log *slog.Logger) {
	onDesired := httpcontrol.DesiredStateFunc(func(d model.DesiredState) {
		loop.Enqueue(ctx, d)
	})
	poller := httpcontrol.NewPoller(client, cfg.DeviceID, httpcontrol.DefaultPollInterval, loop.GetState, onDesired, agentlog.WithComponent(log, "poller"))
	poller.Run(ctx)
}

// teamFromBrokerUsername extracts the team id from the brokerUsername the
// platform issues at claim time, formatted "device:TEAMID:deviceId".
func teamFromBrokerUsername(username string) string {
	parts := strings.Split(username, ":")
	if len(parts) == 3 {
		return parts[1]
	}
	return ""
}

// optionsBuilder adapts a snapshot/settings pair into launcher.Options,
// filling in everything the control loop already knows about device
// identity and network endpoints that a bare snapshot/settings pair
// doesn't carry.
func optionsBuilder(cfg *config.Config) agent.OptionsBuilder {
	auditURL, _ := url.JoinPath(cfg.ForgeURL, "logging", "device", cfg.DeviceID, "audit")
	return func(snap *model.Snapshot, settings *model.Settings) launcher.Options {
		opts := launcher.Options{
			Snapshot:         snap,
			Settings:         settings,
			Port:             cfg.RuntimePort(),
			CredentialSecret: cfg.CredentialSecret,
			ForgeURL:         cfg.ForgeURL,
			DeviceID:         cfg.DeviceID,
			BrokerURL:        cfg.BrokerURL,
			BrokerUsername:   cfg.BrokerUsername,
			BrokerPassword:   cfg.BrokerPassword,
			AuditURL:         auditURL,
		}
		if cfg.HTTPS != nil {
			opts.HTTPS = loadHTTPSMaterial(cfg.HTTPS)
		}
		return opts
	}
}

func loadHTTPSMaterial(cfg *config.HTTPSConfig) *launcher.HTTPSMaterial {
	mat := &launcher.HTTPSMaterial{}
	if data, err := os.ReadFile(cfg.KeyPath); err == nil {
		mat.Key = data
	}
	if data, err := os.ReadFile(cfg.CertPath); err == nil {
		mat.Cert = data
	}
	if data, err := os.ReadFile(cfg.CAPath); err == nil {
		mat.CA = data
	}
	return mat
}

// syncCredential reconciles the platform token between the device config
// file and the OS-keychain-backed secret store: a previously stored
// credential wins over the config file's (the config file is only the
// source of truth at first claim), and any token found only in the config
// file is persisted into the store so later runs don't depend on it.
func syncCredential(cfg *config.Config, dataDir string, log *slog.Logger) string {
	credStore := secrets.New(dataDir)
	if cfg.DeviceID == "" {
		return cfg.Token
	}

	if stored, err := credStore.Get(cfg.DeviceID); err == nil && stored != "" {
		return stored
	}

	if cfg.Token != "" {
		if err := credStore.Set(cfg.DeviceID, cfg.Token); err != nil {
			log.Warn("failed to persist device token to credential store", "error", err)
		}
	}
	return cfg.Token
}
