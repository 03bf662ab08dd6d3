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

// Package configcmd implements the "config" command group: right now just
// validate, which loads and checks the device config file without
// starting the agent.
package configcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowfuse/device-agent/internal/commands/shared"
	"github.com/flowfuse/device-agent/internal/config"
)

// NewCommand creates the "config" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the device config file",
	}
	cmd.AddCommand(newValidateCommand())
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the device config file",
		Long: `Loads the device config file (device.yml) and reports whether it is
internally consistent: a device must carry either claimed identity
(deviceId + token) or provisioning credentials, never neither.`,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return shared.NewConfigExitError("locating device config file", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return shared.NewConfigExitError("device config is invalid", err)
	}

	if cfg.IsProvisioning() {
		cmd.Printf("%s: valid (unclaimed, provisioning team %q)\n", path, cfg.ProvisioningTeam)
	} else {
		cmd.Printf("%s: valid (device %s)\n", path, cfg.DeviceID)
	}
	return nil
}

func resolveConfigPath() (string, error) {
	if p := shared.GetConfigPath(); p != "" {
		return p, nil
	}
	p, err := config.DefaultPath()
	if err != nil {
		return "", fmt.Errorf("resolving default device config path: %w", err)
	}
	return p, nil
}
