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

// Package cli assembles the device-agent root Cobra command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/flowfuse/device-agent/internal/commands/shared"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for the device agent.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device-agent",
		Short: "FlowFuse device agent",
		Long: `device-agent runs a FlowFuse-managed Node-RED instance on this device:
it reconciles the snapshot and settings the platform has assigned, reports
health back over its control-plane connection, and opens the editor tunnel
on request.

Run 'device-agent run' to start the agent, or just run 'device-agent' with
no subcommand — it defaults to run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, jsonOut, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose (debug) logging")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to device config file (default: platform-specific device.yml)")

	return cmd
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
