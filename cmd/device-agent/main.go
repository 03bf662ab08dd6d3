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

package main

import (
	"github.com/flowfuse/device-agent/internal/cli"
	"github.com/flowfuse/device-agent/internal/commands/configcmd"
	"github.com/flowfuse/device-agent/internal/commands/run"
	versioncmd "github.com/flowfuse/device-agent/internal/commands/version"
)

// Version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(configcmd.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	// Running the bare binary with no subcommand starts the agent, same
	// as the legacy agent's single-purpose entry point.
	rootCmd.RunE = run.NewCommand().RunE

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
