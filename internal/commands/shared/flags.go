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

// Package shared holds state every device-agent subcommand needs: the
// persistent CLI flags bound by the root command and the version
// metadata injected at build time.
package shared

// Global flag values, set by the root command's persistent flags.
var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	configFlag  string

	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to the flag variables for binding
// by the root command.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &verboseFlag, &quietFlag, &jsonFlag, &configFlag
}

// SetVersion sets the version information (called from main via ldflags).
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose returns the verbose flag value.
func GetVerbose() bool {
	return verboseFlag
}

// GetQuiet returns the quiet flag value.
func GetQuiet() bool {
	return quietFlag
}

// GetJSON returns the JSON output flag value.
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the device config path set via --config, or the
// empty string if the caller should fall back to config.DefaultPath().
func GetConfigPath() string {
	return configFlag
}

// SetConfigPathForTest sets the config path for test setup.
func SetConfigPathForTest(path string) {
	configFlag = path
}
