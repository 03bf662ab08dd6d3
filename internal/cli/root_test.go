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

package cli

import "testing"

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	if cmd.Use != "device-agent" {
		t.Errorf("expected use 'device-agent', got %q", cmd.Use)
	}
	for _, name := range []string{"verbose", "quiet", "json", "config"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected persistent flag %q to be registered", name)
		}
	}
}

func TestSetAndGetVersion(t *testing.T) {
	SetVersion("9.9.9", "deadbeef", "2026-01-01")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, b := GetVersion()
	if v != "9.9.9" || c != "deadbeef" || b != "2026-01-01" {
		t.Errorf("unexpected version tuple: %s %s %s", v, c, b)
	}
}
