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

package run

import (
	"path/filepath"
	"testing"

	"github.com/flowfuse/device-agent/internal/commands/shared"
)

func TestTeamFromBrokerUsername(t *testing.T) {
	cases := []struct {
		username string
		want     string
	}{
		{"device:team-42:dev-1", "team-42"},
		{"not-the-right-shape", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := teamFromBrokerUsername(c.username); got != c.want {
			t.Errorf("teamFromBrokerUsername(%q) = %q, want %q", c.username, got, c.want)
		}
	}
}

func TestResolveConfigPath_UsesFlagWhenSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.yml")
	shared.SetConfigPathForTest(path)
	defer shared.SetConfigPathForTest("")

	got, err := resolveConfigPath()
	if err != nil {
		t.Fatalf("resolveConfigPath failed: %v", err)
	}
	if got != path {
		t.Errorf("expected %q, got %q", path, got)
	}
}

func TestResolveConfigPath_FallsBackToDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	shared.SetConfigPathForTest("")

	got, err := resolveConfigPath()
	if err != nil {
		t.Fatalf("resolveConfigPath failed: %v", err)
	}
	if got == "" {
		t.Errorf("expected a non-empty default path")
	}
}
