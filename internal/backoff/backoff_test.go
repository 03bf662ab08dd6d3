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

package backoff

import (
	"testing"
	"time"
)

func TestPolicy_Delay_LauncherSequence(t *testing.T) {
	p := Policy{Base: 500 * time.Millisecond, Factor: 3, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 1500 * time.Millisecond},
		{3, 4500 * time.Millisecond},
		{4, 10 * time.Second},
		{5, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_Delay_ClampsAttemptBelowOne(t *testing.T) {
	p := Policy{Base: 500 * time.Millisecond, Factor: 3, Max: 10 * time.Second}

	if got := p.Delay(0); got != 500*time.Millisecond {
		t.Errorf("Delay(0) = %v, want base delay", got)
	}
	if got := p.Delay(-1); got != 500*time.Millisecond {
		t.Errorf("Delay(-1) = %v, want base delay", got)
	}
}
