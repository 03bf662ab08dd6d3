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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	agenterrors "github.com/flowfuse/device-agent/pkg/errors"
)

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *agenterrors.NotFoundError
		wantMsg string
	}{
		{
			name: "snapshot not found",
			err: &agenterrors.NotFoundError{
				Resource: "snapshot",
				ID:       "snap-123",
			},
			wantMsg: "snapshot not found: snap-123",
		},
		{
			name: "credential not found",
			err: &agenterrors.NotFoundError{
				Resource: "credential",
				ID:       "device-token",
			},
			wantMsg: "credential not found: device-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *agenterrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &agenterrors.ConfigError{
				Key:    "forgeURL",
				Reason: "url is invalid",
			},
			wantMsg: "config error at forgeURL: url is invalid",
		},
		{
			name: "without key",
			err: &agenterrors.ConfigError{
				Reason: "file not found",
			},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &agenterrors.ConfigError{
		Key:    "config",
		Reason: "failed to load",
		Cause:  cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *agenterrors.TimeoutError
		want    []string
		notWant []string
	}{
		{
			name: "snapshot download timeout",
			err: &agenterrors.TimeoutError{
				Operation: "snapshot download",
				Duration:  30 * time.Second,
			},
			want:    []string{"snapshot download", "30s"},
			notWant: []string{},
		},
		{
			name: "editor handshake timeout",
			err: &agenterrors.TimeoutError{
				Operation: "editor handshake",
				Duration:  2 * time.Minute,
			},
			want:    []string{"editor handshake", "2m0s"},
			notWant: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(got, notWant) {
					t.Errorf("TimeoutError.Error() = %q, should not contain %q", got, notWant)
				}
			}
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &agenterrors.TimeoutError{
		Operation: "test",
		Duration:  5 * time.Second,
		Cause:     cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestPlatformError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *agenterrors.PlatformError
		wantMsg string
	}{
		{
			name:    "with message",
			err:     &agenterrors.PlatformError{StatusCode: 401, Message: "invalid credential"},
			wantMsg: "platform refused request (401): invalid credential",
		},
		{
			name:    "without message",
			err:     &agenterrors.PlatformError{StatusCode: 404},
			wantMsg: "platform refused request (404)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("PlatformError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestPlatformError_Terminal(t *testing.T) {
	tests := []struct {
		statusCode int
		terminal   bool
	}{
		{401, true},
		{402, true},
		{404, true},
		{4004, true},
		{1008, true},
		{500, false},
		{503, false},
	}

	for _, tt := range tests {
		err := &agenterrors.PlatformError{StatusCode: tt.statusCode}
		if got := err.Terminal(); got != tt.terminal {
			t.Errorf("PlatformError{StatusCode: %d}.Terminal() = %v, want %v", tt.statusCode, got, tt.terminal)
		}
	}
}

// Test error wrapping with fmt.Errorf
func TestErrorWrapping(t *testing.T) {
	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &agenterrors.NotFoundError{
			Resource: "snapshot",
			ID:       "test",
		}
		wrapped := fmt.Errorf("loading snapshot: %w", original)

		var target *agenterrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "snapshot" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "snapshot")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &agenterrors.ConfigError{
			Key:    "deviceId",
			Reason: "missing required field",
			Cause:  rootCause,
		}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *agenterrors.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("context deadline exceeded")
		timeoutErr := &agenterrors.TimeoutError{
			Operation: "test",
			Duration:  5 * time.Second,
			Cause:     rootCause,
		}
		wrapped := fmt.Errorf("operation timeout: %w", timeoutErr)

		var target *agenterrors.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

// Test errors.Is behavior
func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &agenterrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
