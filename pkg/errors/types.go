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

package errors

import (
	"fmt"
	"time"
)

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "project", "snapshot", "credential")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for device config file errors, missing settings, or invalid values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "deviceId", "forgeURL")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "snapshot download", "editor handshake")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// PlatformError represents a refusal or failure signaled by the platform's
// control plane, either over HTTP status codes or tunnel/broker close codes.
// Use this to distinguish terminal refusals (the device has been deleted,
// or its credentials were revoked) from transient transport failures, which
// should be retried instead.
type PlatformError struct {
	// StatusCode is the HTTP status or protocol close code the platform returned.
	StatusCode int

	// Message is the platform's explanation, if one was provided.
	Message string
}

// Error implements the error interface.
func (e *PlatformError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("platform refused request (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("platform refused request (%d)", e.StatusCode)
}

// Terminal reports whether this refusal means the device should stop
// retrying and fall back into its unprovisioned state rather than keep
// reconnecting. 401 (bad/expired credential), 402 (team suspended/over
// plan limits) and 404 (device deleted on the platform) are terminal,
// along with their tunnel/broker close-code equivalents; everything
// else is treated as transient.
func (e *PlatformError) Terminal() bool {
	switch e.StatusCode {
	case 401, 402, 404, 4004, 1008:
		return true
	default:
		return false
	}
}
