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

// Package secrets stores the device's platform credential (the token
// minted during provisioning) outside of the YAML device config file.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/flowfuse/device-agent/pkg/security"
)

const keychainService = "flowfuse-device-agent"

// ErrNotFound is returned when no credential has been stored yet.
var ErrNotFound = errors.New("credential not found")

// Store persists the device's platform token. It prefers the OS keychain
// and falls back to a 0600 file under the agent's state directory when
// the keychain is unavailable, e.g. on a headless Linux box with no
// Secret Service provider running.
type Store struct {
	stateDir        string
	keychainWorking bool
}

// New creates a Store rooted at stateDir, which is used for the fallback
// credential file if the keychain cannot be reached.
func New(stateDir string) *Store {
	s := &Store{stateDir: stateDir}
	s.keychainWorking = probeKeychain()
	return s
}

// probeKeychain does a harmless read to detect a locked or absent keyring
// service up front, rather than discovering it on the first real Set/Get.
func probeKeychain() bool {
	_, err := keyring.Get(keychainService, "__availability_probe__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return false
	}
	return true
}

// Get returns the token stored for deviceID.
func (s *Store) Get(deviceID string) (string, error) {
	if s.keychainWorking {
		value, err := keyring.Get(keychainService, deviceID)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("keychain error: %w", err)
		}
	}

	value, err := s.readFallback(deviceID)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

// Set stores a token for deviceID, overwriting any previous value.
func (s *Store) Set(deviceID, token string) error {
	if s.keychainWorking {
		if err := keyring.Set(keychainService, deviceID, token); err == nil {
			return nil
		}
		// Keychain rejected the write (locked, no dbus session, etc); fall
		// through to the file-backed store for the rest of this process.
		s.keychainWorking = false
	}

	return s.writeFallback(deviceID, token)
}

// Delete removes a stored token, used when a device is deprovisioned.
func (s *Store) Delete(deviceID string) error {
	if s.keychainWorking {
		if err := keyring.Delete(keychainService, deviceID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("keychain error: %w", err)
		}
	}

	path := s.fallbackPath(deviceID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) fallbackPath(deviceID string) string {
	safe := strings.ReplaceAll(deviceID, string(filepath.Separator), "_")
	return filepath.Join(s.stateDir, "credentials", safe+".token")
}

func (s *Store) readFallback(deviceID string) (string, error) {
	data, err := os.ReadFile(s.fallbackPath(deviceID))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) writeFallback(deviceID, token string) error {
	path := s.fallbackPath(deviceID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}
	return security.WriteFileAtomic(path, []byte(token), 0600)
}
