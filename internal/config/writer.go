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

package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flowfuse/device-agent/pkg/security"
)

// ClaimedCredentials is what the platform returns when a provisioning
// device is claimed.
type ClaimedCredentials struct {
	DeviceID       string
	Token          string
	BrokerURL      string
	BrokerUsername string
	BrokerPassword string
}

// WriteClaimed rewrites c's backing file in place, replacing the
// provisioning identity with device identity and merging in extras
// verbatim, then returns the reloaded Config so the caller can relaunch
// its control loop against it rather than mutate the running instance.
func (c *Config) WriteClaimed(creds ClaimedCredentials, extras map[string]interface{}) (*Config, error) {
	doc := map[string]interface{}{
		"deviceId":  creds.DeviceID,
		"token":     creds.Token,
		"forgeURL":  c.ForgeURL,
		"port":      c.Port,
		"dir":       c.Dir,
		"verbose":   c.Verbose,
		"brokerURL": creds.BrokerURL,
	}
	if creds.BrokerUsername != "" {
		doc["brokerUsername"] = creds.BrokerUsername
	}
	if creds.BrokerPassword != "" {
		doc["brokerPassword"] = creds.BrokerPassword
	}
	if c.CredentialSecret != "" {
		doc["credentialSecret"] = c.CredentialSecret
	}
	if c.HTTPS != nil {
		doc["https"] = c.HTTPS
	}
	if c.HTTPNodeAuth != nil {
		doc["httpNodeAuth"] = c.HTTPNodeAuth
	}
	doc["autoProvisioned"] = true

	for k, v := range extras {
		if reservedExtraKeys[k] {
			continue
		}
		doc[k] = v
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling claimed device config: %w", err)
	}

	fileMode, _ := security.DeterminePermissions(c.path)
	if err := security.WriteFileAtomic(c.path, data, fileMode); err != nil {
		return nil, fmt.Errorf("writing claimed device config: %w", err)
	}

	return Load(c.path)
}
