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

// Package config loads and validates the agent's device config file: the
// YAML document that identifies the device to the platform and, in its
// provisioning variant, the bootstrap credentials used to claim one.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	agenterrors "github.com/flowfuse/device-agent/pkg/errors"
	"github.com/flowfuse/device-agent/pkg/security"
)

// DefaultPort is the local runtime port used when Config.Port is unset.
const DefaultPort = 1880

// HTTPSConfig carries TLS material for the local runtime's HTTP(S) listener.
type HTTPSConfig struct {
	KeyPath  string `yaml:"keyPath,omitempty"`
	CAPath   string `yaml:"caPath,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
}

// HTTPNodeAuth protects the runtime's HTTP node endpoints with basic auth.
// Both fields are required when this block is present at all; Pass may be
// a literal password or a bcrypt hash, same as the runtime itself accepts.
type HTTPNodeAuth struct {
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// Config is the agent's immutable-after-load device config.
type Config struct {
	// Device identity, present once claimed.
	DeviceID         string `yaml:"deviceId,omitempty"`
	Token            string `yaml:"token,omitempty"`
	CredentialSecret string `yaml:"credentialSecret,omitempty"`

	// Provisioning identity, present instead of the above when unclaimed.
	ProvisioningName  string `yaml:"provisioningName,omitempty"`
	ProvisioningTeam  string `yaml:"provisioningTeam,omitempty"`
	ProvisioningToken string `yaml:"provisioningToken,omitempty"`

	ForgeURL string `yaml:"forgeURL"`
	Port     int    `yaml:"port,omitempty"`
	Dir      string `yaml:"dir"`
	Verbose  bool   `yaml:"verbose,omitempty"`

	BrokerURL      string `yaml:"brokerURL,omitempty"`
	BrokerUsername string `yaml:"brokerUsername,omitempty"`
	BrokerPassword string `yaml:"brokerPassword,omitempty"`

	HTTPS        *HTTPSConfig  `yaml:"https,omitempty"`
	HTTPStatic   string        `yaml:"httpStatic,omitempty"`
	HTTPNodeAuth *HTTPNodeAuth `yaml:"httpNodeAuth,omitempty"`

	AutoProvisioned bool `yaml:"autoProvisioned,omitempty"`

	// ProvisioningExtras carries arbitrary user-supplied keys from the
	// original provisioning file that must be preserved verbatim into the
	// claimed device config. Populated by the loader from any YAML keys
	// not otherwise recognized.
	ProvisioningExtras map[string]interface{} `yaml:"-"`

	// path is the file this Config was loaded from, kept so WriteClaimed can
	// rewrite it in place during provisioning handoff.
	path string
}

// reservedExtraKeys MUST NOT appear in ProvisioningExtras: they name fields
// the agent itself manages and would otherwise let a provisioning payload
// clobber device identity or broker credentials.
var reservedExtraKeys = map[string]bool{
	"provisioningMode":  true,
	"provisioningName":  true,
	"provisioningTeam":  true,
	"provisioningToken": true,
	"token":             true,
	"forgeURL":          true,
	"deviceId":          true,
	"credentialSecret":  true,
	"deviceFile":        true,
	"brokerURL":         true,
	"brokerUsername":    true,
	"brokerPassword":    true,
	"autoProvisioned":   true,
	"cliSetup":          true,
}

// Load reads and parses the device config file at path.
func Load(path string) (*Config, error) {
	if warnings := security.CheckConfigPermissions(path); len(warnings) > 0 {
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, "warning:", w)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &agenterrors.ConfigError{Reason: "reading device config file", Cause: err}
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &agenterrors.ConfigError{Reason: "parsing device config file", Cause: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &agenterrors.ConfigError{Reason: "parsing device config file", Cause: err}
	}
	cfg.path = path

	// Keys that map onto other Config fields are recognized, not extras.
	recognized := map[string]bool{
		"port": true, "dir": true, "verbose": true,
		"https": true, "httpStatic": true, "httpNodeAuth": true,
	}
	cfg.ProvisioningExtras = make(map[string]interface{})
	for k, v := range raw {
		if !reservedExtraKeys[k] && !recognized[k] {
			cfg.ProvisioningExtras[k] = v
		}
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsProvisioning reports whether this config carries provisioning
// credentials instead of a claimed device identity.
func (c *Config) IsProvisioning() bool {
	return c.DeviceID == "" && c.ProvisioningToken != ""
}

// Validate checks the config is internally consistent and fatal at
// startup if not: a device must have either full identity or
// provisioning credentials, never neither, and httpNodeAuth must carry
// both fields when present.
func (c *Config) Validate() error {
	if c.ForgeURL == "" {
		return &agenterrors.ConfigError{Key: "forgeURL", Reason: "is required"}
	}

	if !c.IsProvisioning() {
		if c.DeviceID == "" {
			return &agenterrors.ConfigError{Key: "deviceId", Reason: "is required unless provisioning credentials are set"}
		}
		if c.Token == "" {
			return &agenterrors.ConfigError{Key: "token", Reason: "is required unless provisioning credentials are set"}
		}
	} else if c.ProvisioningTeam == "" {
		return &agenterrors.ConfigError{Key: "provisioningTeam", Reason: "is required when provisioningToken is set"}
	}

	if c.HTTPNodeAuth != nil {
		if c.HTTPNodeAuth.User == "" || c.HTTPNodeAuth.Pass == "" {
			return &agenterrors.ConfigError{Key: "httpNodeAuth", Reason: "user and pass are both required when httpNodeAuth is present"}
		}
	}

	return nil
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// RuntimePort returns the local runtime's HTTP port.
func (c *Config) RuntimePort() int {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

// ProjectDir returns the directory the runtime is materialized into.
func (c *Config) ProjectDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}

// DataDir returns the agent's own data directory (distinct from the
// runtime's project directory), used by the Desired-State Store and the
// credential cache.
func DataDir(cfg *Config) string {
	return filepath.Join(cfg.ProjectDir(), ".device-agent")
}

// defaultConfigDir follows the same XDG convention on every platform,
// including macOS, where ~/Library/Application Support would be more
// idiomatic but XDG_CONFIG_HOME is what operators actually set.
func defaultConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "device-agent"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	var base string
	if runtime.GOOS == "darwin" {
		// Still ~/.config on macOS, to follow XDG_CONFIG_HOME even
		// though ~/Library/Application Support is more idiomatic.
		base = filepath.Join(home, ".config")
	} else {
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "device-agent"), nil
}

// DefaultPath returns the default device config file location.
func DefaultPath() (string, error) {
	dir, err := defaultConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "device.yml"), nil
}
