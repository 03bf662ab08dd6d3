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

// Package store persists the agent's Desired-State Record — the tuple
// {project, snapshot, settings, mode} — to a single JSON file in the
// agent's data directory, written atomically after every accepted
// reconciliation step.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/flowfuse/device-agent/internal/model"
	"github.com/flowfuse/device-agent/pkg/security"
)

const fileName = "device-state.json"

// Store reads and writes the Desired-State Record.
type Store struct {
	path string
	log  *slog.Logger
}

// New creates a Store rooted at dataDir.
func New(dataDir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: filepath.Join(dataDir, fileName), log: log}
}

// legacyRecord is the pre-v1 on-disk shape: a bare snapshot blob with a
// top-level id, and device settings nested under "device".
type legacyRecord struct {
	ID     string          `json:"id"`
	Device json.RawMessage `json:"device"`
}

// Load returns the persisted record, or an empty record if none exists or
// the file is corrupt. A corrupt file is logged and treated as absent —
// it must never prevent agent startup.
func (s *Store) Load() model.DesiredStateRecord {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("desired-state file unreadable, treating as absent", "path", s.path, "error", err)
		}
		return model.DesiredStateRecord{}
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		s.log.Warn("desired-state file corrupt, treating as absent", "path", s.path, "error", err)
		return model.DesiredStateRecord{}
	}

	if _, hasLegacyID := probe["id"]; hasLegacyID {
		return s.migrateLegacy(data)
	}

	var rec model.DesiredStateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn("desired-state file corrupt, treating as absent", "path", s.path, "error", err)
		return model.DesiredStateRecord{}
	}
	return rec
}

// migrateLegacy promotes a top-level {id, ...} snapshot blob plus a nested
// "device" object (the old settings shape) into the current record shape.
// project and mode have no legacy equivalent and are left nil.
func (s *Store) migrateLegacy(data []byte) model.DesiredStateRecord {
	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		s.log.Warn("legacy desired-state file corrupt, treating as absent", "path", s.path, "error", err)
		return model.DesiredStateRecord{}
	}

	var snapshot model.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.log.Warn("legacy snapshot blob corrupt, treating as absent", "path", s.path, "error", err)
		return model.DesiredStateRecord{}
	}
	snapshot.ID = legacy.ID

	rec := model.DesiredStateRecord{Snapshot: &snapshot}
	if len(legacy.Device) > 0 {
		var settings model.Settings
		if err := json.Unmarshal(legacy.Device, &settings); err == nil {
			rec.Settings = &settings
		}
	}

	s.log.Info("migrated legacy desired-state file", "path", s.path)
	return rec
}

// Save atomically persists rec, replacing whatever was there before.
func (s *Store) Save(rec model.DesiredStateRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	fileMode, _ := security.DeterminePermissions(s.path)
	return security.WriteFileAtomic(s.path, data, fileMode)
}
