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

// Package logring implements the agent's bounded in-memory log buffer:
// every log record the agent or the runtime produces passes through it
// on the way to the broker's log-publish topic.
package logring

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowfuse/device-agent/internal/model"
)

// DefaultSize is the default ring capacity.
const DefaultSize = 1000

// Ring is a fixed-capacity circular buffer of log records with a
// monotone composite timestamp: a millisecond wall-clock value
// concatenated with a 4-digit counter that increments for records
// produced within the same millisecond, so ordering survives even
// at sub-millisecond log rates.
type Ring struct {
	mu       sync.Mutex
	records  []model.LogRecord
	head     int
	size     int
	cap      int
	lastMs   int64
	subMs    int
	nowFunc  func() time.Time
	console  *slog.Logger
}

// New creates a Ring with the given capacity. A capacity <= 0 uses DefaultSize.
func New(capacity int, console *slog.Logger) *Ring {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	if console == nil {
		console = slog.Default()
	}
	return &Ring{
		records: make([]model.LogRecord, capacity),
		cap:     capacity,
		nowFunc: time.Now,
		console: console,
	}
}

// Add appends a record, assigning it a composite timestamp if none is set.
// Records at level "system" are also echoed to the process console.
func (r *Ring) Add(rec model.LogRecord) {
	r.mu.Lock()
	if rec.Ts == "" {
		rec.Ts = r.nextTs()
	}
	r.records[r.head] = rec
	r.head = (r.head + 1) % r.cap
	if r.size < r.cap {
		r.size++
	}
	r.mu.Unlock()

	if rec.Level == model.LogLevelSystem {
		r.console.Info(rec.Msg, "src", rec.Src)
	}
}

// nextTs computes the next composite timestamp. Caller holds r.mu.
func (r *Ring) nextTs() string {
	ms := r.nowFunc().UnixMilli()
	if ms == r.lastMs {
		r.subMs++
	} else {
		r.lastMs = ms
		r.subMs = 0
	}
	return fmt.Sprintf("%d%04d", ms, r.subMs)
}

// Snapshot returns the buffered records ordered oldest-to-newest.
func (r *Ring) Snapshot() []model.LogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.LogRecord, r.size)
	if r.size < r.cap {
		copy(out, r.records[:r.size])
		return out
	}
	// Full ring: oldest record is at head (next overwrite position).
	copy(out, r.records[r.head:])
	copy(out[r.cap-r.head:], r.records[:r.head])
	return out
}

// Len returns the number of records currently buffered.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
