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

package logring

import (
	"strconv"
	"testing"
	"time"

	"github.com/flowfuse/device-agent/internal/model"
)

func TestRing_OrderingStrictlyIncreasing(t *testing.T) {
	r := New(10, nil)

	// Pin the clock so every Add in this loop lands in the same
	// millisecond, exercising the intra-ms counter.
	fixed := time.UnixMilli(1_700_000_000_000)
	r.nowFunc = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		r.Add(model.LogRecord{Level: "info", Msg: "x", Src: model.LogSrcAgent})
	}

	records := r.Snapshot()
	for i := 1; i < len(records); i++ {
		if records[i-1].Ts >= records[i].Ts {
			t.Fatalf("records not strictly increasing: %q >= %q", records[i-1].Ts, records[i].Ts)
		}
	}
}

func TestRing_WrapsWhenFull(t *testing.T) {
	r := New(3, nil)
	for i := 0; i < 5; i++ {
		r.Add(model.LogRecord{Level: "info", Msg: strconv.Itoa(i), Src: model.LogSrcAgent})
	}

	records := r.Snapshot()
	if len(records) != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", len(records))
	}
	// Only the last 3 adds (2,3,4) should survive, oldest first.
	want := []string{"2", "3", "4"}
	for i, rec := range records {
		if rec.Msg != want[i] {
			t.Errorf("records[%d].Msg = %q, want %q", i, rec.Msg, want[i])
		}
	}
}

func TestRing_SnapshotBeforeFull(t *testing.T) {
	r := New(10, nil)
	r.Add(model.LogRecord{Level: "info", Msg: "a", Src: model.LogSrcAgent})
	r.Add(model.LogRecord{Level: "info", Msg: "b", Src: model.LogSrcAgent})

	records := r.Snapshot()
	if len(records) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(records))
	}
	if records[0].Msg != "a" || records[1].Msg != "b" {
		t.Errorf("Snapshot() order = %v, want [a b]", records)
	}
}

func TestRing_PreservesExplicitTimestamp(t *testing.T) {
	r := New(10, nil)
	r.Add(model.LogRecord{Ts: "explicit", Level: "info", Msg: "a", Src: model.LogSrcAgent})

	records := r.Snapshot()
	if records[0].Ts != "explicit" {
		t.Errorf("Ts = %q, want %q", records[0].Ts, "explicit")
	}
}

func TestRing_LenTracksSize(t *testing.T) {
	r := New(3, nil)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	r.Add(model.LogRecord{Level: "info", Msg: "a", Src: model.LogSrcAgent})
	r.Add(model.LogRecord{Level: "info", Msg: "b", Src: model.LogSrcAgent})
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	r.Add(model.LogRecord{Level: "info", Msg: "c", Src: model.LogSrcAgent})
	r.Add(model.LogRecord{Level: "info", Msg: "d", Src: model.LogSrcAgent})
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (capped)", r.Len())
	}
}
