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

package httpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowfuse/device-agent/internal/model"
	agenterrors "github.com/flowfuse/device-agent/pkg/errors"
)

func TestGetSnapshot_ParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/devices/dev-1/live/snapshot" {
			t.Errorf("path = %q, want live/snapshot", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want Bearer tok-1", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "s1", "name": "my flows"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "tok-1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	snap, err := c.GetSnapshot(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.ID != "s1" {
		t.Errorf("snap.ID = %q, want s1", snap.ID)
	}
}

func TestCheckIn_ReturnsDesiredState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"desiredState": map[string]interface{}{"project": "p1"},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "tok-1")
	resp, err := c.CheckIn(context.Background(), "dev-1", testCheckinState())
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if resp.DesiredState == nil || *resp.DesiredState.Project != "p1" {
		t.Errorf("DesiredState = %+v, want project p1", resp.DesiredState)
	}
}

func TestCheckIn_PropagatesPlatformError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "tok-1")
	_, err := c.CheckIn(context.Background(), "dev-1", testCheckinState())
	if err == nil {
		t.Fatal("CheckIn() error = nil, want PlatformError for 409")
	}
	var perr *agenterrors.PlatformError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want wrapped PlatformError", err)
	}
	if perr.StatusCode != http.StatusConflict {
		t.Errorf("StatusCode = %d, want 409", perr.StatusCode)
	}
}

func TestVerifyEditorToken_CachesResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"username": "u1", "permissions": []string{"read"}})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "tok-1")
	for i := 0; i < 3; i++ {
		result, err := c.VerifyEditorToken(context.Background(), "dev-1", "editor-tok")
		if err != nil {
			t.Fatalf("VerifyEditorToken() error = %v", err)
		}
		if result.Username != "u1" {
			t.Errorf("Username = %q, want u1", result.Username)
		}
	}
	if calls != 1 {
		t.Errorf("platform calls = %d, want 1 (cached)", calls)
	}
}

func TestPollForAssignment_NotYetClaimed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"claimed": false})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "")
	resp, err := c.PollForAssignment(context.Background(), "team-1", "ptok-1")
	if err != nil {
		t.Fatalf("PollForAssignment() error = %v", err)
	}
	if resp != nil {
		t.Errorf("resp = %+v, want nil when not yet claimed", resp)
	}
}

func TestPollForAssignment_Claimed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"claimed": true,
			"device": map[string]interface{}{
				"deviceId":           "dev-1",
				"token":              "tok-1",
				"provisioningExtras": map[string]interface{}{"httpStatic": "/data"},
			},
		})
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "")
	resp, err := c.PollForAssignment(context.Background(), "team-1", "ptok-1")
	if err != nil {
		t.Fatalf("PollForAssignment() error = %v", err)
	}
	if resp == nil || resp.DeviceID != "dev-1" {
		t.Fatalf("resp = %+v, want claimed device dev-1", resp)
	}
	if resp.ProvisioningExtras["httpStatic"] != "/data" {
		t.Errorf("ProvisioningExtras = %v, want httpStatic preserved", resp.ProvisioningExtras)
	}
}

func TestPostAudit_SendsToDeviceIDFromContext(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "tok-1")
	ctx := WithDeviceID(context.Background(), "dev-1")
	if err := c.PostAudit(ctx, "flows.set", nil); err != nil {
		t.Fatalf("PostAudit() error = %v", err)
	}
	if gotPath != "/logging/device/dev-1/audit" {
		t.Errorf("path = %q, want logging/device/dev-1/audit", gotPath)
	}
}

func testCheckinState() model.CheckinState {
	return model.CheckinState{State: model.StateRunning, AgentVersion: "test"}
}
