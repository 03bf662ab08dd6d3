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

// Package httpcontrol is the agent's HTTP control-plane client: snapshot
// and settings retrieval, checkin reporting, editor token verification,
// audit event posting, and the provisioning claim poll. When no broker is
// configured it also drives the agent's entire polling loop.
package httpcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	agenterrors "github.com/flowfuse/device-agent/pkg/errors"
	"github.com/flowfuse/device-agent/pkg/httpclient"
)

// DefaultTimeout is the per-request timeout absent an explicit override.
const DefaultTimeout = 2 * time.Second

// DefaultPollInterval is how often checkIn() runs in polling mode when the
// platform doesn't specify one.
const DefaultPollInterval = 30 * time.Second

// tokenCacheTTL is how long a verifyEditorToken result is cached per token.
const tokenCacheTTL = 30 * time.Second

// Client is the device agent's authenticated client for the platform's
// device control-plane HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string

	mu         sync.Mutex
	tokenCache map[string]cachedVerification
}

type cachedVerification struct {
	result    VerifyResult
	expiresAt time.Time
}

// New creates a Client talking to baseURL (the platform's forgeURL) with
// bearer token authentication. The underlying transport is proxy-aware via
// net/http's standard ProxyFromEnvironment (http_proxy/https_proxy/no_proxy).
func New(baseURL, token string) (*Client, error) {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = DefaultTimeout
	cfg.RetryAttempts = 0 // callers choose whether to retry
	cfg.UserAgent = "flowfuse-device-agent/1.0"

	hc, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("building control-plane http client: %w", err)
	}

	return &Client{
		httpClient: hc,
		baseURL:    baseURL,
		token:      token,
		userAgent:  cfg.UserAgent,
		tokenCache: make(map[string]cachedVerification),
	}, nil
}

func (c *Client) addAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("building request url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &agenterrors.PlatformError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, http.MethodPost, path, reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	// An empty response body leaves out untouched rather than failing.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}
