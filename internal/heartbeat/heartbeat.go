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

// Package heartbeat periodically scrapes the local runtime's Prometheus
// text-format metrics endpoint and folds resource usage into the
// CheckinState.Health the broker status publish and HTTP checkin carry.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	agentlog "github.com/flowfuse/device-agent/internal/log"
	"github.com/flowfuse/device-agent/internal/model"
)

// DefaultInterval is the sample period when none is configured.
const DefaultInterval = 30 * time.Second

// Metric family names the runtime's prom-client registry exposes.
const (
	metricResidentMemory = "process_resident_memory_bytes"
	metricCPUSeconds     = "process_cpu_seconds_total"
	metricEventLoopMean  = "nodejs_eventloop_lag_mean_seconds"
	metricEventLoopP99   = "nodejs_eventloop_lag_p99_seconds"
	metricNodeRedMsgs    = "nodered_messages_total"
	metricNodeReceive    = "node_receive_events_total"
	metricNodeSend       = "node_send_events_total"
)

// Sampler scrapes one runtime metrics endpoint on an interval, computing
// CPU% from the delta of the cumulative process_cpu_seconds_total counter
// between consecutive samples.
type Sampler struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      *slog.Logger

	mu          sync.Mutex
	prevCPUSecs float64
	prevSample  time.Time
	havePrev    bool
}

// New creates a Sampler against the runtime's /metrics endpoint. A zero
// interval uses DefaultInterval.
func New(metricsURL string, interval time.Duration, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      agentlog.WithComponent(log, "heartbeat"),
	}
}

// Run samples on Sampler's interval until ctx is cancelled, invoking
// onSample with each successful reading. Scrape failures (runtime not up
// yet, connection refused) are logged at debug level and skipped rather
// than treated as fatal — a missed sample just means stale health fields
// on the next checkin.
func (s *Sampler) Run(ctx context.Context, onSample func(model.Health)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health, err := s.Sample(ctx)
			if err != nil {
				s.log.Debug("metrics scrape failed", "error", err)
				continue
			}
			onSample(health)
		}
	}
}

// Sample performs one scrape-and-parse pass, returning the subset of
// model.Health this package is responsible for (uptime and restart count
// belong to the control loop and are left zero here).
func (s *Sampler) Sample(ctx context.Context) (model.Health, error) {
	families, err := s.scrape(ctx)
	if err != nil {
		return model.Health{}, err
	}

	now := time.Now()
	cpuSecs, haveCPU := counterValue(families, metricCPUSeconds)

	health := model.Health{
		MemoryMB:             bytesToMB(gaugeValue(families, metricResidentMemory)),
		EventLoopLagMeanMS:   secondsToMS(gaugeValue(families, metricEventLoopMean)),
		EventLoopLagP99MS:    secondsToMS(gaugeValue(families, metricEventLoopP99)),
		NodeRedMessagesTotal: counterValueOrZero(families, metricNodeRedMsgs),
		NodeReceiveEvents:    counterValueOrZero(families, metricNodeReceive),
		NodeSendEvents:       counterValueOrZero(families, metricNodeSend),
	}

	s.mu.Lock()
	if haveCPU {
		if s.havePrev {
			elapsed := now.Sub(s.prevSample).Seconds()
			delta := cpuSecs - s.prevCPUSecs
			if elapsed > 0 && delta >= 0 {
				health.CPUPercent = (delta / elapsed) * 100
			}
			// delta < 0 means the runtime process restarted and the
			// counter reset; CPUPercent stays 0 for this sample.
		}
		s.prevCPUSecs = cpuSecs
		s.prevSample = now
		s.havePrev = true
	}
	s.mu.Unlock()

	return health, nil
}

func (s *Sampler) scrape(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scraping metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned status %d", resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing metrics text: %w", err)
	}
	return families, nil
}

func gaugeValue(families map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := families[name]
	if !ok || len(fam.Metric) == 0 {
		return 0
	}
	m := fam.Metric[0]
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}
	if u := m.GetUntyped(); u != nil {
		return u.GetValue()
	}
	return 0
}

func counterValue(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	fam, ok := families[name]
	if !ok || len(fam.Metric) == 0 {
		return 0, false
	}
	m := fam.Metric[0]
	if c := m.GetCounter(); c != nil {
		return c.GetValue(), true
	}
	if u := m.GetUntyped(); u != nil {
		return u.GetValue(), true
	}
	return 0, false
}

func counterValueOrZero(families map[string]*dto.MetricFamily, name string) float64 {
	v, _ := counterValue(families, name)
	return v
}

func bytesToMB(b float64) float64 {
	return b / (1024 * 1024)
}

func secondsToMS(s float64) float64 {
	return s * 1000
}
