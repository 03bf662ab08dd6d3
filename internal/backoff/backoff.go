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

// Package backoff computes the reconnect and restart delay sequences shared
// by the Launcher's crash policy and the Editor Reverse Tunnel's reconnect
// loop: a fixed geometric sequence with a hard cap, reset on stability.
package backoff

import "time"

// Policy describes a geometric backoff sequence: delay(n) = Base *
// Factor^(n-1), capped at Max. n is 1-indexed (the first retry uses Base).
type Policy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the wait before the nth retry (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	capped := time.Duration(d)
	if capped > p.Max || d > float64(p.Max) {
		return p.Max
	}
	return capped
}
