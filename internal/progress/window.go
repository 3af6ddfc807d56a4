// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package progress implements the sliding-window throughput estimator
// and copier-status parsing.
package progress

import "time"

// windowSize is 12 samples at a nominal 5s cadence, covering a 60s
// horizon.
const windowSize = 12

const mib = 1 << 20

// Sample is a point-in-time cumulative byte count.
type Sample struct {
	At    time.Time
	Bytes int64
}

// window is a bounded FIFO of the most recent samples.
type window struct {
	samples []Sample
}

func (w *window) add(s Sample) {
	w.samples = append(w.samples, s)
	if over := len(w.samples) - windowSize; over > 0 {
		w.samples = w.samples[over:]
	}
}

// throughputMiBps is the rate between the oldest and newest sample
// currently in the window, in MiB/s, or 0 before two samples exist.
func (w *window) throughputMiBps() float64 {
	if len(w.samples) < 2 {
		return 0
	}
	first := w.samples[0]
	last := w.samples[len(w.samples)-1]
	dt := last.At.Sub(first.At).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.Bytes-first.Bytes) / dt / mib
}

// rateBytesPerSec is the same window rate in raw bytes/s, used for ETA.
func (w *window) rateBytesPerSec() float64 {
	if len(w.samples) < 2 {
		return 0
	}
	first := w.samples[0]
	last := w.samples[len(w.samples)-1]
	dt := last.At.Sub(first.At).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.Bytes-first.Bytes) / dt
}
