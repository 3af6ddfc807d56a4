// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package statuswriter owns the progress record mutated by the rest of
// the supervisor and persists it to the status file the orchestrator
// polls, rate-limited against a flood of writes.
package statuswriter

import "time"

// maxRecentLines bounds recent_output so the file can't grow without bound.
const maxRecentLines = 20

// Record is the in-memory status snapshot: mutated by the progress
// parser and the event loop, read only by the writer that flushes it.
type Record struct {
	Ctime time.Time
	Mtime time.Time // zero value means "never flushed"

	RecentOutput []string

	ListenPort int
	Connected  bool

	ProgressMBytes     float64
	ProgressThroughput float64 // MiB/s
	ProgressPercent    *float64
	ProgressETA        *float64 // seconds

	ExitStatus   int
	ErrorMessage string
}

// newRecord creates a Record with ctime set once and never touched again.
func newRecord(now time.Time) *Record {
	return &Record{Ctime: now}
}

// addLine pushes onto RecentOutput, dropping the oldest entry past
// maxRecentLines.
func (r *Record) addLine(s string) {
	r.RecentOutput = append(r.RecentOutput, s)
	if over := len(r.RecentOutput) - maxRecentLines; over > 0 {
		r.RecentOutput = r.RecentOutput[over:]
	}
}
