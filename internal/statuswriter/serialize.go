// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statuswriter

import (
	"encoding/json"
	"time"
)

// wireRecord is the self-describing JSON-shaped text format written to
// disk: a dedicated wire struct kept separate from the live, mutable
// Record.
type wireRecord struct {
	Ctime string `json:"ctime"`
	Mtime string `json:"mtime,omitempty"`

	RecentOutput []string `json:"recent_output"`

	ListenPort int  `json:"listen_port,omitempty"`
	Connected  bool `json:"connected"`

	ProgressMBytes     float64  `json:"progress_mbytes"`
	ProgressThroughput float64  `json:"progress_throughput"`
	ProgressPercent    *float64 `json:"progress_percent,omitempty"`
	ProgressETA        *float64 `json:"progress_eta,omitempty"`

	ExitStatus   int    `json:"exit_status"`
	ErrorMessage string `json:"error_message"`
}

func serialize(r *Record) ([]byte, error) {
	w := wireRecord{
		Ctime:              r.Ctime.UTC().Format(time.RFC3339Nano),
		RecentOutput:       r.RecentOutput,
		ListenPort:         r.ListenPort,
		Connected:          r.Connected,
		ProgressMBytes:     r.ProgressMBytes,
		ProgressThroughput: r.ProgressThroughput,
		ProgressPercent:    r.ProgressPercent,
		ProgressETA:        r.ProgressETA,
		ExitStatus:         r.ExitStatus,
		ErrorMessage:       r.ErrorMessage,
	}
	if w.RecentOutput == nil {
		w.RecentOutput = []string{}
	}
	if !r.Mtime.IsZero() {
		w.Mtime = r.Mtime.UTC().Format(time.RFC3339Nano)
	}
	return json.MarshalIndent(w, "", "  ")
}
