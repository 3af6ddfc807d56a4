// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statuswriter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nishisan-dev/imgxfer/internal/xfererr"
)

// minFlushInterval rate-limits non-forced flushes to at most one write
// per 5s.
const minFlushInterval = 5 * time.Second

// clock is overridable by tests, so deterministic tests can fake the
// passage of time instead of sleeping real seconds.
type clock func() time.Time

// Writer sequences serialize -> write-temp -> rename for the status
// file, rate-limited, world-unreadable (mode 0400).
type Writer struct {
	path string
	now  clock

	mu  sync.Mutex
	rec *Record
}

// New creates a Writer for the given status-file path. ctime is set
// immediately and never changes again.
func New(path string) *Writer {
	return &Writer{
		path: path,
		now:  time.Now,
		rec:  newRecord(time.Now()),
	}
}

// AddLine pushes a human-readable line onto recent_output.
func (w *Writer) AddLine(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rec.addLine(s)
}

// SetListenPort records the TCP port the child advertises (import
// mode) and force-flushes: listen-port discovery bypasses the rate
// limit so a waiting client can see it immediately.
func (w *Writer) SetListenPort(port int) error {
	if port <= 0 || port >= 1<<16 {
		return fmt.Errorf("statuswriter: listen port %d out of range", port)
	}
	w.mu.Lock()
	w.rec.ListenPort = port
	w.mu.Unlock()
	return w.Flush(true)
}

// SetConnected transitions connected false->true. It is a no-op once
// already true: connected never reverts back to false. The
// false->true transition force-flushes.
func (w *Writer) SetConnected() {
	w.mu.Lock()
	already := w.rec.Connected
	w.rec.Connected = true
	w.mu.Unlock()
	if !already {
		_ = w.Flush(true)
	}
}

// SetProgress updates the derived progress fields. percent and eta are
// nil when the expected size is unknown, and set otherwise.
func (w *Writer) SetProgress(mbytes, throughput float64, percent, eta *float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rec.ProgressMBytes = mbytes
	w.rec.ProgressThroughput = throughput
	w.rec.ProgressPercent = percent
	w.rec.ProgressETA = eta
}

// SetExitStatus records the child's outcome. code==0 pairs with an
// empty msg, and a nonzero code pairs with a nonempty msg; enforced
// here so no caller can desync the two fields.
func (w *Writer) SetExitStatus(code int, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rec.ExitStatus = code
	if code == 0 {
		w.rec.ErrorMessage = ""
	} else {
		if msg == "" {
			msg = fmt.Sprintf("Exited with status %d", code)
		}
		w.rec.ErrorMessage = msg
	}
}

// Snapshot returns a copy of the current record, for tests and callers
// that need to inspect state without racing the writer's own flush.
func (w *Writer) Snapshot() Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *w.rec
	cp.RecentOutput = append([]string(nil), w.rec.RecentOutput...)
	return cp
}

// Flush serializes and writes the status file, unless force is false
// and the last flush was under 5s ago.
func (w *Writer) Flush(force bool) error {
	w.mu.Lock()
	now := w.now()
	if !force && !w.rec.Mtime.IsZero() && now.Sub(w.rec.Mtime) < minFlushInterval {
		w.mu.Unlock()
		return nil
	}
	w.rec.Mtime = now
	data, err := serialize(w.rec)
	w.mu.Unlock()
	if err != nil {
		return xfererr.Wrap(xfererr.KindUnhandled, "serializing status record", err)
	}
	return writeAtomic(w.path, data)
}

// writeAtomic gives readers either the previous fully-written record
// or the new one, never a torn write: write to a temp file in the same
// directory, chmod to owner-read-only, then rename over the target.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return xfererr.Wrap(xfererr.KindUnhandled, "creating temp status file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return xfererr.Wrap(xfererr.KindUnhandled, "writing temp status file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return xfererr.Wrap(xfererr.KindUnhandled, "closing temp status file", err)
	}
	if err := os.Chmod(tmpPath, 0400); err != nil {
		os.Remove(tmpPath)
		return xfererr.Wrap(xfererr.KindUnhandled, "chmod temp status file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return xfererr.Wrap(xfererr.KindUnhandled, "renaming status file into place", err)
	}
	return nil
}
