// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package eventloop

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/nishisan-dev/imgxfer/internal/config"
	"github.com/nishisan-dev/imgxfer/internal/progress"
	"github.com/nishisan-dev/imgxfer/internal/sigbridge"
	"github.com/nishisan-dev/imgxfer/internal/statuswriter"
)

func newTestLoop(t *testing.T, mode config.Mode, connectTimeout time.Duration, kill KillFunc) (*Loop, *statuswriter.Writer) {
	t.Helper()
	dir := t.TempDir()
	w := statuswriter.New(filepath.Join(dir, "status.json"))
	p := progress.New(w, false, 0, nil)
	bridge := sigbridge.New(nil)
	return New(nil, mode, connectTimeout, bridge, p, w, kill), w
}

func TestLoop_EOFDrainsFdmapToWakeupOnly(t *testing.T) {
	dataR, dataW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	wakeR, _, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	l, _ := newTestLoop(t, config.ModeImport, 0, func(syscall.Signal) error { return nil })
	if err := l.Register(int(dataR.Fd()), progress.StreamChildOther); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := l.RegisterWakeup(int(wakeR.Fd())); err != nil {
		t.Fatalf("RegisterWakeup: %v", err)
	}

	dataW.Close() // immediate EOF on the data stream

	done := make(chan struct{})
	var clean bool
	var runErr error
	go func() {
		clean, runErr = l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the only data descriptor EOF'd")
	}
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if !clean {
		t.Fatal("expected a clean shutdown (all pipes EOF'd)")
	}
}

func TestLoop_ConnectTimeoutEscalatesToSigterm(t *testing.T) {
	wakeR, _, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	// A data pipe that is never closed during the test, standing in
	// for the child's still-open stderr stream, so the fdmap doesn't
	// collapse to "only the wakeup descriptor" before the escalation
	// logic gets a chance to run.
	dataR, dataW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() { dataW.Close() })

	killed := make(chan syscall.Signal, 1)
	l, w := newTestLoop(t, config.ModeImport, 1*time.Second, func(sig syscall.Signal) error {
		killed <- sig
		return nil
	})
	if err := l.RegisterWakeup(int(wakeR.Fd())); err != nil {
		t.Fatalf("RegisterWakeup: %v", err)
	}
	if err := l.Register(int(dataR.Fd()), progress.StreamChildOther); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Fake a clock that jumps straight past the connect-timeout deadline
	// on the second call, so the test doesn't need to sleep real time.
	calls := 0
	base := time.Now()
	l.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(2 * time.Second)
	}

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case sig := <-killed:
		if sig != syscall.SIGTERM {
			t.Fatalf("expected SIGTERM, got %v", sig)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connect-timeout escalation did not fire")
	}

	snap := w.Snapshot()
	found := false
	for _, line := range snap.RecentOutput {
		if line != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the connect-timeout escalation to record a recent_output line")
	}

	// Now let the exit-timeout itself expire so Run returns, to avoid
	// leaking the goroutine past the test.
	l.now = func() time.Time { return base.Add(10 * time.Second) }
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the exit-timeout expired")
	}
}
