// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package progress

import (
	"syscall"
	"testing"
	"time"
)

type fakeSink struct {
	lines      []string
	listenPort int
	connected  bool

	mbytes     float64
	throughput float64
	percent    *float64
	eta        *float64
}

func (f *fakeSink) AddLine(s string) { f.lines = append(f.lines, s) }
func (f *fakeSink) SetListenPort(p int) error {
	f.listenPort = p
	return nil
}
func (f *fakeSink) SetConnected() { f.connected = true }
func (f *fakeSink) SetProgress(mbytes, throughput float64, percent, eta *float64) {
	f.mbytes = mbytes
	f.throughput = throughput
	f.percent = percent
	f.eta = eta
}

func TestWindow_ThroughputBeforeTwoSamples(t *testing.T) {
	var w window
	if w.throughputMiBps() != 0 {
		t.Fatal("expected 0 throughput with no samples")
	}
	w.add(Sample{At: time.Unix(0, 0), Bytes: 100})
	if w.throughputMiBps() != 0 {
		t.Fatal("expected 0 throughput with a single sample")
	}
}

func TestWindow_ThroughputMatchesFormula(t *testing.T) {
	var w window
	base := time.Unix(1000, 0)
	for i := 0; i < 15; i++ {
		w.add(Sample{At: base.Add(time.Duration(i) * 5 * time.Second), Bytes: int64(i) * mib})
	}
	// Window keeps the last 12 samples: indices 3..14.
	got := w.throughputMiBps()
	first := w.samples[0]
	last := w.samples[len(w.samples)-1]
	want := float64(last.Bytes-first.Bytes) / last.At.Sub(first.At).Seconds() / mib
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
	if len(w.samples) != windowSize {
		t.Fatalf("expected window capped at %d, got %d", windowSize, len(w.samples))
	}
}

func TestParser_CopierStatusDrivesProgress(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, true, 1048576, nil)

	base := time.Unix(2000, 0)
	tick := base
	p.now = func() time.Time { return tick }

	p.Push(StreamCopierStatus, []byte("0 bytes (0 B) copied, 0 s, 0 B/s\n"))
	tick = tick.Add(1 * time.Second)
	p.Push(StreamCopierStatus, []byte("1048576 bytes (1.0 MB) copied, 1 s, 1.0 MB/s\n"))

	if sink.mbytes != 1.0 {
		t.Errorf("expected mbytes 1.0, got %v", sink.mbytes)
	}
	if sink.percent == nil || *sink.percent != 100 {
		t.Errorf("expected percent 100, got %v", sink.percent)
	}
	if sink.throughput <= 0 {
		t.Errorf("expected positive throughput, got %v", sink.throughput)
	}
}

func TestParser_PercentUnsetWhenSizeUnknown(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, false, 0, nil)
	p.Push(StreamCopierStatus, []byte("5242880 bytes copied\n"))
	if sink.percent != nil {
		t.Errorf("expected percent unset, got %v", *sink.percent)
	}
	if sink.eta != nil {
		t.Errorf("expected eta unset, got %v", *sink.eta)
	}
}

func TestParser_RelayAnnouncesPortAndConnection(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, false, 0, nil)
	p.Push(StreamRelayStderr, []byte("listening on port 33101\n"))
	if sink.listenPort != 33101 {
		t.Fatalf("expected listen port 33101, got %d", sink.listenPort)
	}
	if sink.connected {
		t.Fatal("did not expect connected yet")
	}
	p.Push(StreamRelayStderr, []byte("client connected from 10.0.0.5\n"))
	if !sink.connected {
		t.Fatal("expected connected after connection line")
	}
	if len(sink.lines) != 2 {
		t.Fatalf("expected both relay lines appended, got %v", sink.lines)
	}
}

func TestParser_ExpectedSizeUnblocksPercent(t *testing.T) {
	sink := &fakeSink{}
	p := New(sink, true, 0, nil) // custom: known but unresolved
	p.Push(StreamCopierStatus, []byte("1000000 bytes copied\n"))
	if sink.percent != nil {
		t.Fatal("expected percent unset before EXPECTED_SIZE arrives")
	}

	p.Push(StreamExpectedSize, []byte("2097152\n"))
	p.Push(StreamCopierStatus, []byte("2097152 bytes copied\n"))
	if sink.percent == nil || *sink.percent != 100 {
		t.Fatalf("expected percent 100 after expected size resolved, got %v", sink.percent)
	}
}

func TestParser_NotifyCopierFailsWithoutPID(t *testing.T) {
	p := New(&fakeSink{}, false, 0, nil)
	ok, err := p.NotifyCopier()
	if ok || err != nil {
		t.Fatalf("expected ok=false err=nil, got ok=%v err=%v", ok, err)
	}
}

func TestParser_NotifyCopierSendsSIGUSR1ToRecordedPID(t *testing.T) {
	p := New(&fakeSink{}, false, 0, nil)
	var gotPID int
	var gotSig syscall.Signal
	p.sendSignal = func(pid int, sig syscall.Signal) error {
		gotPID, gotSig = pid, sig
		return nil
	}
	p.Push(StreamCopierPID, []byte("12345\n"))

	ok, err := p.NotifyCopier()
	if !ok || err != nil {
		t.Fatalf("expected ok=true err=nil, got ok=%v err=%v", ok, err)
	}
	if gotPID != 12345 || gotSig != syscall.SIGUSR1 {
		t.Fatalf("expected signal to pid 12345 with SIGUSR1, got pid=%d sig=%v", gotPID, gotSig)
	}
}

func TestParser_ChildOtherRoutedToSecondaryLog(t *testing.T) {
	var got []string
	p := New(&fakeSink{}, false, 0, func(line string) { got = append(got, line) })
	p.Push(StreamChildOther, []byte("shell glue output\n"))
	if len(got) != 1 || got[0] != "shell glue output" {
		t.Fatalf("expected routed line, got %v", got)
	}
}
