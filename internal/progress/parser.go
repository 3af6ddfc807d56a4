// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package progress

import (
	"bytes"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/nishisan-dev/imgxfer/internal/linesplit"
)

// Sink is the subset of *statuswriter.Writer the parser mutates. A
// dedicated interface keeps the parser testable without a real status
// file.
type Sink interface {
	AddLine(s string)
	SetListenPort(port int) error
	SetConnected()
	SetProgress(mbytes, throughput float64, percent, eta *float64)
}

// Stream identifies one of the descriptors the parser dispatches.
type Stream int

const (
	StreamCopierStatus Stream = iota
	StreamCopierPID
	StreamRelayStderr
	StreamExpectedSize
	StreamChildOther
)

var (
	// dd (GNU coreutils) prints "<n>+<p> records in" / "<n>+<p> records
	// out" followed by "<bytes> bytes (...) copied" when nudged with
	// SIGUSR1, its conventional print-your-counters signal.
	copierBytesRe = regexp.MustCompile(`^(\d+)\s+bytes`)
	relayPortRe   = regexp.MustCompile(`(?i)listening on port (\d+)`)
	relayConnRe   = regexp.MustCompile(`(?i)\bconnect(ed|ion)\b`)
)

// Parser owns one line splitter per source stream and derives the
// status record's progress fields from them.
type Parser struct {
	sink    Sink
	onOther func(line string)

	win window

	expectedKnown bool
	expectedBytes int64

	copierPID  int
	havePID    bool

	splitters map[Stream]*linesplit.Splitter
	now       func() time.Time

	// sendSignal lets tests substitute the real syscall.Kill.
	sendSignal func(pid int, sig syscall.Signal) error
}

// New creates a Parser. expectedKnown with a positive expectedBytes
// means the size is available from the start; otherwise percent and
// ETA stay unset until a size line arrives on StreamExpectedSize
// (handleExpectedSize), which replaces both values.
func New(sink Sink, expectedKnown bool, expectedBytes int64, onOther func(line string)) *Parser {
	p := &Parser{
		sink:          sink,
		onOther:       onOther,
		expectedKnown: expectedKnown,
		expectedBytes: expectedBytes,
		now:           time.Now,
		sendSignal:    syscall.Kill,
	}
	p.splitters = map[Stream]*linesplit.Splitter{
		StreamCopierStatus: linesplit.New(false, p.handleCopierStatus),
		StreamCopierPID:    linesplit.New(false, p.handleCopierPID),
		StreamRelayStderr:  linesplit.New(true, p.handleRelayStderr),
		StreamExpectedSize: linesplit.New(false, p.handleExpectedSize),
		StreamChildOther:   linesplit.New(true, p.handleChildOther),
	}
	return p
}

// Push feeds bytes read from the descriptor for stream into its
// splitter.
func (p *Parser) Push(stream Stream, b []byte) {
	p.splitters[stream].Push(b)
}

// CloseStream flushes a single stream's trailing fragment, called when
// the event loop observes EOF on that descriptor.
func (p *Parser) CloseStream(stream Stream) {
	p.splitters[stream].Close()
}

// FlushAll forces every splitter to emit its buffered tail, as a
// pre-shutdown safety net. Invoked once, after the event loop has
// stopped, not every iteration, so a line split across two
// non-blocking reads is never torn into two bogus "lines" while the
// transfer is still running. See DESIGN.md for the rationale.
func (p *Parser) FlushAll() {
	for _, s := range p.splitters {
		s.Close()
	}
}

func (p *Parser) handleCopierStatus(line []byte) {
	m := copierBytesRe.FindSubmatch(bytes.TrimRight(line, "\n"))
	if m == nil {
		return
	}
	n, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return
	}
	p.win.add(Sample{At: p.now(), Bytes: n})

	mbytes := float64(n) / mib
	throughput := p.win.throughputMiBps()

	var percent, eta *float64
	if p.expectedKnown && p.expectedBytes > 0 {
		pct := float64(n) / float64(p.expectedBytes) * 100
		if pct > 100 {
			pct = 100
		}
		if pct < 0 {
			pct = 0
		}
		percent = &pct

		rate := p.win.rateBytesPerSec()
		if rate > 0 {
			remaining := float64(p.expectedBytes - n)
			if remaining < 0 {
				remaining = 0
			}
			e := remaining / rate
			if e < 0 {
				e = 0
			}
			eta = &e
		}
	}

	p.sink.SetProgress(mbytes, throughput, percent, eta)
}

func (p *Parser) handleCopierPID(line []byte) {
	s := string(bytes.TrimSpace(bytes.TrimRight(line, "\n")))
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	p.copierPID = n
	p.havePID = true
}

func (p *Parser) handleRelayStderr(line []byte) {
	s := string(line)
	p.sink.AddLine(s)

	if m := relayPortRe.FindStringSubmatch(s); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil {
			_ = p.sink.SetListenPort(port)
		}
	}
	// Matched independently of the port pattern, since a single relay
	// line could plausibly announce both facts at once.
	if relayConnRe.MatchString(s) {
		p.sink.SetConnected()
	}
}

func (p *Parser) handleExpectedSize(line []byte) {
	s := string(bytes.TrimSpace(bytes.TrimRight(line, "\n")))
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return
	}
	p.expectedBytes = n
	p.expectedKnown = true
}

func (p *Parser) handleChildOther(line []byte) {
	if p.onOther != nil {
		p.onOther(string(line))
	}
}

// NotifyCopier sends the copier's quiet/status signal to the recorded
// PID. It reports ok=false when the PID has not arrived yet, letting
// the event loop fall back to a faster retry cadence.
func (p *Parser) NotifyCopier() (ok bool, err error) {
	if !p.havePID {
		return false, nil
	}
	if err := p.sendSignal(p.copierPID, syscall.SIGUSR1); err != nil {
		return true, err
	}
	return true, nil
}
