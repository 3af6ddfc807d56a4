// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package linesplit converts arbitrary byte chunks from a descriptor
// into complete newline-terminated lines. It has no line-length limit
// and must never drop data on a chunk boundary.
package linesplit

import "bytes"

// Splitter buffers a partial tail between Push calls and emits each
// completed line to the configured sink.
type Splitter struct {
	buf    []byte
	strip  bool // strip the trailing newline before emitting
	onLine func(line []byte)
}

// New creates a Splitter. strip controls whether the delimiter is
// retained or stripped for this stream: stripped for human output
// (recent_output), retained as delivered for the progress parser.
func New(strip bool, onLine func(line []byte)) *Splitter {
	return &Splitter{strip: strip, onLine: onLine}
}

// Push appends bytes and emits every complete line they form.
func (s *Splitter) Push(b []byte) {
	s.buf = append(s.buf, b...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return
		}
		end := i + 1
		if s.strip {
			end = i
		}
		line := append([]byte(nil), s.buf[:end]...)
		s.buf = s.buf[i+1:]
		s.onLine(line)
	}
}

// Close emits any trailing non-empty fragment as a final line. Called
// when the source descriptor hits EOF.
func (s *Splitter) Close() {
	if len(s.buf) == 0 {
		return
	}
	line := s.buf
	s.buf = nil
	s.onLine(line)
}
