// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package linesplit

import (
	"bytes"
	"testing"
)

func TestSplitter_StripsDelimiterForHumanOutput(t *testing.T) {
	var got []string
	s := New(true, func(line []byte) { got = append(got, string(line)) })

	s.Push([]byte("hello\nwor"))
	s.Push([]byte("ld\n"))

	want := []string{"hello", "world"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitter_RetainsDelimiterForParserStream(t *testing.T) {
	var got []string
	s := New(false, func(line []byte) { got = append(got, string(line)) })
	s.Push([]byte("12345\n"))
	if len(got) != 1 || got[0] != "12345\n" {
		t.Fatalf("expected delimiter retained, got %v", got)
	}
}

func TestSplitter_CloseFlushesTrailingFragment(t *testing.T) {
	var got []string
	s := New(true, func(line []byte) { got = append(got, string(line)) })
	s.Push([]byte("no newline here"))
	s.Close()
	if len(got) != 1 || got[0] != "no newline here" {
		t.Fatalf("expected trailing fragment emitted, got %v", got)
	}
}

func TestSplitter_CloseNoopOnEmptyBuffer(t *testing.T) {
	var got []string
	s := New(true, func(line []byte) { got = append(got, string(line)) })
	s.Push([]byte("complete\n"))
	s.Close()
	if len(got) != 1 {
		t.Fatalf("expected exactly one emitted line, got %v", got)
	}
}

// TestSplitter_RoundTrip checks that for any byte sequence split
// arbitrarily across Push calls, the concatenation of emitted lines
// (with delimiters retained) plus the final flush equals the original
// input.
func TestSplitter_RoundTrip(t *testing.T) {
	original := []byte("alpha\nbeta\ngamma\nincomplete-tail")
	splits := [][]byte{
		original[:3], original[3:10], original[10:20], original[20:],
	}

	var reassembled []byte
	s := New(false, func(line []byte) { reassembled = append(reassembled, line...) })
	for _, chunk := range splits {
		s.Push(chunk)
	}
	s.Close()

	if !bytes.Equal(reassembled, original) {
		t.Fatalf("round trip mismatch:\ngot:  %q\nwant: %q", reassembled, original)
	}
}
