// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sigbridge turns SIGINT/SIGTERM into a descriptor the event
// loop can poll. Go has no way to run arbitrary code inside the
// kernel's signal-delivery context, so the "handler" here is the
// goroutine os/signal.Notify wakes, kept to the self-pipe discipline
// regardless: set a flag, write one byte to the pipe, and leave all
// policy to the event loop.
package sigbridge

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Bridge installs handlers for SIGINT/SIGTERM and exposes a wakeup
// descriptor registerable in a poll(2) readiness set.
type Bridge struct {
	forward func(sig os.Signal)

	ch chan os.Signal

	readFD  int
	writeFD int

	mu     sync.Mutex
	called bool
	signum syscall.Signal

	done chan struct{}
}

// New creates a Bridge. forward is invoked with the received signal on
// every raise, the caller's hook for relaying the signal to the child
// process group; the bridge itself never touches the child.
func New(forward func(sig os.Signal)) *Bridge {
	return &Bridge{forward: forward}
}

// Install opens the self-pipe and starts watching SIGINT/SIGTERM.
// Installed only after the child's process group is established, so a
// signal can never race ahead of the kill target.
func (b *Bridge) Install() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	b.readFD, b.writeFD = fds[0], fds[1]

	b.ch = make(chan os.Signal, 2)
	b.done = make(chan struct{})
	signal.Notify(b.ch, syscall.SIGINT, syscall.SIGTERM)

	go b.watch()
	return nil
}

func (b *Bridge) watch() {
	for {
		select {
		case sig, ok := <-b.ch:
			if !ok {
				return
			}
			b.raise(sig)
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) raise(sig os.Signal) {
	b.mu.Lock()
	b.called = true
	if sn, ok := sig.(syscall.Signal); ok {
		b.signum = sn
	}
	b.mu.Unlock()

	// Best effort: a pending byte already wakes the loop, so EAGAIN on
	// a full pipe is not an error.
	_, _ = unix.Write(b.writeFD, []byte{0})

	if b.forward != nil {
		b.forward(sig)
	}
}

// FD returns the wakeup read descriptor for the event loop's fdmap.
func (b *Bridge) FD() int { return b.readFD }

// Called reports whether a signal has been raised since the last Clear.
func (b *Bridge) Called() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.called
}

// Signum returns the most recently raised signal number.
func (b *Bridge) Signum() syscall.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signum
}

// Clear drains the wakeup byte(s) and resets the called flag.
func (b *Bridge) Clear() {
	var buf [64]byte
	for {
		n, err := unix.Read(b.readFD, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	b.mu.Lock()
	b.called = false
	b.mu.Unlock()
}

// Reset restores the prior signal disposition and closes the self-pipe.
func (b *Bridge) Reset() {
	if b.ch != nil {
		signal.Stop(b.ch)
		close(b.done)
	}
	if b.readFD != 0 {
		unix.Close(b.readFD)
	}
	if b.writeFD != 0 {
		unix.Close(b.writeFD)
	}
}
