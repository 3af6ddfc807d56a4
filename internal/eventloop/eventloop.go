// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package eventloop owns the descriptor set and drives the
// connect-timeout / shutdown-linger state machine. It is the one
// place that calls poll(2) directly.
package eventloop

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/imgxfer/internal/config"
	"github.com/nishisan-dev/imgxfer/internal/progress"
	"github.com/nishisan-dev/imgxfer/internal/sigbridge"
	"github.com/nishisan-dev/imgxfer/internal/statuswriter"
	"github.com/nishisan-dev/imgxfer/internal/xfererr"
)

const (
	readChunk = 1024

	// listenRecheck is how often the loop wakes to re-test the
	// connect-timeout deadline while it is still armed and unexpired.
	listenRecheck = 1 * time.Second

	// exitLinger is the standard grace period between relaying
	// SIGTERM and the caller escalating to SIGKILL.
	exitLinger = 5 * time.Second

	statsIntervalKnown   = 5 * time.Second
	statsIntervalUnknown = 1 * time.Second
)

// entry is an Fdmap value: which progress stream a descriptor feeds,
// or the wakeup marker.
type entry struct {
	stream   progress.Stream
	isWakeup bool
}

// KillFunc relays a signal to the child's process group.
type KillFunc func(signum syscall.Signal) error

// Loop is the supervisor's event loop: one instance per transfer.
type Loop struct {
	log            *slog.Logger
	mode           config.Mode
	connectTimeout time.Duration

	fds    map[int]entry
	bridge *sigbridge.Bridge
	parser *progress.Parser
	writer *statuswriter.Writer
	kill   KillFunc
	now    func() time.Time

	listenArmed    bool
	listenDeadline time.Time
	exitArmed      bool
	exitDeadline   time.Time
	statsDeadline  time.Time
}

// New creates a Loop. connectTimeout == 0 disables the listen-deadline
// regardless of mode.
func New(log *slog.Logger, mode config.Mode, connectTimeout time.Duration, bridge *sigbridge.Bridge, parser *progress.Parser, writer *statuswriter.Writer, kill KillFunc) *Loop {
	return &Loop{
		log:            log,
		mode:           mode,
		connectTimeout: connectTimeout,
		fds:            make(map[int]entry),
		bridge:         bridge,
		parser:         parser,
		writer:         writer,
		kill:           kill,
		now:            time.Now,
	}
}

// Register adds a data descriptor to the fdmap, setting it
// non-blocking so a readable poll(2) event always reflects real data.
func (l *Loop) Register(fd int, stream progress.Stream) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("eventloop: setting fd %d non-blocking: %w", fd, err)
	}
	l.fds[fd] = entry{stream: stream}
	return nil
}

// RegisterWakeup adds the signal bridge's self-pipe read end. It has
// no associated line splitter; the loop special-cases it.
func (l *Loop) RegisterWakeup(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("eventloop: setting wakeup fd %d non-blocking: %w", fd, err)
	}
	l.fds[fd] = entry{isWakeup: true}
	return nil
}

// Run drives the readiness loop until either every data descriptor has
// EOF'd (returns true) or the exit-timeout expires first (returns
// false). The caller always follows up with wait/force_quit regardless
// of the return value: "all pipes EOF'd" is not the same guarantee as
// "child reaped".
func (l *Loop) Run() (cleanShutdown bool, err error) {
	defer l.parser.FlushAll()

	now := l.now()
	if l.mode == config.ModeImport && l.connectTimeout > 0 {
		l.listenArmed = true
		l.listenDeadline = now.Add(l.connectTimeout)
	}

	for {
		if l.onlyWakeupRemains() {
			return true, nil
		}

		now = l.now()
		budget := time.Duration(-1) // negative sentinel: unbounded

		if l.listenArmed && !l.exitArmed {
			if l.writer.Snapshot().Connected {
				l.listenArmed = false
			} else if !now.Before(l.listenDeadline) {
				l.escalateConnectTimeout(now)
			} else {
				budget = fold(budget, listenRecheck)
			}
		}

		if l.exitArmed {
			remaining := l.exitDeadline.Sub(now)
			if remaining <= 0 {
				if l.log != nil {
					l.log.Warn("child didn't exit within the linger budget")
				}
				return false, nil
			}
			budget = fold(budget, remaining)
		}

		if !now.Before(l.statsDeadline) {
			ok, nerr := l.parser.NotifyCopier()
			if nerr != nil && l.log != nil {
				l.log.Warn("notify_copier failed", "error", nerr)
			}
			if ok {
				l.statsDeadline = now.Add(statsIntervalKnown)
			} else {
				l.statsDeadline = now.Add(statsIntervalUnknown)
			}
		}
		budget = fold(budget, l.statsDeadline.Sub(now))
		if budget < 0 {
			budget = 0
		}

		pollFds := make([]unix.PollFd, 0, len(l.fds))
		for fd := range l.fds {
			pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}

		n, perr := unix.Poll(pollFds, int(budget/time.Millisecond))
		if errors.Is(perr, unix.EINTR) {
			continue
		}
		if perr != nil {
			return false, fmt.Errorf("eventloop: poll: %w", perr)
		}
		if n == 0 {
			continue
		}

		for _, pfd := range pollFds {
			if pfd.Revents == 0 {
				continue
			}
			l.handleReady(int(pfd.Fd), pfd.Revents, l.now())
		}

		_ = l.writer.Flush(false)
	}
}

func (l *Loop) handleReady(fd int, revents int16, now time.Time) {
	ent, ok := l.fds[fd]
	if !ok {
		return
	}

	if revents&unix.POLLIN != 0 {
		buf := make([]byte, readChunk)
		n, rerr := unix.Read(fd, buf)
		switch {
		case n > 0:
			if ent.isWakeup {
				l.handleWakeup(now)
			} else {
				l.parser.Push(ent.stream, buf[:n])
			}
			return
		case n == 0:
			l.closeFD(fd, ent)
			return
		case errors.Is(rerr, unix.EAGAIN):
			// Spurious readiness (e.g. already drained by a prior
			// iteration's short read); nothing to do this round.
			return
		default:
			l.closeFD(fd, ent)
			return
		}
	}

	if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		l.closeFD(fd, ent)
	}
}

func (l *Loop) handleWakeup(now time.Time) {
	if !l.bridge.Called() {
		return
	}
	l.bridge.Clear()
	if !l.exitArmed {
		l.exitArmed = true
		l.exitDeadline = now.Add(exitLinger)
		return
	}
	if l.log != nil {
		l.log.Info("signal received again during exit-timeout", "remaining", l.exitDeadline.Sub(now))
	}
}

// escalateConnectTimeout handles a SupervisionTimeout: non-fatal to the
// supervisor itself, it signals the child and lets the loop keep
// running until the child's own exit is reported.
func (l *Loop) escalateConnectTimeout(now time.Time) {
	msg := fmt.Sprintf("Child process didn't establish connection in time (%ds), sending SIGTERM", int(l.connectTimeout.Seconds()))
	l.writer.AddLine(msg)
	_ = l.writer.Flush(true)
	if l.log != nil {
		l.log.Warn(msg, "kind", xfererr.KindSupervisionTimeout.String())
	}
	if err := l.kill(syscall.SIGTERM); err != nil && l.log != nil {
		l.log.Error("signalling child group on connect-timeout", "error", err)
	}
	l.exitArmed = true
	l.exitDeadline = now.Add(exitLinger)
}

func (l *Loop) closeFD(fd int, ent entry) {
	_ = unix.Close(fd)
	delete(l.fds, fd)
	if !ent.isWakeup {
		l.parser.CloseStream(ent.stream)
	}
}

func (l *Loop) onlyWakeupRemains() bool {
	if len(l.fds) != 1 {
		return false
	}
	for _, ent := range l.fds {
		return ent.isWakeup
	}
	return false
}

// fold keeps the smaller of the current budget and a newly computed
// candidate deadline, treating a negative budget as "unbounded".
func fold(budget, candidate time.Duration) time.Duration {
	if candidate < 0 {
		candidate = 0
	}
	if budget < 0 || candidate < budget {
		return candidate
	}
	return budget
}
