// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package childproc spawns the helper pipeline in its own process
// group and supervises it. The process group is the sole recipient of
// every signal the supervisor relays, so the copier, compressor,
// relay, and any shell glue die together.
package childproc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Supervisor owns one spawned helper pipeline.
type Supervisor struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	waited  bool
	state   *os.ProcessState
	waitErr error
}

// Spawn execs argv with env, in its own process group. extraFiles are
// the pipe ends the child inherits beyond stdin/stdout/stderr; every
// other descriptor is closed by the Go runtime's default
// close-on-exec behavior, so the child only ever sees the descriptors
// it's meant to. Stdin is not connected; stdout is inherited so shell
// glue can print; stderr is wired to stderrPipe (may be nil).
func Spawn(argv []string, env []string, extraFiles []*os.File, stderrPipe *os.File) (*Supervisor, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("childproc: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = stderrPipe
	cmd.ExtraFiles = extraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	// Close the race: also set the group from the parent side. Ignore
	// the permission errors (EACCES once the child has exec'd, EPERM),
	// which just mean the child already called setpgid(0,0) itself
	// before we got here.
	if err := syscall.Setpgid(cmd.Process.Pid, cmd.Process.Pid); err != nil && err != syscall.EPERM && err != syscall.EACCES {
		return nil, fmt.Errorf("childproc: setpgid(%d): %w", cmd.Process.Pid, err)
	}

	return &Supervisor{cmd: cmd}, nil
}

// PID returns the child's process ID.
func (s *Supervisor) PID() int { return s.cmd.Process.Pid }

// Kill sends signum to the entire process group (the negative PID),
// ignoring "no such process": the group may have already exited.
func (s *Supervisor) Kill(signum syscall.Signal) error {
	err := syscall.Kill(-s.cmd.Process.Pid, signum)
	if err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// Alive reports whether the process group's leader is still running,
// using gopsutil rather than a second raw kill(pid, 0) probe.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	waited := s.waited
	s.mu.Unlock()
	if waited {
		return false
	}
	proc, err := process.NewProcess(int32(s.cmd.Process.Pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

// ForceQuit escalates to SIGKILL against the group if the child is
// still alive, then waits for it to be reaped.
func (s *Supervisor) ForceQuit() error {
	if s.Alive() {
		if err := s.Kill(syscall.SIGKILL); err != nil {
			return err
		}
	}
	return s.Wait()
}

// Wait reaps the child exactly once; subsequent calls return the
// cached result rather than re-waiting on an already-reaped process.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waited {
		return s.waitErr
	}
	s.waitErr = s.cmd.Wait()
	s.waited = true
	s.state = s.cmd.ProcessState
	return s.waitErr
}

// ExitResult reports the child's outcome after Wait has been called:
// on a plain exit, code is the process exit code and signaled is
// false; if the child died from a signal, code is 0, signaled is true
// and signum is the signal.
func (s *Supervisor) ExitResult() (code int, signaled bool, signum syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return 0, false, 0
	}
	ws, ok := s.state.Sys().(syscall.WaitStatus)
	if !ok {
		return s.state.ExitCode(), false, 0
	}
	if ws.Signaled() {
		return 0, true, ws.Signal()
	}
	return ws.ExitStatus(), false, 0
}
