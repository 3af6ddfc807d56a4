// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package supervisor wires the other internal packages together into
// the full run of one transfer: validate, spawn, drive the event loop,
// reap the child, and report the outcome.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/nishisan-dev/imgxfer/internal/childproc"
	"github.com/nishisan-dev/imgxfer/internal/cmdbuilder"
	"github.com/nishisan-dev/imgxfer/internal/config"
	"github.com/nishisan-dev/imgxfer/internal/eventloop"
	"github.com/nishisan-dev/imgxfer/internal/pki"
	"github.com/nishisan-dev/imgxfer/internal/progress"
	"github.com/nishisan-dev/imgxfer/internal/sigbridge"
	"github.com/nishisan-dev/imgxfer/internal/statuswriter"
	"github.com/nishisan-dev/imgxfer/internal/toolcheck"
	"github.com/nishisan-dev/imgxfer/internal/xfererr"
)

// fixed extra-file descriptor assignment: os/exec.ExtraFiles always
// starts at fd 3, in slice order.
const (
	fdCopierStderr = 3
	fdCopierPID    = 4
	fdRelayStderr  = 5
	fdSizeReport   = 6
)

// pipeSet holds both ends of every pipe the child inherits. Read ends
// stay with the parent; write ends are handed to the child and closed
// on the parent side immediately after spawn.
type pipeSet struct {
	copierStderrR, copierStderrW *os.File
	copierPIDR, copierPIDW       *os.File
	relayStderrR, relayStderrW   *os.File
	sizeReportR, sizeReportW     *os.File // nil unless expected-size=custom
	childStderrR, childStderrW   *os.File
}

func newPipeSet(needSizeReport bool) (*pipeSet, error) {
	ps := &pipeSet{}
	var err error
	if ps.copierStderrR, ps.copierStderrW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if ps.copierPIDR, ps.copierPIDW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if ps.relayStderrR, ps.relayStderrW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if ps.childStderrR, ps.childStderrW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if needSizeReport {
		if ps.sizeReportR, ps.sizeReportW, err = os.Pipe(); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// closeAll closes every descriptor this process still owns
// after a failed spawn attempt, so nothing leaks.
func (ps *pipeSet) closeAll() {
	for _, f := range []*os.File{
		ps.copierStderrR, ps.copierStderrW,
		ps.copierPIDR, ps.copierPIDW,
		ps.relayStderrR, ps.relayStderrW,
		ps.sizeReportR, ps.sizeReportW,
		ps.childStderrR, ps.childStderrW,
	} {
		if f != nil {
			f.Close()
		}
	}
}

func (ps *pipeSet) extraFiles() []*os.File {
	files := []*os.File{ps.copierStderrW, ps.copierPIDW, ps.relayStderrW}
	if ps.sizeReportW != nil {
		files = append(files, ps.sizeReportW)
	}
	return files
}

func (ps *pipeSet) closeChildSide() {
	ps.copierStderrW.Close()
	ps.copierPIDW.Close()
	ps.relayStderrW.Close()
	ps.childStderrW.Close()
	if ps.sizeReportW != nil {
		ps.sizeReportW.Close()
	}
}

// Run executes one transfer to completion and returns the error the
// process should report, or nil on success. The status file always
// reflects the true outcome by the time Run returns, and the child is
// never left running, even if Run itself panics: the deferred
// recovery below force-quits the child and force-flushes the status
// file before the panic is turned into an UnhandledError return.
func Run(cfg *config.Config, log *slog.Logger) (err error) {
	w := statuswriter.New(cfg.StatusFilePath)

	var child *childproc.Supervisor
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if child != nil {
			_ = child.ForceQuit()
		}
		msg := fmt.Sprintf("recovered from panic: %v", r)
		if log != nil {
			log.Error(msg)
		}
		w.SetExitStatus(cfg.FailureCode, msg)
		_ = w.Flush(true)
		err = xfererr.New(xfererr.KindUnhandled, msg)
	}()

	if err := pki.ValidateMaterial(cfg.CertPath, cfg.KeyPath, cfg.CAPath); err != nil {
		return failBeforeSpawn(w, cfg, err)
	}
	if err := toolcheck.Verify(cfg.Compress); err != nil {
		return failBeforeSpawn(w, cfg, err)
	}

	needSize := cfg.ExpectedSize.Custom
	ps, err := newPipeSet(needSize)
	if err != nil {
		return failBeforeSpawn(w, cfg, xfererr.Wrap(xfererr.KindUnhandled, "creating pipes", err))
	}

	fds := cmdbuilder.PipeFDs{
		CopierStderr: fdCopierStderr,
		CopierPID:    fdCopierPID,
		RelayStderr:  fdRelayStderr,
	}
	if needSize {
		fds.SizeReport = fdSizeReport
	}
	argv, env := cmdbuilder.Build(cfg, fds)

	child, err = childproc.Spawn(argv, env, ps.extraFiles(), ps.childStderrW)
	if err != nil {
		ps.closeAll()
		return failBeforeSpawn(w, cfg, xfererr.Wrap(xfererr.KindSpawn, "spawning helper pipeline", err))
	}
	ps.closeChildSide()

	onOther := func(line string) {
		if log != nil {
			log.Info("child emitted output on its own stderr", "line", line)
		}
	}
	expectedKnown := cfg.ExpectedSize.Known && !cfg.ExpectedSize.Custom
	parser := progress.New(w, expectedKnown, cfg.ExpectedSize.Bytes(), onOther)

	bridge := sigbridge.New(func(sig os.Signal) {
		if sn, ok := sig.(syscall.Signal); ok {
			if err := child.Kill(sn); err != nil && log != nil {
				log.Error("relaying signal to child group", "signal", sn, "error", err)
			}
		}
	})
	// Installed only after the child's process group is established,
	// so a signal can never race ahead of the kill target.
	if err := bridge.Install(); err != nil {
		_ = child.ForceQuit()
		return failBeforeSpawn(w, cfg, xfererr.Wrap(xfererr.KindUnhandled, "installing signal bridge", err))
	}
	defer bridge.Reset()

	loop := eventloop.New(log, cfg.Mode, cfg.ConnectTimeout, bridge, parser, w, child.Kill)
	if err := registerStreams(loop, ps, needSize); err != nil {
		_ = child.ForceQuit()
		return failBeforeSpawn(w, cfg, xfererr.Wrap(xfererr.KindUnhandled, "registering descriptors", err))
	}
	if err := loop.RegisterWakeup(bridge.FD()); err != nil {
		_ = child.ForceQuit()
		return failBeforeSpawn(w, cfg, xfererr.Wrap(xfererr.KindUnhandled, "registering wakeup descriptor", err))
	}

	cleanShutdown, runErr := loop.Run()
	if runErr != nil && log != nil {
		log.Error("event loop exited abnormally", "error", runErr)
	}

	// Never leave the child running: drained-EOF still needs a final
	// reap; an exit-timeout expiry needs an escalation to SIGKILL.
	if cleanShutdown {
		_ = child.Wait()
	} else {
		_ = child.ForceQuit()
	}

	return reportOutcome(w, cfg, child)
}

func registerStreams(loop *eventloop.Loop, ps *pipeSet, needSize bool) error {
	if err := loop.Register(int(ps.copierStderrR.Fd()), progress.StreamCopierStatus); err != nil {
		return err
	}
	if err := loop.Register(int(ps.copierPIDR.Fd()), progress.StreamCopierPID); err != nil {
		return err
	}
	if err := loop.Register(int(ps.relayStderrR.Fd()), progress.StreamRelayStderr); err != nil {
		return err
	}
	if err := loop.Register(int(ps.childStderrR.Fd()), progress.StreamChildOther); err != nil {
		return err
	}
	if needSize {
		if err := loop.Register(int(ps.sizeReportR.Fd()), progress.StreamExpectedSize); err != nil {
			return err
		}
	}
	return nil
}

// reportOutcome records the reaped child's exit status (its own exit
// code, or the negative signal number if it died from a signal) and
// returns the error the process should exit with (nil on a clean zero
// exit).
func reportOutcome(w *statuswriter.Writer, cfg *config.Config, child *childproc.Supervisor) error {
	code, signaled, signum := child.ExitResult()

	var outcomeErr error
	switch {
	case signaled:
		msg := fmt.Sprintf("Exited due to signal %d", signum)
		w.SetExitStatus(-int(signum), msg)
		outcomeErr = xfererr.New(xfererr.KindChildAbnormalExit, msg)
	case code != 0:
		msg := fmt.Sprintf("Exited with status %d", code)
		w.SetExitStatus(code, msg)
		outcomeErr = xfererr.New(xfererr.KindChildAbnormalExit, msg)
	default:
		w.SetExitStatus(0, "")
	}

	_ = w.Flush(true)
	return outcomeErr
}

// failBeforeSpawn records a failure that happened before (or instead
// of) spawning the child: the status file's exit_status mirrors the
// process exit code the caller will use, so the status file always
// reflects the true outcome.
func failBeforeSpawn(w *statuswriter.Writer, cfg *config.Config, err error) error {
	code := xfererr.ExitCode(err, cfg.FailureCode)
	w.SetExitStatus(code, err.Error())
	_ = w.Flush(true)
	return err
}
