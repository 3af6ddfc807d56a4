// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cmdbuilder assembles the argv/env for the helper pipeline.
// The exact shell grammar it emits is opaque to the supervisor, which
// only needs a well-formed exec.Cmd back.
package cmdbuilder

import (
	"fmt"
	"os"
	"strings"

	"github.com/nishisan-dev/imgxfer/internal/config"
)

// PipeFDs carries the child-side descriptor numbers the supervisor
// assigned via os/exec's ExtraFiles (which always start at fd 3), so
// the generated shell script can redirect the right streams to them.
type PipeFDs struct {
	CopierStderr int
	CopierPID    int
	RelayStderr  int
	SizeReport   int
}

// Build returns the argv and env to exec for cfg's mode.
func Build(cfg *config.Config, fds PipeFDs) (argv []string, env []string) {
	script := buildScript(cfg, fds)
	argv = []string{"/bin/sh", "-c", script}
	env = buildEnv(cfg, fds)
	return argv, env
}

// buildEnv extends the supervisor's own environment rather than
// replacing it: the helpers are named by short command ("dd", "relay",
// a compressor name) and need PATH to resolve, plus whatever else the
// operator's environment carries.
func buildEnv(cfg *config.Config, fds PipeFDs) []string {
	env := append([]string{}, os.Environ()...)
	if cfg.ExpectedSize.Custom {
		env = append(env, fmt.Sprintf("EXP_SIZE_FD=%d", fds.SizeReport))
	}
	if cfg.Magic != "" {
		env = append(env, fmt.Sprintf("IMGXFER_MAGIC=%s", cfg.Magic))
	}
	return env
}

func buildScript(cfg *config.Config, fds PipeFDs) string {
	copier := copierCmd(cfg, fds)
	relay := relayCmd(cfg, fds)

	var pipeline string
	switch cfg.Mode {
	case config.ModeExport:
		stages := []string{copier}
		if compressor := compressCmd(cfg); compressor != "" {
			stages = append(stages, compressor)
		}
		stages = append(stages, relay)
		pipeline = strings.Join(stages, " | ")
	default: // import
		stages := []string{relay}
		if decompressor := compressCmd(cfg); decompressor != "" {
			stages = append(stages, decompressor)
		}
		stages = append(stages, copier)
		pipeline = strings.Join(stages, " | ")
	}

	var b strings.Builder
	b.WriteString("set -o pipefail; ")
	if cfg.CmdPrefix != "" {
		b.WriteString(cfg.CmdPrefix)
		b.WriteString("; ")
	}
	b.WriteString(pipeline)
	if cfg.CmdSuffix != "" {
		b.WriteString("; ")
		b.WriteString(cfg.CmdSuffix)
	}
	return b.String()
}

// copierCmd invokes the bulk copier in the background so its PID can
// be captured with $! and reported on the dedicated PID descriptor.
func copierCmd(cfg *config.Config, fds PipeFDs) string {
	direction := "of=$IMGXFER_DEVICE"
	if cfg.Mode == config.ModeExport {
		direction = "if=$IMGXFER_DEVICE"
	}
	return fmt.Sprintf(
		`{ dd %s bs=1048576 2>&%d & echo $! >&%d; wait; }`,
		direction, fds.CopierStderr, fds.CopierPID,
	)
}

func compressCmd(cfg *config.Config) string {
	if cfg.Compress == "" || cfg.Compress == "none" {
		return ""
	}
	if cfg.Mode == config.ModeExport {
		return cfg.Compress
	}
	return cfg.Compress + " -d"
}

func relayCmd(cfg *config.Config, fds PipeFDs) string {
	var b strings.Builder
	b.WriteString("relay")
	if cfg.Bind != "" {
		fmt.Fprintf(&b, " --bind %s", cfg.Bind)
	}
	switch cfg.IPFamily {
	case config.IPFamilyV4:
		b.WriteString(" -4")
	case config.IPFamilyV6:
		b.WriteString(" -6")
	}
	if cfg.KeyPath != "" {
		fmt.Fprintf(&b, " --key %s", cfg.KeyPath)
	}
	if cfg.CertPath != "" {
		fmt.Fprintf(&b, " --cert %s", cfg.CertPath)
	}
	if cfg.CAPath != "" {
		fmt.Fprintf(&b, " --ca %s", cfg.CAPath)
	}
	if cfg.Mode == config.ModeExport {
		fmt.Fprintf(&b, " --connect %s:%s --retries %d", cfg.Host, cfg.Port, cfg.ConnectRetries)
	} else {
		b.WriteString(" --listen")
	}
	fmt.Fprintf(&b, " 2>&%d", fds.RelayStderr)
	return b.String()
}
