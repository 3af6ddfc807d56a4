// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package toolcheck probes that a named external compressor is
// available before the supervisor commits to spawning the pipeline,
// reporting a ToolUnavailable error otherwise.
package toolcheck

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/nishisan-dev/imgxfer/internal/xfererr"
)

const probeTimeout = 2 * time.Second

// Verify runs "<name> -h" with a 2s timeout and requires exit 0. name
// == "none" always succeeds without spawning anything.
func Verify(name string) error {
	if name == "" || name == "none" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, "-h")
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return xfererr.New(xfererr.KindToolUnavailable,
			fmt.Sprintf("probe of compression method %q timed out after %s", name, probeTimeout))
	}
	if err != nil {
		return xfererr.Wrap(xfererr.KindToolUnavailable,
			fmt.Sprintf("Verification attempt of selected compression method %q failed", name), err)
	}
	return nil
}
