// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/nishisan-dev/imgxfer/internal/config"
	"github.com/nishisan-dev/imgxfer/internal/logging"
	"github.com/nishisan-dev/imgxfer/internal/supervisor"
	"github.com/nishisan-dev/imgxfer/internal/xfererr"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(levelFor(cfg.Verbosity), "json")

	if err := supervisor.Run(cfg, logger); err != nil {
		logger.Error("transfer did not complete successfully", "error", err)
		os.Exit(xfererr.ExitCode(err, cfg.FailureCode))
	}
}

func levelFor(v config.Verbosity) string {
	switch v {
	case config.VerbosityDebug:
		return "debug"
	case config.VerbosityInfo:
		return "info"
	default:
		return "error"
	}
}
