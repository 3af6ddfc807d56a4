// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cmdbuilder

import (
	"strings"
	"testing"

	"github.com/nishisan-dev/imgxfer/internal/config"
)

func TestBuild_ExportProducesShellArgv(t *testing.T) {
	cfg := &config.Config{
		Mode:     config.ModeExport,
		Host:     "10.0.0.5",
		Port:     "2222",
		Compress: "gzip",
	}
	argv, _ := Build(cfg, PipeFDs{CopierStderr: 3, CopierPID: 4, RelayStderr: 5, SizeReport: 6})
	if len(argv) != 3 || argv[0] != "/bin/sh" || argv[1] != "-c" {
		t.Fatalf("expected a /bin/sh -c argv, got %v", argv)
	}
	script := argv[2]
	if !strings.Contains(script, "dd if=$IMGXFER_DEVICE") {
		t.Errorf("expected export dd to read from device, got %q", script)
	}
	if !strings.Contains(script, "| gzip |") {
		t.Errorf("expected compressor between copier and relay, got %q", script)
	}
	if !strings.Contains(script, "--connect 10.0.0.5:2222") {
		t.Errorf("expected relay connect target, got %q", script)
	}
}

func TestBuild_ImportOrdersDecompressorBeforeCopier(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeImport, Compress: "gzip"}
	argv, _ := Build(cfg, PipeFDs{CopierStderr: 3, CopierPID: 4, RelayStderr: 5})
	script := argv[2]
	relayIdx := strings.Index(script, "relay")
	gzipIdx := strings.Index(script, "gzip -d")
	ddIdx := strings.Index(script, "dd of=$IMGXFER_DEVICE")
	if !(relayIdx < gzipIdx && gzipIdx < ddIdx) {
		t.Fatalf("expected relay | gzip -d | dd ordering, got %q", script)
	}
}

func TestBuild_CustomSizeSetsEnvVar(t *testing.T) {
	cfg := &config.Config{
		Mode:         config.ModeExport,
		Host:         "10.0.0.5",
		Port:         "22",
		ExpectedSize: config.ExpectedSize{Known: true, Custom: true},
	}
	_, env := Build(cfg, PipeFDs{SizeReport: 7})
	found := false
	for _, e := range env {
		if e == "EXP_SIZE_FD=7" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected EXP_SIZE_FD=7 in env, got %v", env)
	}
}

func TestBuild_CmdPrefixSuffixMerged(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeImport, CmdPrefix: "umask 077", CmdSuffix: "sync"}
	argv, _ := Build(cfg, PipeFDs{})
	script := argv[2]
	if !strings.Contains(script, "umask 077; ") {
		t.Errorf("expected prefix merged, got %q", script)
	}
	if !strings.HasSuffix(script, "; sync") {
		t.Errorf("expected suffix merged, got %q", script)
	}
}
