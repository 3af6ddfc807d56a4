// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config parses and validates the supervisor's command line.
// It is the "argument parser and host/service validation" collaborator
// named in the design: everything here yields an immutable Config that
// flows into the supervisor, the command builder, and nowhere else.
package config

import (
	"flag"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/imgxfer/internal/xfererr"
)

// Mode selects which side of the pipeline this process drives.
type Mode int

const (
	ModeImport Mode = iota
	ModeExport
)

func (m Mode) String() string {
	if m == ModeExport {
		return "export"
	}
	return "import"
}

// IPFamily restricts the address family used to reach the remote host.
type IPFamily int

const (
	IPFamilyAny IPFamily = iota
	IPFamilyV4
	IPFamilyV6
)

// Verbosity maps onto slog levels, driven by --debug/--verbose rather
// than a config-file logging.level field.
type Verbosity int

const (
	VerbosityError Verbosity = iota
	VerbosityInfo
	VerbosityDebug
)

// knownCompressors is the fixed named set of supported compressors;
// "none" disables compression and is not probed.
var knownCompressors = map[string]bool{
	"gzip":  true,
	"pgzip": true,
	"lzop":  true,
}

// ExpectedSize is either a fixed MiB integer, the "custom" sentinel
// (the export helper reports the real size at runtime), or unknown.
type ExpectedSize struct {
	Known  bool
	Custom bool
	MiB    int64
}

// Bytes returns the expected size in bytes, or 0 if unknown/custom.
func (e ExpectedSize) Bytes() int64 {
	if !e.Known || e.Custom {
		return 0
	}
	return e.MiB * 1024 * 1024
}

var magicPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Config is immutable for the lifetime of a transfer.
type Config struct {
	Mode           Mode
	StatusFilePath string
	ConnectTimeout time.Duration // 0 disables the listen-deadline
	ExpectedSize   ExpectedSize
	Compress       string // "none" or a name in knownCompressors
	Verbosity      Verbosity

	// Opaque fields: flow to the command builder only, never
	// interpreted by the supervisor core.
	KeyPath        string
	CertPath       string
	CAPath         string
	Bind           string
	IPFamily       IPFamily
	Host           string
	Port           string
	ConnectRetries int
	Magic          string
	CmdPrefix      string
	CmdSuffix      string

	// FailureCode is the process exit code used for any non-success
	// outcome other than a spawn failure (which uses 127), including a
	// child that exited nonzero or died from a signal.
	FailureCode int
}

// Parse parses argv (excluding the program name) into a Config:
//
//	program <status-file-path> {import | export} [options...]
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("imgxfer-supervisor", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "set log level to the most verbose setting")
	verbose := fs.Bool("verbose", false, "set log level to info")
	key := fs.String("key", "", "path to TLS private key")
	cert := fs.String("cert", "", "path to TLS certificate")
	ca := fs.String("ca", "", "path to TLS CA certificate")
	bind := fs.String("bind", "", "local bind address")
	ipv4 := fs.Bool("ipv4", false, "restrict to IPv4")
	ipv6 := fs.Bool("ipv6", false, "restrict to IPv6")
	host := fs.String("host", "", "remote endpoint host (export)")
	port := fs.String("port", "", "remote endpoint port (export)")
	connectRetries := fs.Int("connect-retries", 0, "export-side connection retry count")
	connectTimeout := fs.Int("connect-timeout", 60, "seconds to wait for a connection before giving up; 0 disables")
	compress := fs.String("compress", "none", "compression method: none or a named algorithm")
	expectedSize := fs.String("expected-size", "", `expected size in MiB, or "custom"`)
	magic := fs.String("magic", "", "opaque magic string forwarded to helpers")
	cmdPrefix := fs.String("cmd-prefix", "", "opaque string merged into the child command")
	cmdSuffix := fs.String("cmd-suffix", "", "opaque string merged into the child command")
	failureCode := fs.Int("failure-code", 1, "process exit code to use on any non-success outcome")

	// flag stops at the first non-flag argument, so parse in turns:
	// collect each positional argument and resume flag parsing after it.
	var rest []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, xfererr.Wrap(xfererr.KindConfig, "parsing flags", err)
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		rest = append(rest, args[0])
		args = args[1:]
	}

	if len(rest) < 2 {
		return nil, xfererr.New(xfererr.KindConfig, "usage: program <status-file-path> {import|export} [options...]")
	}

	cfg := &Config{
		StatusFilePath: rest[0],
		KeyPath:        *key,
		CertPath:       *cert,
		CAPath:         *ca,
		Bind:           *bind,
		Host:           *host,
		Port:           *port,
		ConnectRetries: *connectRetries,
		Magic:          *magic,
		CmdPrefix:      *cmdPrefix,
		CmdSuffix:      *cmdSuffix,
		FailureCode:    *failureCode,
	}

	switch rest[1] {
	case "import":
		cfg.Mode = ModeImport
	case "export":
		cfg.Mode = ModeExport
	default:
		return nil, xfererr.New(xfererr.KindConfig, fmt.Sprintf("mode must be import or export, got %q", rest[1]))
	}

	switch {
	case *debug:
		cfg.Verbosity = VerbosityDebug
	case *verbose:
		cfg.Verbosity = VerbosityInfo
	default:
		cfg.Verbosity = VerbosityError
	}

	if *ipv4 && *ipv6 {
		return nil, xfererr.New(xfererr.KindConfig, "--ipv4 and --ipv6 are mutually exclusive")
	}
	switch {
	case *ipv4:
		cfg.IPFamily = IPFamilyV4
	case *ipv6:
		cfg.IPFamily = IPFamilyV6
	default:
		cfg.IPFamily = IPFamilyAny
	}

	if *connectTimeout < 0 {
		return nil, xfererr.New(xfererr.KindConfig, "--connect-timeout must be >= 0")
	}
	cfg.ConnectTimeout = time.Duration(*connectTimeout) * time.Second

	if *failureCode <= 0 || *failureCode > 255 {
		return nil, xfererr.New(xfererr.KindConfig, "--failure-code must be in 1..255")
	}

	if cfg.Mode == ModeExport {
		if *host == "" {
			return nil, xfererr.New(xfererr.KindConfig, "--host is required for export")
		}
		if err := validateHost(*host); err != nil {
			return nil, xfererr.Wrap(xfererr.KindConfig, "--host", err)
		}
		if *port == "" {
			return nil, xfererr.New(xfererr.KindConfig, "--port is required for export")
		}
		if _, err := net.LookupPort("tcp", *port); err != nil {
			return nil, xfererr.Wrap(xfererr.KindConfig, "--port", err)
		}
	}

	size, err := parseExpectedSize(*expectedSize)
	if err != nil {
		return nil, xfererr.Wrap(xfererr.KindConfig, "--expected-size", err)
	}
	cfg.ExpectedSize = size

	name := strings.ToLower(strings.TrimSpace(*compress))
	if name == "" {
		name = "none"
	}
	if name != "none" && !knownCompressors[name] {
		return nil, xfererr.New(xfererr.KindConfig, fmt.Sprintf("unknown compression method %q", *compress))
	}
	cfg.Compress = name

	if *magic != "" && !magicPattern.MatchString(*magic) {
		return nil, xfererr.New(xfererr.KindConfig, fmt.Sprintf("--magic %q does not match %s", *magic, magicPattern.String()))
	}

	return cfg, nil
}

func parseExpectedSize(s string) (ExpectedSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ExpectedSize{}, nil
	}
	if strings.EqualFold(s, "custom") {
		return ExpectedSize{Known: true, Custom: true}, nil
	}
	mib, err := strconv.ParseInt(s, 10, 64)
	if err != nil || mib <= 0 {
		return ExpectedSize{}, fmt.Errorf("must be a positive integer MiB or %q, got %q", "custom", s)
	}
	return ExpectedSize{Known: true, MiB: mib}, nil
}

// validateHost accepts an IP literal outright; otherwise it requires
// the name to be resolvable.
func validateHost(host string) error {
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, err := net.LookupHost(host); err != nil {
		return fmt.Errorf("host %q is not an IP literal and did not resolve: %w", host, err)
	}
	return nil
}
