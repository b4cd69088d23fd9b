// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2022 The Lightning Network Developers

// electrum-cluster-cli dials a quorum of Electrum servers through the
// cluster package, waits for it to become ready, and issues one
// quorum-resolved request against it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/lightninglabs/electrum/build"
	"github.com/lightninglabs/electrum/cluster"
	"github.com/lightninglabs/electrum/connection"
	"github.com/lightninglabs/electrum/signal"

	"github.com/btcsuite/btclog"
)

// subsystemLoggers implements build.LeveledSubLogger over this command's
// three subsystems, giving --debuglevel support for per-subsystem overrides
// (e.g. "info,CLST=debug") in addition to a single global level.
type subsystemLoggers map[string]btclog.Logger

func (s subsystemLoggers) SubLoggers() build.SubLoggers {
	loggers := make(build.SubLoggers, len(s))
	for subsystem, logger := range s {
		loggers[subsystem] = logger
	}
	return loggers
}

func (s subsystemLoggers) SupportedSubsystems() []string {
	systems := make([]string, 0, len(s))
	for subsystem := range s {
		systems = append(systems, subsystem)
	}
	sort.Strings(systems)
	return systems
}

func (s subsystemLoggers) SetLogLevel(subsystemID, logLevel string) {
	logger, ok := s[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

func (s subsystemLoggers) SetLogLevels(logLevel string) {
	for subsystemID := range s {
		s.SetLogLevel(subsystemID, logLevel)
	}
}

type options struct {
	Peers []string `long:"peer" description:"host:port of an Electrum peer to add to the cluster (repeatable)" required:"true"`

	App          string        `long:"app" description:"application name reported during handshake" default:"electrum-cluster-cli"`
	Version      string        `long:"protocolversion" description:"Electrum protocol version reported during handshake" default:"1.4.1"`
	Distribution int           `long:"distribution" description:"number of peers a request fans out to" default:"1"`
	Confidence   int           `long:"confidence" description:"number of agreeing peers required to accept a result" default:"1"`
	Priority     bool          `long:"priority" description:"try peers in registration order instead of randomly"`
	Timeout      time.Duration `long:"timeout" description:"per-peer connect timeout and cluster ready wait budget" default:"10s"`
	Debug        string        `long:"debuglevel" description:"logging level, or comma-separated level/subsystem=level pairs (e.g. info,CLST=debug); subsystems are CLST, CONN, SIGN" default:"info"`
	LogFile      string        `long:"logfile" description:"rotate logs to this file in addition to stdout; disabled when empty"`

	Positional struct {
		Method string   `positional-arg-name:"method" required:"true"`
		Params []string `positional-arg-name:"params"`
	} `positional-args:"true"`
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[electrum-cluster-cli] %v\n", err)
	os.Exit(1)
}

func parseParams(args []string) []interface{} {
	params := make([]interface{}, len(args))
	for i, arg := range args {
		var v interface{}
		if err := json.Unmarshal([]byte(arg), &v); err == nil {
			params[i] = v
			continue
		}
		params[i] = arg
	}
	return params
}

// setupLogging wires every package's logger to a shared btclog.Backend
// writing to stdout and, if logFile is set, to a rotating log file using
// build's default rotation settings.
func setupLogging(level, logFile string) func() {
	var (
		out     io.Writer = os.Stdout
		rotator *build.RotatingLogWriter
	)

	if logFile != "" {
		rotator = build.NewRotatingLogWriter()
		cfg := build.DefaultLogConfig()
		if err := rotator.InitLogRotator(cfg.File, logFile); err != nil {
			fatal(fmt.Errorf("initializing log rotator: %w", err))
		}
		out = io.MultiWriter(os.Stdout, rotator)
	}

	backendLog := btclog.NewBackend(out)
	subLogger := func(subsystem string) btclog.Logger {
		return backendLog.Logger(subsystem)
	}

	loggers := subsystemLoggers{
		"CLST": build.NewSubLogger("CLST", subLogger),
		"CONN": build.NewSubLogger("CONN", subLogger),
		"SIGN": build.NewSubLogger("SIGN", subLogger),
	}

	cluster.UseLogger(loggers["CLST"])
	connection.UseLogger(loggers["CONN"])
	signal.UseLogger(loggers["SIGN"])

	if err := build.ParseAndSetDebugLevels(level, loggers); err != nil {
		fatal(fmt.Errorf("parsing debuglevel: %w", err))
	}

	if rotator == nil {
		return func() {}
	}
	return func() { rotator.Close() }
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fatal(err)
	}

	closeLog := setupLogging(opts.Debug, opts.LogFile)
	defer closeLog()

	order := cluster.RANDOM
	if opts.Priority {
		order = cluster.PRIORITY
	}

	c, err := cluster.New(
		opts.App, opts.Version,
		cluster.WithDistribution(opts.Distribution),
		cluster.WithConfidence(opts.Confidence),
		cluster.WithOrder(order),
		cluster.WithTimeout(opts.Timeout),
	)
	if err != nil {
		fatal(fmt.Errorf("constructing cluster: %w", err))
	}

	signal.AddHandler(func() { c.Shutdown() })

	for _, peer := range opts.Peers {
		host, portStr, err := net.SplitHostPort(peer)
		if err != nil {
			fatal(fmt.Errorf("invalid peer %q: %w", peer, err))
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			fatal(fmt.Errorf("invalid peer port %q: %w", peer, err))
		}

		if err := c.AddServer(host, port); err != nil {
			fmt.Fprintf(os.Stderr, "[electrum-cluster-cli] peer %v failed to connect: %v\n", peer, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if !c.Ready(ctx) {
		fatal(fmt.Errorf("cluster did not reach ready within %v (%d/%d peers live)",
			opts.Timeout, c.Live(), opts.Distribution))
	}

	result, err := c.Request(opts.Positional.Method, parseParams(opts.Positional.Params)...)
	if err != nil {
		fatal(fmt.Errorf("%v: %w", opts.Positional.Method, err))
	}

	fmt.Println(string(result))

	c.Shutdown()
}
