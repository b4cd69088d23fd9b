// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2022 The Lightning Network Developers

// electrum-cli is a thin command-line client demonstrating the electrum
// package: it dials a single Electrum server, performs the handshake, and
// either issues one request or streams one subscription's notifications to
// stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/lightninglabs/electrum"
	"github.com/lightninglabs/electrum/build"
	"github.com/lightninglabs/electrum/connection"
	"github.com/lightninglabs/electrum/signal"

	"github.com/btcsuite/btclog"
)

// subsystemLoggers implements build.LeveledSubLogger over this command's
// three subsystems, giving --debuglevel support for per-subsystem overrides
// (e.g. "info,CONN=debug") in addition to a single global level.
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
	Host    string        `long:"host" description:"Electrum server hostname or IP" required:"true"`
	Port    int           `long:"port" description:"Electrum server TLS port" default:"0"`
	App     string        `long:"app" description:"application name reported during handshake" default:"electrum-cli"`
	Version string        `long:"protocolversion" description:"Electrum protocol version reported during handshake" default:"1.4.1"`
	Timeout time.Duration `long:"timeout" description:"connect and request timeout" default:"10s"`
	Debug   string        `long:"debuglevel" description:"logging level, or comma-separated level/subsystem=level pairs (e.g. info,CONN=debug); subsystems are ECLT, CONN, SIGN" default:"info"`
	LogFile string        `long:"logfile" description:"rotate logs to this file in addition to stdout; disabled when empty"`

	Subscribe bool `long:"subscribe" description:"treat Method as a subscription and stream notifications instead of issuing one request"`

	Positional struct {
		Method string   `positional-arg-name:"method" required:"true"`
		Params []string `positional-arg-name:"params"`
	} `positional-args:"true"`
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[electrum-cli] %v\n", err)
	os.Exit(1)
}

// parseParams converts each CLI argument into a JSON value: arguments that
// parse as JSON (numbers, booleans, quoted strings, arrays) are passed
// through as-is, everything else is treated as a bare string.
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
		"ECLT": build.NewSubLogger("ECLT", subLogger),
		"CONN": build.NewSubLogger("CONN", subLogger),
		"SIGN": build.NewSubLogger("SIGN", subLogger),
	}

	electrum.UseLogger(loggers["ECLT"])
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

	connOpts := []connection.Option{
		connection.WithTimeout(opts.Timeout),
	}
	if opts.Port != 0 {
		connOpts = append(connOpts, connection.WithPort(opts.Port))
	}

	client, err := electrum.New(opts.App, opts.Version, opts.Host, connOpts...)
	if err != nil {
		fatal(fmt.Errorf("constructing client: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		fatal(fmt.Errorf("connecting to %v: %w", opts.Host, err))
	}
	defer client.Disconnect(false)

	signal.AddHandler(func() { client.Disconnect(false) })

	params := parseParams(opts.Positional.Params)

	if opts.Subscribe {
		runSubscribe(client, opts.Positional.Method, params)
		return
	}

	runRequest(client, opts.Positional.Method, params, opts.Timeout)
}

func runRequest(client *electrum.Client, method string, params []interface{}, timeout time.Duration) {
	future, err := client.Request(method, params...)
	if err != nil {
		fatal(fmt.Errorf("sending %v: %w", method, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, rpcErr, err := future.Receive(ctx)
	if err != nil {
		fatal(fmt.Errorf("waiting for %v: %w", method, err))
	}
	if rpcErr != nil {
		fatal(fmt.Errorf("%v rejected: %v", method, rpcErr))
	}

	fmt.Println(string(result))
}

func runSubscribe(client *electrum.Client, method string, params []interface{}) {
	notifications, err := client.Subscribe(method, params...)
	if err != nil {
		fatal(fmt.Errorf("subscribing to %v: %w", method, err))
	}

	fmt.Fprintf(os.Stderr, "[electrum-cli] subscribed to %v, press ctrl-c to stop\n", method)

	for {
		select {
		case payload, ok := <-notifications:
			if !ok {
				return
			}
			fmt.Println(string(payload))

		case <-signal.ShutdownChannel():
			return

		case <-client.Done():
			return
		}
	}
}
