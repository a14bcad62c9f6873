// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for kcore.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"kcore.dev/kcore/kcore/cmd"
	"kcore.dev/kcore/kcore/cmd/util"
	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/refs"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Flags from a configuration file fill in whatever the command line
	// left unset.
	if path := flag.Lookup("config").Value.String(); path != "" {
		if err := config.ApplyFile(flag.CommandLine, path); err != nil {
			util.Fatalf("loading config file: %v", err)
		}
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	setupLogging(conf, flag.CommandLine.Arg(0))
	refs.SetLeakMode(conf.RefLeakMode)

	const delimString = `**************** kcore ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d, UID %d, GID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getuid(), os.Getgid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(ctx, conf)
	// Check for leaks before os.Exit().
	refs.DoLeakCheck()
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// setupLogging points util.ErrorLogger at --log and the log package at
// --debug-log, or at nothing when no debug log is requested so that command
// output on stdout stays clean.
func setupLogging(conf *config.Config, subcommand string) {
	opts := log.PatternOpts{Command: subcommand}
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, opts)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		util.ErrorLogger = f
	}
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var emitters log.MultiEmitter
	if conf.DebugLog != "" {
		f, err := log.OpenFile(conf.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, opts)
		if err != nil {
			util.Fatalf("error opening debug log file in %q: %v", conf.DebugLog, err)
		}
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, f))
	} else {
		emitters = append(emitters, newEmitter("text", io.Discard))
	}
	if conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, os.Stderr))
	}
	if len(emitters) == 1 {
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}
}

// forEachCmd invokes the passed callback for each command supported by kcore.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.MMap), "")
	cb(new(cmd.Stress), "")

	const helperGroup = "helpers"
	cb(new(cmd.Mkdisk), helperGroup)

	const metricGroup = "metrics"
	cb(new(cmd.Metrics), metricGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "json-k8s":
		return log.K8sJSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	util.Fatalf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", format)
	panic("unreachable")
}
