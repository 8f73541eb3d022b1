// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/dyntracer/libpf"
)

// Help strings for command line arguments
var (
	attachHelp = "Comma-separated list of process IDs to attach to. " +
		"Every task of each thread group is attached."
	verboseModeHelp   = "Enable verbose logging and debugging capabilities."
	noSinglestepHelp  = "Do not re-enable breakpoints by single-stepping over them."
	softwareStepHelp  = "Single-step with scratch breakpoints instead of the hardware facility."
	noLazyBindingHelp = "Do not track lazy symbol binding through the PLT."
	versionHelp       = "Show version."
)

type arguments struct {
	attachPids    []libpf.PID
	command       []string
	verboseMode   bool
	noSinglestep  bool
	softwareStep  bool
	noLazyBinding bool
	version       bool

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments
	var pidList string

	fs := flag.NewFlagSet("dyntracer", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&args.noLazyBinding, "no-lazy-binding", false, noLazyBindingHelp)
	fs.BoolVar(&args.noSinglestep, "no-singlestep", false, noSinglestepHelp)

	fs.StringVar(&pidList, "p", "", attachHelp)

	fs.BoolVar(&args.softwareStep, "software-singlestep", false, softwareStepHelp)

	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [options] [command args...]\n", fs.Name())
		fs.PrintDefaults()
	}

	args.fs = fs

	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("DYNTRACER"))
	if err != nil {
		return nil, err
	}
	args.command = fs.Args()

	if pidList != "" {
		for _, field := range strings.Split(pidList, ",") {
			pid, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil || pid <= 0 {
				return nil, fmt.Errorf("bad pid %q", field)
			}
			args.attachPids = append(args.attachPids, libpf.PID(pid))
		}
	}
	return &args, nil
}

func (args *arguments) dump() {
	args.fs.VisitAll(func(f *flag.Flag) {
		fmt.Printf("%s: %v\n", f.Name, f.Value)
	})
}
