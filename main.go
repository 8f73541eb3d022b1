// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/breakpoint"
	"go.opentelemetry.io/dyntracer/events"
	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/plt"
	"go.opentelemetry.io/dyntracer/proc"
	"go.opentelemetry.io/dyntracer/ptrace"
	"go.opentelemetry.io/dyntracer/tracer"
)

const version = "0.1.0"

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		log.Errorf("Failure to parse arguments: %v", err)
		return exitParseError
	}

	if args.version {
		fmt.Printf("%s\n", version)
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.dump()
	}

	if len(args.attachPids) == 0 && len(args.command) == 0 {
		args.fs.Usage()
		return exitParseError
	}

	// The trace interface pins this goroutine to its OS thread; everything
	// from here on, including the launch of the tracee, stays on it.
	tr := ptrace.New()
	reg := proc.NewRegistry()
	bps := breakpoint.NewSet(tr)
	queue := &events.Queue{}
	coord := tracer.New(tr, reg, bps, queue, tracer.Options{
		NoSinglestep:       args.noSinglestep,
		SoftwareSinglestep: args.softwareStep,
	})
	loop := tracer.NewLoop(coord)

	var tracker *plt.Tracker
	if !args.noLazyBinding {
		if tracker, err = plt.NewTracker(coord); err != nil {
			log.Errorf("Failed to set up lazy-binding tracking: %v", err)
			return exitFailure
		}
	}

	for _, pid := range args.attachPids {
		leader, err := coord.AttachAll(pid)
		if err != nil {
			log.Errorf("Failed to attach to %d: %v", pid, err)
			return exitFailure
		}
		exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
		if err != nil {
			log.Warnf("Failed to resolve executable of %d: %v", pid, err)
		} else {
			trackLazyBinding(tracker, leader, exe)
		}
		for _, task := range reg.Tasks(leader) {
			coord.ContinueProcess(task)
		}
	}
	coord.SetAttachedPids(args.attachPids)

	if len(args.command) > 0 {
		if code := launchCommand(coord, tracker, args.command); code != exitSuccess {
			return code
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	var interrupted atomic.Bool
	go func() {
		for range sigCh {
			interrupted.Store(true)
		}
	}()

	for !reg.Empty() {
		if interrupted.Swap(false) {
			log.Info("Interrupted, winding down")
			coord.Exiting()
			continue
		}
		ev, err := loop.NextEvent()
		if err == unix.ECHILD {
			break
		}
		if err != nil {
			log.Errorf("Event wait failed: %v", err)
			return exitFailure
		}
		loop.Dispatch(ev)
	}
	return exitSuccess
}

// launchCommand starts the tracee with tracing requested from birth and
// plants its lazy-binding breakpoints while it sits in the exec stop.
func launchCommand(coord *tracer.Coordinator, tracker *plt.Tracker,
	command []string) exitCode {
	path, err := exec.LookPath(command[0])
	if err != nil {
		log.Errorf("Failed to find %s: %v", command[0], err)
		return exitFailure
	}
	cmd := exec.Command(path, command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		log.Errorf("Failed to start %s: %v", path, err)
		return exitFailure
	}

	pid := libpf.PID(cmd.Process.Pid)
	if err := ptrace.TraceLaunched(pid); err != nil {
		log.Errorf("Failed to trace %s: %v", path, err)
		return exitFailure
	}
	leader, err := coord.Registry().Add(pid, nil, nil)
	if err != nil {
		log.Errorf("Failed to register %d: %v", pid, err)
		return exitFailure
	}
	trackLazyBinding(tracker, leader, path)
	coord.ContinueProcess(leader)
	return exitSuccess
}

func trackLazyBinding(tracker *plt.Tracker, leader *proc.Process, path string) {
	if tracker == nil {
		return
	}
	bias, err := plt.LoadBias(leader.Pid, path)
	if err != nil {
		log.Warnf("Failed to find load bias of %s: %v", path, err)
		return
	}
	if err := tracker.AddLibrary(leader, path, bias); err != nil {
		log.Warnf("Failed to track lazy binding of %s: %v", path, err)
	}
}
