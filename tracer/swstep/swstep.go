// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package swstep predicts the successor addresses of the instruction a
// task is stopped on, so that one-shot traps can substitute for
// hardware single-stepping.
package swstep // import "go.opentelemetry.io/dyntracer/tracer/swstep"

// Status reports how a software step attempt went.
type Status int

const (
	// StatusHW means the successors cannot be predicted statically and
	// the caller must fall back to hardware stepping.
	StatusHW Status = iota
	// StatusOK means the step was set up.
	StatusOK
	// StatusFail means the step could not be set up at all.
	StatusFail
)
