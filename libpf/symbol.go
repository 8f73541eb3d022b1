// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/dyntracer/libpf"

// SymbolValue represents the value associated with a symbol, e.g. either an
// offset or an absolute address
type SymbolValue uint64

// SymbolName represents the name of a symbol
type SymbolName string

// SymbolNameUnknown is the value used when an address has no symbol info.
const SymbolNameUnknown = ""

// Symbol associates a name with an address
type Symbol struct {
	Name    SymbolName
	Address SymbolValue
}
