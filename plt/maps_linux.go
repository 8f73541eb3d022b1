//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package plt // import "go.opentelemetry.io/dyntracer/plt"

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/dyntracer/libpf"
)

// LoadBias determines the load bias of the mapping of path in pid: zero for
// fixed-address executables, the lowest mapping start for position
// independent ones.
func LoadBias(pid libpf.PID, path string) (libpf.Address, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	typ := ef.Type
	ef.Close()
	if typ == elf.ET_EXEC {
		return 0, nil
	}

	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// start-end perms offset dev inode pathname
		if len(fields) < 6 || fields[5] != path {
			continue
		}
		if fields[2] != "0" && fields[2] != "00000000" {
			continue
		}
		start, _, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		base, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}
		return libpf.Address(base), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no mapping of %s in %d", path, pid)
}
