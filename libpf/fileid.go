// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/dyntracer/libpf"

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// OnDiskFileIdentifier identifies a particular file on disk by
// device ID and inode number.
type OnDiskFileIdentifier struct {
	DeviceID uint64 // dev_t as reported by stat.
	InodeNum uint64 // ino_t as reported by stat.
}

func (odfi OnDiskFileIdentifier) Hash32() uint32 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], odfi.DeviceID)
	binary.LittleEndian.PutUint64(buf[8:], odfi.InodeNum)
	return uint32(xxh3.Hash(buf[:]))
}
