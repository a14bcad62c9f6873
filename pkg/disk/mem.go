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

package disk

import (
	"sync/atomic"

	"kcore.dev/kcore/pkg/sync"
)

// MemBackend is a device held in host memory.
type MemBackend struct {
	mu     sync.Mutex
	blocks [][BlockSize]byte

	reads  atomic.Uint64
	writes atomic.Uint64
}

// NewMemBackend returns a zeroed device of n blocks.
func NewMemBackend(n uint32) *MemBackend {
	return &MemBackend{blocks: make([][BlockSize]byte, n)}
}

// ReadBlock implements Backend.ReadBlock.
func (m *MemBackend) ReadBlock(n uint32, dst []byte) error {
	m.mu.Lock()
	copy(dst, m.blocks[n][:])
	m.mu.Unlock()
	m.reads.Add(1)
	return nil
}

// WriteBlock implements Backend.WriteBlock.
func (m *MemBackend) WriteBlock(n uint32, src []byte) error {
	m.mu.Lock()
	copy(m.blocks[n][:], src)
	m.mu.Unlock()
	m.writes.Add(1)
	return nil
}

// NumBlocks implements Backend.NumBlocks.
func (m *MemBackend) NumBlocks() uint32 {
	return uint32(len(m.blocks))
}

// Sync implements Backend.Sync.
func (m *MemBackend) Sync() error { return nil }

// Close implements Backend.Close.
func (m *MemBackend) Close() error { return nil }

// Reads returns the number of blocks read from the device.
func (m *MemBackend) Reads() uint64 {
	return m.reads.Load()
}

// Writes returns the number of blocks written to the device.
func (m *MemBackend) Writes() uint64 {
	return m.writes.Load()
}
