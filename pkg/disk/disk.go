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

// Package disk provides the block devices behind the buffer cache.
//
// A Table maps device numbers to backends. Every transfer moves exactly one
// BlockSize block, the block size of the file system above.
package disk

import (
	"context"
	"fmt"
	"sort"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hart"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sync"
)

// BlockSize is the size of a disk block in bytes.
const BlockSize = 1024

// Backend stores the blocks of one device.
type Backend interface {
	// ReadBlock reads block n into dst, which is BlockSize bytes long.
	ReadBlock(n uint32, dst []byte) error

	// WriteBlock writes src, which is BlockSize bytes long, to block n.
	WriteBlock(n uint32, src []byte) error

	// NumBlocks returns the device's capacity in blocks.
	NumBlocks() uint32

	// Sync flushes written blocks to stable storage.
	Sync() error

	// Close releases the backend.
	Close() error
}

// Table is the set of attached devices.
type Table struct {
	// mu protects devs. It is a host mutex rather than a spin lock: device
	// I/O may block, and is only issued with sleep locks held.
	mu   sync.Mutex
	devs map[uint32]Backend
}

// NewTable returns an empty device table.
func NewTable() *Table {
	return &Table{devs: make(map[uint32]Backend)}
}

// Attach makes b available as device dev.
func (t *Table) Attach(dev uint32, b Backend) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devs[dev]; ok {
		return fmt.Errorf("device %d: %w", dev, linuxerr.EBUSY)
	}
	t.devs[dev] = b
	log.Infof("Attached device %d: %d blocks", dev, b.NumBlocks())
	return nil
}

// Detach removes and closes device dev.
func (t *Table) Detach(dev uint32) error {
	t.mu.Lock()
	b, ok := t.devs[dev]
	delete(t.devs, dev)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %d: %w", dev, linuxerr.ENODEV)
	}
	return b.Close()
}

// Devices returns the attached device numbers in ascending order.
func (t *Table) Devices() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	devs := make([]uint32, 0, len(t.devs))
	for dev := range t.devs {
		devs = append(devs, dev)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i] < devs[j] })
	return devs
}

// Backend returns the backend of device dev.
func (t *Table) Backend(dev uint32) (Backend, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.devs[dev]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", dev, linuxerr.ENODEV)
	}
	return b, nil
}

// lookup validates a transfer and returns its backend. Device I/O may sleep,
// so issuing it with a spin lock held is fatal.
func (t *Table) lookup(ctx context.Context, dev, blockno uint32, buf []byte) (Backend, error) {
	if h := hart.FromContext(ctx); h.Depth() > 0 {
		panic(fmt.Sprintf("disk: I/O on device %d with %d spin locks held on %v", dev, h.Depth(), h))
	}
	if len(buf) != BlockSize {
		panic(fmt.Sprintf("disk: transfer of %d bytes, want %d", len(buf), BlockSize))
	}
	b, err := t.Backend(dev)
	if err != nil {
		return nil, err
	}
	if blockno >= b.NumBlocks() {
		return nil, fmt.Errorf("device %d block %d beyond end (%d blocks): %w", dev, blockno, b.NumBlocks(), linuxerr.EIO)
	}
	return b, nil
}

// ReadBlock reads block blockno of device dev into dst.
func (t *Table) ReadBlock(ctx context.Context, dev, blockno uint32, dst []byte) error {
	b, err := t.lookup(ctx, dev, blockno, dst)
	if err != nil {
		return err
	}
	return b.ReadBlock(blockno, dst)
}

// WriteBlock writes src to block blockno of device dev.
func (t *Table) WriteBlock(ctx context.Context, dev, blockno uint32, src []byte) error {
	b, err := t.lookup(ctx, dev, blockno, src)
	if err != nil {
		return err
	}
	return b.WriteBlock(blockno, src)
}

// Close syncs and closes every device.
func (t *Table) Close() error {
	t.mu.Lock()
	devs := t.devs
	t.devs = make(map[uint32]Backend)
	t.mu.Unlock()

	var firstErr error
	for dev, b := range devs {
		if err := b.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("syncing device %d: %w", dev, err)
		}
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing device %d: %w", dev, err)
		}
	}
	return firstErr
}
