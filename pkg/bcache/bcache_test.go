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

package bcache

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"kcore.dev/kcore/pkg/disk"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hart"
)

const testDev = 1

// fakeClock is a Clock whose time only moves when told to.
type fakeClock struct {
	now atomic.Uint64
}

func (c *fakeClock) Now(context.Context) uint64 {
	return c.now.Load()
}

type testCache struct {
	*Cache
	mem   *disk.MemBackend
	clock *fakeClock
	ctxs  []context.Context
}

func newTestCache(t *testing.T, bufs, harts int) *testCache {
	t.Helper()
	tbl := disk.NewTable()
	mem := disk.NewMemBackend(64)
	if err := tbl.Attach(testDev, mem); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	clock := &fakeClock{}
	tc := &testCache{
		Cache: New(Opts{NumBufs: bufs, NumShards: DefaultNumShards, Device: tbl, Clock: clock}),
		mem:   mem,
		clock: clock,
	}
	set := hart.NewSet(harts)
	for i := 0; i < harts; i++ {
		tc.ctxs = append(tc.ctxs, hart.WithHart(context.Background(), set.Get(i)))
	}
	return tc
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestReadWriteRelease(t *testing.T) {
	c := newTestCache(t, 4, 1)
	ctx := c.ctxs[0]

	b, err := c.Read(ctx, testDev, 7)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b.Dev() != testDev || b.BlockNo() != 7 {
		t.Errorf("Read returned %v", b)
	}
	copy(b.Data(), "hello")
	if err := c.Write(ctx, b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	c.Release(ctx, b)

	if c.Cached(ctx, testDev, 7) {
		t.Errorf("block still has an identity after its last release")
	}
	raw := make([]byte, disk.BlockSize)
	c.mem.ReadBlock(7, raw)
	if string(raw[:5]) != "hello" {
		t.Errorf("device block 7 = %q, want hello", raw[:5])
	}

	b, err = c.Read(ctx, testDev, 7)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if string(b.Data()[:5]) != "hello" {
		t.Errorf("reread block 7 = %q", b.Data()[:5])
	}
	c.Release(ctx, b)

	// The reread recycles the same buffer, discarding its old contents.
	want := Stats{Misses: 2, Evictions: 1, DeviceReads: 2, DeviceWrites: 1}
	if diff := cmp.Diff(want, c.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

// TestConcurrentReadersShareBuffer checks that a reader arriving while the
// block is held waits for, and then receives, the same buffer without
// another device read.
func TestConcurrentReadersShareBuffer(t *testing.T) {
	c := newTestCache(t, 4, 2)
	first, err := c.Read(c.ctxs[0], testDev, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	first.Data()[0] = 42

	got := make(chan *Buf)
	go func() {
		b, err := c.Read(c.ctxs[1], testDev, 3)
		if err != nil {
			t.Errorf("concurrent Read: %v", err)
		}
		got <- b
	}()

	select {
	case <-got:
		t.Fatalf("second reader acquired a held buffer")
	case <-time.After(50 * time.Millisecond):
	}
	c.Release(c.ctxs[0], first)
	second := <-got
	if second != first {
		t.Errorf("second reader got %v, want the same buffer %v", second, first)
	}
	if second.Data()[0] != 42 {
		t.Errorf("second reader sees %d, want 42", second.Data()[0])
	}
	if reads := c.Stats().DeviceReads; reads != 1 {
		t.Errorf("DeviceReads = %d, want 1", reads)
	}
	c.Release(c.ctxs[1], second)
}

func TestEvictionLRU(t *testing.T) {
	c := newTestCache(t, 3, 1)
	ctx := c.ctxs[0]

	// Read blocks 10, 11 and 12 at ticks 5, 3 and 4.
	var held []*Buf
	for i, tick := range []uint64{5, 3, 4} {
		c.clock.now.Store(tick)
		b, err := c.Read(ctx, testDev, uint32(10+i))
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		held = append(held, b)
	}
	// Release in order; the released buffers keep their last-use ticks.
	for _, b := range held {
		c.Release(ctx, b)
	}

	c.clock.now.Store(9)
	b, err := c.Read(ctx, testDev, 20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b.index != held[1].index {
		t.Errorf("victim was buf%d, want buf%d (oldest tick)", b.index, held[1].index)
	}
	c.Release(ctx, b)
}

func TestEvictionTieLowestIndex(t *testing.T) {
	c := newTestCache(t, 3, 1)
	ctx := c.ctxs[0]
	c.clock.now.Store(1)
	for blockno := uint32(0); blockno < 3; blockno++ {
		b, err := c.Read(ctx, testDev, blockno)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		c.Release(ctx, b)
	}
	b, err := c.Read(ctx, testDev, 30)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b.index != 0 {
		t.Errorf("victim was buf%d, want buf0", b.index)
	}
	c.Release(ctx, b)
}

func TestAllPinnedPanics(t *testing.T) {
	c := newTestCache(t, 3, 1)
	ctx := c.ctxs[0]
	var bufs []*Buf
	for blockno := uint32(0); blockno < 3; blockno++ {
		b, err := c.Read(ctx, testDev, blockno)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		c.Pin(ctx, b)
		c.Release(ctx, b)
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		if !c.Cached(ctx, testDev, b.BlockNo()) {
			t.Errorf("pinned %v lost its identity", b)
		}
	}
	mustPanic(t, "fourth distinct block", func() { c.Read(ctx, testDev, 3) })

	// The failed lookup did not disturb the pinned buffers.
	for _, b := range bufs {
		if got := b.refcnt.Load(); got != 1 {
			t.Errorf("%v refcnt = %d, want 1", b, got)
		}
	}
	c.Unpin(ctx, bufs[0])
	if c.Cached(ctx, testDev, 0) {
		t.Errorf("block 0 still cached after its last unpin")
	}
	b, err := c.Read(c.ctxs[0], testDev, 3)
	if err != nil {
		t.Fatalf("Read after unpin: %v", err)
	}
	if b != bufs[0] {
		t.Errorf("Read reused %v, want the unpinned buffer", b)
	}
	c.Release(ctx, b)
}

func TestLockDiscipline(t *testing.T) {
	c := newTestCache(t, 2, 2)
	b, err := c.Read(c.ctxs[0], testDev, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	mustPanic(t, "Write by non-holder", func() { c.Write(c.ctxs[1], b) })
	mustPanic(t, "Release by non-holder", func() { c.Release(c.ctxs[1], b) })
	c.Release(c.ctxs[0], b)
	mustPanic(t, "Release after release", func() { c.Release(c.ctxs[0], b) })
}

func TestDeviceError(t *testing.T) {
	c := newTestCache(t, 2, 1)
	ctx := c.ctxs[0]
	if _, err := c.Read(ctx, 9, 0); !linuxerr.Equals(linuxerr.ENODEV, err) {
		t.Fatalf("Read on a missing device = %v, want ENODEV", err)
	}
	for i := range c.bufs {
		if got := c.bufs[i].refcnt.Load(); got != 0 {
			t.Errorf("buf%d refcnt = %d after failed read", i, got)
		}
	}
}

// TestCoherence increments a counter in a handful of blocks from every hart.
// Two live buffers for one block would lose updates.
func TestCoherence(t *testing.T) {
	const (
		harts  = 4
		blocks = 5
		rounds = 200
	)
	c := newTestCache(t, DefaultNumBufs, harts)
	var g errgroup.Group
	for i, ctx := range c.ctxs {
		i, ctx := i, ctx
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				b, err := c.Read(ctx, testDev, uint32((i+r)%blocks))
				if err != nil {
					return err
				}
				n := binary.LittleEndian.Uint32(b.Data())
				binary.LittleEndian.PutUint32(b.Data(), n+1)
				if err := c.Write(ctx, b); err != nil {
					return err
				}
				c.Release(ctx, b)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	var total uint32
	raw := make([]byte, disk.BlockSize)
	for blockno := uint32(0); blockno < blocks; blockno++ {
		c.mem.ReadBlock(blockno, raw)
		total += binary.LittleEndian.Uint32(raw)
	}
	if total != harts*rounds {
		t.Errorf("sum of counters = %d, want %d", total, harts*rounds)
	}
}
