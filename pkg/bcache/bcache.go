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

// Package bcache caches disk blocks in a fixed set of in-kernel buffers.
//
// Each buffer carries a sleep lock, so only one caller at a time uses a
// cached block, and a reference count; a buffer whose count is zero has no
// identity and may be recycled by the next miss.
//
// Lookups are sharded by block number. A hit takes only its shard's spin lock,
// takes a reference, drops the shard lock, then sleeps on the buffer's lock.
// A miss takes the cache-wide lock to pick a victim: the unreferenced buffer
// with the oldest last-use tick, the lowest index winning ties. The victim's
// new identity is installed under the target shard's lock, and every spin
// lock is released before the device is read.
//
// Lock order: cache lock, then shard lock, then the tick lock. Buffer sleep
// locks are never acquired with a spin lock held.
package bcache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kcore.dev/kcore/pkg/disk"
	"kcore.dev/kcore/pkg/ktime"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/sync"
)

const (
	// DefaultNumBufs is the default number of buffers.
	DefaultNumBufs = 30

	// DefaultNumShards is the default number of lookup shards. It is prime
	// so that strided block numbers spread across shards.
	DefaultNumShards = 13

	// noShard marks a buffer without identity.
	noShard int32 = -1
)

var (
	cacheHits    = metric.MustCreateNewUint64Metric("/bcache/hits", false /* sync */, "Number of block lookups satisfied by a cached buffer.")
	cacheMisses  = metric.MustCreateNewUint64Metric("/bcache/misses", false /* sync */, "Number of block lookups that recycled a buffer.")
	evictions    = metric.MustCreateNewUint64Metric("/bcache/evictions", false /* sync */, "Number of recycled buffers that held another block's contents.")
	deviceReads  = metric.MustCreateNewUint64Metric("/bcache/device_reads", false /* sync */, "Number of blocks read from devices.")
	deviceWrites = metric.MustCreateNewUint64Metric("/bcache/device_writes", false /* sync */, "Number of blocks written to devices.")
)

// Device is the block device beneath the cache.
type Device interface {
	// ReadBlock reads block blockno of device dev into dst.
	ReadBlock(ctx context.Context, dev, blockno uint32, dst []byte) error

	// WriteBlock writes src to block blockno of device dev.
	WriteBlock(ctx context.Context, dev, blockno uint32, src []byte) error
}

// Buf is a cached disk block.
type Buf struct {
	// lock serializes users of the block's contents.
	lock sync.SleepLock

	// valid is true once data holds the block's contents. It is protected
	// by lock, and reset only while the buffer has no references.
	valid bool

	// dev and blockno identify the block. They are written under the cache
	// lock and the new shard's lock, and read under the shard lock.
	dev     uint32
	blockno uint32

	// shard is the lookup shard holding the buffer, or noShard. It is
	// updated with the same locking as dev and blockno, and read atomically
	// by the eviction scan.
	shard atomic.Int32

	// refcnt is the number of references, modified under the shard lock
	// and read atomically by the eviction scan. A buffer's shard is cleared
	// before its count reaches zero.
	refcnt atomic.Int32

	// ticks is the tick of the last lookup.
	ticks atomic.Uint64

	// index is the buffer's slot in the cache.
	index int

	data [disk.BlockSize]byte
}

// Dev returns the device of the block.
func (b *Buf) Dev() uint32 {
	return b.dev
}

// BlockNo returns the block number.
func (b *Buf) BlockNo() uint32 {
	return b.blockno
}

// Data returns the block's contents. The caller must hold the buffer.
func (b *Buf) Data() []byte {
	return b.data[:]
}

// String implements fmt.Stringer.
func (b *Buf) String() string {
	return fmt.Sprintf("buf%d(dev %d, block %d, ref %d)", b.index, b.dev, b.blockno, b.refcnt.Load())
}

// shard is a lookup partition.
type shard struct {
	mu sync.SpinLock
}

// Opts configures a Cache.
type Opts struct {
	// NumBufs is the number of buffers. Zero means DefaultNumBufs.
	NumBufs int

	// NumShards is the number of lookup shards. Zero means
	// DefaultNumShards.
	NumShards int

	// Device is where blocks are read from and written to.
	Device Device

	// Clock stamps buffers on lookup.
	Clock ktime.Clock
}

// Stats are the cache's counters.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	DeviceReads  uint64
	DeviceWrites uint64
}

// Cache is the buffer cache.
type Cache struct {
	// mu serializes victim selection.
	mu sync.SpinLock

	shards []shard
	bufs   []Buf

	dev   Device
	clock ktime.Clock

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	reads     atomic.Uint64
	writes    atomic.Uint64

	// warn rate-limits device error reports.
	warn log.Logger
}

// New returns an empty cache.
func New(opts Opts) *Cache {
	if opts.NumBufs == 0 {
		opts.NumBufs = DefaultNumBufs
	}
	if opts.NumShards == 0 {
		opts.NumShards = DefaultNumShards
	}
	if opts.NumBufs < 1 || opts.NumShards < 1 {
		panic(fmt.Sprintf("bcache: invalid geometry: %d buffers, %d shards", opts.NumBufs, opts.NumShards))
	}
	c := &Cache{
		shards: make([]shard, opts.NumShards),
		bufs:   make([]Buf, opts.NumBufs),
		dev:    opts.Device,
		clock:  opts.Clock,
		warn:   log.BasicRateLimitedLogger(time.Second),
	}
	c.mu.Init("bcache")
	for i := range c.shards {
		c.shards[i].mu.Init(fmt.Sprintf("bcache.shard%d", i))
	}
	for i := range c.bufs {
		b := &c.bufs[i]
		b.lock.Init("buffer")
		b.shard.Store(noShard)
		b.index = i
	}
	return c
}

func (c *Cache) shardOf(blockno uint32) int32 {
	return int32(blockno % uint32(len(c.shards)))
}

// lookupLocked finds the buffer of (dev, blockno) in shard s.
//
// Preconditions: c.shards[s].mu is held.
func (c *Cache) lookupLocked(s int32, dev, blockno uint32) *Buf {
	for i := range c.bufs {
		b := &c.bufs[i]
		if b.shard.Load() == s && b.dev == dev && b.blockno == blockno {
			return b
		}
	}
	return nil
}

// victimLocked returns the unreferenced buffer used longest ago, or nil.
//
// Preconditions: c.mu is held.
func (c *Cache) victimLocked() *Buf {
	var victim *Buf
	var oldest uint64
	for i := range c.bufs {
		b := &c.bufs[i]
		if b.refcnt.Load() != 0 {
			continue
		}
		if t := b.ticks.Load(); victim == nil || t < oldest {
			victim, oldest = b, t
		}
	}
	return victim
}

// get returns the buffer for (dev, blockno) with its sleep lock held and a
// reference taken.
func (c *Cache) get(ctx context.Context, dev, blockno uint32) *Buf {
	s := c.shardOf(blockno)
	sh := &c.shards[s]

	sh.mu.Lock(ctx)
	if b := c.lookupLocked(s, dev, blockno); b != nil {
		b.refcnt.Add(1)
		b.ticks.Store(c.clock.Now(ctx))
		sh.mu.Unlock(ctx)
		c.hits.Add(1)
		cacheHits.Increment()
		b.lock.Lock(ctx)
		return b
	}
	sh.mu.Unlock(ctx)

	// Not cached. Recycle the least recently used unreferenced buffer.
	c.mu.Lock(ctx)
	now := c.clock.Now(ctx)
	victim := c.victimLocked()

	sh.mu.Lock(ctx)
	// Another hart may have installed the block between the two critical
	// sections above.
	if b := c.lookupLocked(s, dev, blockno); b != nil {
		b.refcnt.Add(1)
		b.ticks.Store(now)
		sh.mu.Unlock(ctx)
		c.mu.Unlock(ctx)
		c.hits.Add(1)
		cacheHits.Increment()
		b.lock.Lock(ctx)
		return b
	}
	if victim == nil {
		sh.mu.Unlock(ctx)
		c.mu.Unlock(ctx)
		log.Panicf("bget: no buffers")
	}
	if victim.valid {
		c.evictions.Add(1)
		evictions.Increment()
		log.Debugf("bcache: evicting dev %d block %d from buf%d", victim.dev, victim.blockno, victim.index)
	}
	victim.dev = dev
	victim.blockno = blockno
	victim.valid = false
	victim.refcnt.Store(1)
	victim.ticks.Store(now)
	victim.shard.Store(s)
	sh.mu.Unlock(ctx)
	c.mu.Unlock(ctx)

	c.misses.Add(1)
	cacheMisses.Increment()
	victim.lock.Lock(ctx)
	return victim
}

// Read returns a locked buffer holding block blockno of device dev. The
// caller must Release it.
func (c *Cache) Read(ctx context.Context, dev, blockno uint32) (*Buf, error) {
	b := c.get(ctx, dev, blockno)
	if !b.valid {
		if err := c.dev.ReadBlock(ctx, dev, blockno, b.data[:]); err != nil {
			c.warn.Warningf("Reading device %d block %d: %v", dev, blockno, err)
			c.Release(ctx, b)
			return nil, err
		}
		c.reads.Add(1)
		deviceReads.Increment()
		b.valid = true
	}
	return b, nil
}

// Write writes b's contents to the device. The caller must hold b.
func (c *Cache) Write(ctx context.Context, b *Buf) error {
	if !b.lock.Holding(ctx) {
		log.Panicf("bwrite: %v not locked by caller", b)
	}
	if err := c.dev.WriteBlock(ctx, b.dev, b.blockno, b.data[:]); err != nil {
		c.warn.Warningf("Writing device %d block %d: %v", b.dev, b.blockno, err)
		return err
	}
	c.writes.Add(1)
	deviceWrites.Increment()
	return nil
}

// Release unlocks b and drops the caller's reference. The caller must hold
// b, and must not use it afterwards.
func (c *Cache) Release(ctx context.Context, b *Buf) {
	if !b.lock.Holding(ctx) {
		log.Panicf("brelse: %v not locked by caller", b)
	}
	b.lock.Unlock(ctx)
	c.unref(ctx, b, "brelse")
}

// Pin takes an extra reference on b, keeping it from being recycled without
// holding its lock. The caller must already hold a reference.
func (c *Cache) Pin(ctx context.Context, b *Buf) {
	s := b.shard.Load()
	if s == noShard {
		log.Panicf("bpin: %v has no references", b)
	}
	sh := &c.shards[s]
	sh.mu.Lock(ctx)
	b.refcnt.Add(1)
	sh.mu.Unlock(ctx)
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(ctx context.Context, b *Buf) {
	c.unref(ctx, b, "bunpin")
}

func (c *Cache) unref(ctx context.Context, b *Buf, op string) {
	s := b.shard.Load()
	if s == noShard {
		log.Panicf("%s: %v has no references", op, b)
	}
	sh := &c.shards[s]
	sh.mu.Lock(ctx)
	if b.refcnt.Load() == 1 {
		// Nobody else refers to the block: drop its identity so that it
		// can be recycled.
		b.shard.Store(noShard)
		b.refcnt.Store(0)
	} else {
		b.refcnt.Add(-1)
	}
	sh.mu.Unlock(ctx)
}

// Cached returns true if (dev, blockno) currently has a buffer.
func (c *Cache) Cached(ctx context.Context, dev, blockno uint32) bool {
	s := c.shardOf(blockno)
	sh := &c.shards[s]
	sh.mu.Lock(ctx)
	defer sh.mu.Unlock(ctx)
	return c.lookupLocked(s, dev, blockno) != nil
}

// NumBufs returns the number of buffers.
func (c *Cache) NumBufs() int {
	return len(c.bufs)
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
		DeviceReads:  c.reads.Load(),
		DeviceWrites: c.writes.Load(),
	}
}
