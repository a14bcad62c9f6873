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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"math/rand"

	"github.com/google/btree"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"kcore.dev/kcore/kcore/cmd/util"
	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/pkg/bcache"
	"kcore.dev/kcore/pkg/kernel"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/pgalloc"
	"kcore.dev/kcore/pkg/sync"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	iterations int
	batch      int
	blocks     int
	prometheus bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent allocation and block read storms on every hart"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-iterations=<n>] [-batch=<n>] [-blocks=<n>] [-prometheus] - every hart repeatedly allocates and frees frames and reads blocks through the buffer cache. Each frame handed out is checked against a ledger of outstanding frames.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.iterations, "iterations", 1000, "rounds per hart.")
	f.IntVar(&s.batch, "batch", 8, "frames held per round.")
	f.IntVar(&s.blocks, "blocks", 64, "number of distinct blocks read, 0 to skip block reads.")
	f.BoolVar(&s.prometheus, "prometheus", false, "print metrics in Prometheus text format afterwards.")
}

// ledger records the frames currently handed out.
type ledger struct {
	mu    sync.Mutex
	owned *btree.BTreeG[uint64]
}

func newLedger() *ledger {
	return &ledger{owned: btree.NewOrderedG[uint64](32)}
}

// issue records pa as handed out. Seeing it twice means the allocator gave
// the same frame to two owners.
func (l *ledger) issue(pa uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.owned.ReplaceOrInsert(pa); dup {
		return fmt.Errorf("frame %#x issued twice", pa)
	}
	return nil
}

func (l *ledger) release(pa uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.owned.Delete(pa); !ok {
		panic(fmt.Sprintf("frame %#x released without being issued", pa))
	}
}

func (l *ledger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owned.Len()
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.iterations < 1 || s.batch < 1 || s.blocks < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(ctx, conf)
	if err != nil {
		util.Fatalf("booting: %v", err)
	}
	kctx := k.Context(0)
	defer shutdown(kctx, k)

	if err := s.run(ctx, k); err != nil {
		util.Errorf("stress: %v", err)
		return subcommands.ExitFailure
	}

	as, cs := k.Allocator().Stats(), k.Cache().Stats()
	util.Infof("Frames: %d allocated, %d freed, %d stolen, %d exhausted", as.Allocated, as.Freed, as.Stolen, as.Exhausted)
	util.Infof("Blocks: %d hits, %d misses, %d evictions", cs.Hits, cs.Misses, cs.Evictions)
	if s.prometheus {
		if err := printMetrics(true); err != nil {
			util.Errorf("writing metrics: %v", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

func (s *Stress) run(ctx context.Context, k *kernel.Kernel) error {
	alloc := k.Allocator()
	before := alloc.FreeCount(k.Context(0))
	l := newLedger()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < k.NumHarts(); i++ {
		i := i
		hctx := k.Context(i)
		rng := rand.New(rand.NewSource(int64(i)))
		g.Go(func() error {
			for n := 0; n < s.iterations; n++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := allocRound(hctx, alloc, l, s.batch, byte(i)); err != nil {
					return fmt.Errorf("hart %d: %w", i, err)
				}
				if s.blocks > 0 {
					if err := readRound(hctx, k.Cache(), uint32(rng.Intn(s.blocks))); err != nil {
						return fmt.Errorf("hart %d: %w", i, err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n := l.len(); n != 0 {
		return fmt.Errorf("%d frames still outstanding", n)
	}
	if after := alloc.FreeCount(k.Context(0)); after != before {
		return fmt.Errorf("%d free frames after the run, %d before", after, before)
	}
	return nil
}

// allocRound takes up to batch frames, scribbles on them, checks the
// scribbles survived, and frees them.
func allocRound(ctx context.Context, alloc *pgalloc.Allocator, l *ledger, batch int, fill byte) error {
	mem := alloc.Memory()
	held := make([]uint64, 0, batch)
	defer func() {
		for _, pa := range held {
			l.release(pa)
			alloc.Free(ctx, pa)
		}
	}()
	for len(held) < batch {
		pa, ok := alloc.Allocate(ctx)
		if !ok {
			log.Debugf("Out of frames with %d held", len(held))
			break
		}
		if err := l.issue(pa); err != nil {
			return err
		}
		held = append(held, pa)
		mem.Fill(pa, fill)
	}
	for _, pa := range held {
		for off, b := range mem.Page(pa) {
			if b != fill {
				return fmt.Errorf("frame %#x byte %d is %#x, want %#x", pa, off, b, fill)
			}
		}
	}
	return nil
}

// readRound reads a block through the cache and checks it names itself.
// Blocks are stamped with their number on first read.
func readRound(ctx context.Context, cache *bcache.Cache, blockno uint32) error {
	b, err := cache.Read(ctx, rootDev, blockno)
	if err != nil {
		return err
	}
	defer cache.Release(ctx, b)
	data := b.Data()
	stamp := fmt.Sprintf("block %d", blockno)
	if data[0] == 0 {
		copy(data, stamp)
		return cache.Write(ctx, b)
	}
	if got := string(data[:len(stamp)]); got != stamp {
		return fmt.Errorf("block %d holds %q", blockno, got)
	}
	return nil
}
