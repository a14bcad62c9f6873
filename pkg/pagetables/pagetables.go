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

// Package pagetables provides Sv39 page tables.
//
// Every node of the tree occupies one physical frame obtained from the frame
// allocator, and its entries live in that frame, so a parent entry encodes the
// physical address of its child exactly as the hardware expects. The reverse
// mapping from physical address to node is kept in allNodes.
package pagetables

import (
	"context"
	"fmt"
	"sync/atomic"

	"kcore.dev/kcore/pkg/cleanup"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/physmem"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/sync"
)

// liveNodes counts page-table nodes across all tables.
var liveNodes atomic.Int64

func init() {
	metric.MustRegisterCustomUint64Metric("/pagetables/nodes", false /* cumulative */, false /* sync */, "Number of page-table nodes in use.", func() uint64 {
		return uint64(liveNodes.Load())
	})
}

// Allocator provides the frames backing nodes and user pages.
type Allocator interface {
	// Allocate returns a frame, or false if none is available.
	Allocate(ctx context.Context) (uint64, bool)

	// Free returns a frame.
	Free(ctx context.Context, pa uint64)
}

// Node is a single node of a page table.
type Node struct {
	// physical is the address of the frame holding the entries.
	physical uint64

	// ptes aliases the frame.
	ptes *PTEs
}

// PTEs is one node's worth of entries.
type PTEs [riscv.PTEsPerNode]riscv.PTE

// Physical returns the physical address of the node's frame.
func (n *Node) Physical() uint64 {
	return n.physical
}

// MapOpts are options for Map.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType riscv.AccessType

	// User indicates the page is user accessible.
	User bool
}

// perm returns the leaf permission bits for opts.
func (opts MapOpts) perm() riscv.PTE {
	p := opts.AccessType.PTEPerm()
	if opts.User {
		p |= riscv.PTEUser
	}
	return p
}

// PageTables is a page table tree.
type PageTables struct {
	// mu protects the tree.
	mu sync.Mutex

	// root is the pagetable root. It is nil once the table is destroyed.
	root *Node

	alloc Allocator
	mem   *physmem.Memory

	// allNodes is a set of nodes indexed by physical address.
	allNodes map[uint64]*Node
}

// New returns an empty page table.
func New(ctx context.Context, alloc Allocator, mem *physmem.Memory) (*PageTables, error) {
	p := &PageTables{
		alloc:    alloc,
		mem:      mem,
		allNodes: make(map[uint64]*Node),
	}
	root, ok := p.allocNode(ctx)
	if !ok {
		return nil, fmt.Errorf("allocating page-table root: %w", linuxerr.ENOMEM)
	}
	p.root = root
	return p, nil
}

// allocNode returns a zeroed node.
func (p *PageTables) allocNode(ctx context.Context) (*Node, bool) {
	pa, ok := p.alloc.Allocate(ctx)
	if !ok {
		return nil, false
	}
	p.mem.Zero(pa)
	n := &Node{
		physical: pa,
		ptes:     ptesAt(p.mem, pa),
	}
	p.allNodes[pa] = n
	liveNodes.Add(1)
	return n, true
}

// freeNode returns n's frame.
func (p *PageTables) freeNode(ctx context.Context, n *Node) {
	delete(p.allNodes, n.physical)
	liveNodes.Add(-1)
	p.alloc.Free(ctx, n.physical)
}

// childLocked returns the node an interior entry points to.
//
// Preconditions: p.mu is held.
func (p *PageTables) childLocked(pte riscv.PTE) *Node {
	child, ok := p.allNodes[pte.Address()]
	if !ok {
		panic(fmt.Sprintf("pagetables: interior entry %v points to unknown node", pte))
	}
	return child
}

// walkLocked returns the leaf entry for va, creating missing interior nodes
// if alloc is set. It returns false if va is out of range, or if the entry does
// not exist and could not be created.
//
// Preconditions: p.mu is held.
func (p *PageTables) walkLocked(ctx context.Context, va riscv.Addr, alloc bool) (*riscv.PTE, bool) {
	if va >= riscv.MaxVA {
		return nil, false
	}
	n := p.root
	for level := riscv.Levels - 1; level > 0; level-- {
		pte := &n.ptes[riscv.PX(level, va)]
		if pte.Valid() {
			if pte.IsLeaf() {
				panic(fmt.Sprintf("pagetables: superpage entry %v at level %d for %v", *pte, level, va))
			}
			n = p.childLocked(*pte)
			continue
		}
		if !alloc {
			return nil, false
		}
		child, ok := p.allocNode(ctx)
		if !ok {
			return nil, false
		}
		*pte = riscv.MakePTE(child.physical, 0)
		n = child
	}
	return &n.ptes[riscv.PX(0, va)], true
}

// Walk returns a copy of the leaf entry for va, creating interior nodes if
// alloc is set.
func (p *PageTables) Walk(ctx context.Context, va riscv.Addr, alloc bool) (riscv.PTE, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.walkLocked(ctx, va, alloc)
	if !ok {
		return 0, false
	}
	return *pte, true
}

// Map installs entries for the pages spanning [va, va+size) that refer to
// consecutive frames starting at pa. va and size need not be page aligned.
//
// Mapping over a valid entry is fatal. If an interior node cannot be
// allocated, the entries installed so far are removed and ENOMEM is returned.
func (p *PageTables) Map(ctx context.Context, va riscv.Addr, size uint64, pa uint64, opts MapOpts) error {
	if size == 0 {
		log.Panicf("pagetables: zero-length map at %v", va)
	}
	if !opts.AccessType.Any() {
		log.Panicf("pagetables: map of %v with no access", va)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapLocked(ctx, va, size, pa, opts.perm())
}

// mapLocked implements Map.
//
// Preconditions: p.mu is held.
func (p *PageTables) mapLocked(ctx context.Context, va riscv.Addr, size uint64, pa uint64, perm riscv.PTE) error {
	start := va.RoundDown()
	last := (va + riscv.Addr(size) - 1).RoundDown()
	installed := uint64(0)
	cu := cleanup.Make(func() {
		p.unmapLocked(ctx, start, installed, false /* free */)
	})
	defer cu.Clean()

	for a := start; ; a += riscv.PageSize {
		pte, ok := p.walkLocked(ctx, a, true /* alloc */)
		if !ok {
			return fmt.Errorf("mapping %v: %w", a, linuxerr.ENOMEM)
		}
		if pte.Valid() {
			log.Panicf("pagetables: remap of %v", a)
		}
		*pte = riscv.MakePTE(pa, perm)
		installed++
		if a == last {
			break
		}
		pa += riscv.PageSize
	}
	cu.Release()
	return nil
}

// Unmap removes the entries for npages pages starting at va, which must be
// page aligned. Absent entries are skipped. If free is set, the frames are
// returned to the allocator. It returns the number of entries removed.
func (p *PageTables) Unmap(ctx context.Context, va riscv.Addr, npages uint64, free bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unmapLocked(ctx, va, npages, free)
}

// unmapLocked implements Unmap.
//
// Preconditions: p.mu is held.
func (p *PageTables) unmapLocked(ctx context.Context, va riscv.Addr, npages uint64, free bool) int {
	if !va.IsPageAligned() {
		log.Panicf("pagetables: unmap of unaligned address %v", va)
	}
	removed := 0
	for i := uint64(0); i < npages; i++ {
		a := va + riscv.Addr(i*riscv.PageSize)
		pte, ok := p.walkLocked(ctx, a, false /* alloc */)
		if !ok || !pte.Valid() {
			continue
		}
		if !pte.IsLeaf() {
			log.Panicf("pagetables: unmap of %v: not a leaf", a)
		}
		if free {
			p.alloc.Free(ctx, pte.Address())
		}
		*pte = 0
		removed++
	}
	return removed
}

// Destroy frees every node of the table. All leaf entries must have been
// removed; a remaining one is fatal. The table must not be used afterwards.
func (p *PageTables) Destroy(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return
	}
	p.freeWalkLocked(ctx, p.root)
	p.root = nil
}

// freeWalkLocked frees n and everything below it.
//
// Preconditions: p.mu is held.
func (p *PageTables) freeWalkLocked(ctx context.Context, n *Node) {
	for i := range n.ptes {
		pte := n.ptes[i]
		if !pte.Valid() {
			continue
		}
		if pte.IsLeaf() {
			log.Panicf("pagetables: destroying table with leaf %v", pte)
		}
		p.freeWalkLocked(ctx, p.childLocked(pte))
		n.ptes[i] = 0
	}
	p.freeNode(ctx, n)
}

// Release unmaps and frees the user pages in [0, size) and then destroys the
// table.
func (p *PageTables) Release(ctx context.Context, size uint64) {
	if size > 0 {
		p.Unmap(ctx, 0, riscv.PageRoundUp(size)/riscv.PageSize, true /* free */)
	}
	p.Destroy(ctx)
}

// CopyTo copies the present pages of [0, size) into dst, each into a fresh
// frame mapped with the same flags. Absent pages are skipped. On failure
// everything installed in dst is unmapped and freed, and ENOMEM is returned.
func (p *PageTables) CopyTo(ctx context.Context, dst *PageTables, size uint64) error {
	if p == dst {
		panic("pagetables: copy onto self")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	var va riscv.Addr
	cu := cleanup.Make(func() {
		dst.unmapLocked(ctx, 0, uint64(va)/riscv.PageSize, true /* free */)
	})
	defer cu.Clean()

	for ; uint64(va) < size; va += riscv.PageSize {
		pte, ok := p.walkLocked(ctx, va, false /* alloc */)
		if !ok || !pte.Valid() {
			continue
		}
		frame, ok := dst.alloc.Allocate(ctx)
		if !ok {
			return fmt.Errorf("copying page %v: %w", va, linuxerr.ENOMEM)
		}
		copy(dst.mem.Page(frame), p.mem.Page(pte.Address()))
		if err := dst.mapLocked(ctx, va, riscv.PageSize, frame, pte.Flags()); err != nil {
			dst.alloc.Free(ctx, frame)
			return err
		}
	}
	cu.Release()
	return nil
}

// lookupLocked returns the frame backing va if it is a user page permitting
// at.
//
// Preconditions: p.mu is held.
func (p *PageTables) lookupLocked(ctx context.Context, va riscv.Addr, at riscv.AccessType) (uint64, bool) {
	pte, ok := p.walkLocked(ctx, va, false /* alloc */)
	if !ok || !pte.Valid() || !pte.User() {
		return 0, false
	}
	if !riscv.AccessFromPTE(*pte).SupersetOf(at) {
		return 0, false
	}
	return pte.Address(), true
}

// Lookup returns the physical address of user address va. It never
// materializes pages.
func (p *PageTables) Lookup(ctx context.Context, va riscv.Addr) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pa, ok := p.lookupLocked(ctx, va, riscv.NoAccess)
	if !ok {
		return 0, false
	}
	return pa + va.PageOffset(), true
}

// FaultZero materializes a zero-filled, user-accessible read/write page at
// va, if va's page lies below size. A page that is already present is left
// alone. Pages beyond size yield EFAULT.
func (p *PageTables) FaultZero(ctx context.Context, va riscv.Addr, size uint64) error {
	page := va.RoundDown()
	if page >= riscv.MaxVA || uint64(page) >= riscv.PageRoundUp(size) {
		return linuxerr.EFAULT
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.walkLocked(ctx, page, true /* alloc */)
	if !ok {
		return linuxerr.ENOMEM
	}
	if pte.Valid() {
		return nil
	}
	pa, ok := p.alloc.Allocate(ctx)
	if !ok {
		return linuxerr.ENOMEM
	}
	p.mem.Zero(pa)
	*pte = riscv.MakePTE(pa, riscv.PTERead|riscv.PTEWrite|riscv.PTEUser)
	return nil
}

// ClearUser revokes user access to the page at va, as for a stack guard page.
// The page must be mapped.
func (p *PageTables) ClearUser(ctx context.Context, va riscv.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.walkLocked(ctx, va, false /* alloc */)
	if !ok || !pte.Valid() {
		log.Panicf("pagetables: clearing user access on unmapped %v", va)
	}
	pte.Clear(riscv.PTEUser)
}

// Translate returns the physical address of va regardless of the user bit.
// va must be mapped.
func (p *PageTables) Translate(ctx context.Context, va riscv.Addr) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.walkLocked(ctx, va, false /* alloc */)
	if !ok || !pte.Valid() {
		log.Panicf("pagetables: translating unmapped %v", va)
	}
	return pte.Address() + va.PageOffset()
}

// Entries calls fn for every leaf entry in ascending address order, until fn
// returns false. fn must not use p.
func (p *PageTables) Entries(fn func(va riscv.Addr, pte riscv.PTE) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return
	}
	p.entriesLocked(p.root, riscv.Levels-1, 0, fn)
}

// entriesLocked visits the subtree n at level, which covers addresses from
// base.
//
// Preconditions: p.mu is held.
func (p *PageTables) entriesLocked(n *Node, level int, base riscv.Addr, fn func(riscv.Addr, riscv.PTE) bool) bool {
	for i, pte := range n.ptes {
		if !pte.Valid() {
			continue
		}
		va := base | riscv.Addr(uint64(i)<<(riscv.PageShift+9*uint(level)))
		if level == 0 {
			if !fn(va, pte) {
				return false
			}
			continue
		}
		if !p.entriesLocked(p.childLocked(pte), level-1, va, fn) {
			return false
		}
	}
	return true
}

// NodeCount returns the number of nodes in the table.
func (p *PageTables) NodeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allNodes)
}

// Root returns the physical address of the root node, as loaded into satp.
func (p *PageTables) Root() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return 0
	}
	return p.root.physical
}
