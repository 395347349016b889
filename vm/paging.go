package vm

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/hsx-systems/hsx/common"
)

// CodeLineSize is the cache line granularity for the code-side paging
// layer.
const CodeLineSize = 256

// BackingStore is the opaque store code pages are fetched from: flash,
// FRAM, or a filesystem image on a host-class target. In this in-process
// emulation it is simply the HXE code segment held in memory, but the
// interface keeps the cache honest about never touching it outside of
// line-sized fetches.
type BackingStore interface {
	ReadLine(base uint32, size int) ([]byte, bool)
	Len() uint32
}

// ByteStore is the trivial BackingStore over an in-memory code segment.
type ByteStore []byte

func (b ByteStore) Len() uint32 { return uint32(len(b)) }

func (b ByteStore) ReadLine(base uint32, size int) ([]byte, bool) {
	if int(base) >= len(b) {
		return nil, false
	}
	end := int(base) + size
	if end > len(b) {
		end = len(b)
	}
	line := make([]byte, size)
	copy(line, b[base:end])
	return line, true
}

type codeLine struct {
	base  uint32
	bytes []byte
	dirty bool
	pin   bool
}

// CodeCache is the line-granular, read-only code cache fronting the opaque
// backing store, keyed by line base address. Eviction is plain LRU over
// every cached line, implemented with the same hashicorp/golang-lru the
// registry package uses for its descriptor-pool interning cache; a line's
// pin field is not consulted, so no line is exempt from eviction.
type CodeCache struct {
	store     BackingStore
	lines     *lru.Cache
	lineSize  int
	prefetch  uint32
	haveFetch bool

	Hits, Misses, Prefetches uint64
}

// NewCodeCache builds a cache with capacity lines over store.
func NewCodeCache(store BackingStore, capacity, lineSize int) *CodeCache {
	if lineSize <= 0 {
		lineSize = CodeLineSize
	}
	c, _ := lru.New(capacity)
	return &CodeCache{store: store, lines: c, lineSize: lineSize}
}

func (cc *CodeCache) lineBase(addr uint32) uint32 {
	ls := uint32(cc.lineSize)
	return (addr / ls) * ls
}

// Fetch returns the 4 bytes at addr, pulling in the enclosing line on a
// miss and issuing a prefetch for the successor line when addr sits near
// the end of its line (sequential decode heuristic).
func (cc *CodeCache) Fetch(addr uint32) ([]byte, error) {
	base := cc.lineBase(addr)
	off := addr - base
	line, err := cc.getLine(base)
	if err != nil {
		return nil, err
	}
	if int(off)+4 > len(line.bytes) {
		return nil, common.ErrOutOfBounds
	}

	// Sequential prefetch: once we're in the back half of a line, warm the
	// next one so a decode that crosses the boundary doesn't stall.
	if off >= uint32(cc.lineSize)/2 {
		next := base + uint32(cc.lineSize)
		if _, ok := cc.lines.Peek(next); !ok && next < cc.store.Len() {
			if pl, ok := cc.store.ReadLine(next, cc.lineSize); ok {
				cc.lines.Add(next, &codeLine{base: next, bytes: pl})
				cc.Prefetches++
			}
		}
	}
	return line.bytes[off : off+4], nil
}

func (cc *CodeCache) getLine(base uint32) (*codeLine, error) {
	if v, ok := cc.lines.Get(base); ok {
		cc.Hits++
		return v.(*codeLine), nil
	}
	cc.Misses++
	bytes, ok := cc.store.ReadLine(base, cc.lineSize)
	if !ok {
		return nil, common.ErrOutOfBounds
	}
	line := &codeLine{base: base, bytes: bytes}
	cc.lines.Add(base, line)
	return line, nil
}

// DiscardPrefetch is called on every taken branch, call and return.
// Prefetches complete synchronously inside Fetch, so none is in flight; it
// only clears haveFetch, and a line already prefetched stays cached.
func (cc *CodeCache) DiscardPrefetch() {
	cc.haveFetch = false
}

// ---- Data-side TLB ----------------------------------------------------

// PageClass is the access discipline assigned to a data TLB entry at load
// time.
type PageClass uint8

const (
	ClassPinned PageClass = iota // stack, IPC arenas
	ClassRO                      // globals
	ClassRW                      // heap
)

// TLBEntry maps a virtual address range onto a host-side byte slice.
type TLBEntry struct {
	VBase, VEnd uint32
	Host        []byte
	Class       PageClass
	Dirty       bool
}

// DataTLB is the optional 2-4 entry write-back TLB for data accesses. With
// only a handful of entries, membership is resolved by linear scan; the
// entry count is small enough that a hash index would cost more than it
// saves.
type DataTLB struct {
	entries []TLBEntry
	cap     int
}

// NewDataTLB creates a TLB with the given entry capacity.
func NewDataTLB(capacity int) *DataTLB {
	return &DataTLB{cap: capacity}
}

// Map installs a fixed mapping for [vbase, vbase+len(host)) backed by host,
// evicting the oldest unpinned entry if the TLB is full.
func (t *DataTLB) Map(vbase uint32, host []byte, class PageClass) {
	entry := TLBEntry{VBase: vbase, VEnd: vbase + uint32(len(host)), Host: host, Class: class}
	if len(t.entries) < t.cap {
		t.entries = append(t.entries, entry)
		return
	}
	for i := range t.entries {
		if t.entries[i].Class != ClassPinned {
			t.writeBack(&t.entries[i])
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			t.entries = append(t.entries, entry)
			return
		}
	}
	// All entries pinned: append past capacity rather than lose a pinned
	// mapping (pinned regions — the stack and IPC arenas — must never be
	// silently evicted).
	t.entries = append(t.entries, entry)
}

func (t *DataTLB) writeBack(e *TLBEntry) {
	// Host slices alias the backing memory directly in this emulation, so
	// write-back is implicit; Dirty is retained for telemetry parity with
	// a real split-memory target where eviction would need an explicit copy.
	e.Dirty = false
}

// Lookup returns the entry covering addr, or false if no mapping exists.
func (t *DataTLB) Lookup(addr uint32) (*TLBEntry, bool) {
	for i := range t.entries {
		if addr >= t.entries[i].VBase && addr < t.entries[i].VEnd {
			return &t.entries[i], true
		}
	}
	return nil, false
}

// Read32 reads a little-endian uint32 at addr, splitting the access across
// a page boundary if the range straddles two TLB entries.
func (t *DataTLB) Read32(addr uint32) (uint32, error) {
	var b [4]byte
	for i := 0; i < 4; i++ {
		v, err := t.readByte(addr + uint32(i))
		if err != nil {
			return 0, err
		}
		b[i] = v
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// Write32 writes a little-endian uint32 at addr. Returns ErrPermission if
// any byte of the range falls in a read-only page.
func (t *DataTLB) Write32(addr, v uint32) error {
	b := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	for i := 0; i < 4; i++ {
		if err := t.writeByte(addr+uint32(i), b[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReadByte reads a single byte at addr, for callers that need sub-word
// granularity (e.g. copying a byte string whose length isn't a multiple
// of 4).
func (t *DataTLB) ReadByte(addr uint32) (byte, error) {
	return t.readByte(addr)
}

// WriteByte writes a single byte at addr. Returns ErrPermission if addr
// falls in a read-only page.
func (t *DataTLB) WriteByte(addr uint32, v byte) error {
	return t.writeByte(addr, v)
}

func (t *DataTLB) readByte(addr uint32) (byte, error) {
	e, ok := t.Lookup(addr)
	if !ok {
		return 0, common.ErrOutOfBounds
	}
	return e.Host[addr-e.VBase], nil
}

func (t *DataTLB) writeByte(addr uint32, v byte) error {
	e, ok := t.Lookup(addr)
	if !ok {
		return common.ErrOutOfBounds
	}
	if e.Class == ClassRO {
		return common.ErrPermission
	}
	e.Host[addr-e.VBase] = v
	e.Dirty = true
	return nil
}
