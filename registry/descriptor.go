// Package registry implements the value/command registry: OID-keyed
// descriptor tables, a deduplicated descriptor/string pool, f16 value
// payloads, subscriptions, and sync/async command dispatch. The descriptor
// pool deduplicates strings by sha3-256 content hash, with an LRU cache
// (github.com/hashicorp/golang-lru) tracking interning recency for
// telemetry.
package registry

import (
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"

	"github.com/hsx-systems/hsx/common"
)

// DescriptorKind identifies the payload shape of one descriptor-chain link.
type DescriptorKind uint8

const (
	KindGroup DescriptorKind = iota
	KindName
	KindUnit
	KindRange
	KindPersist
)

// descriptor is one link of the singly-linked descriptor chain stored in
// the pool. Range payloads pack two f16 bounds; all other kinds reference a
// string-table offset.
type descriptor struct {
	Kind      DescriptorKind
	Next      uint32 // offset of the next link, or sentinel noNext
	StringOff uint32
	RangeLo   common.F16
	RangeHi   common.F16
}

const noNext = 0xFFFFFFFF

// Pool is the byte-addressable descriptor/string pool backing every
// registered value and command. Strings are deduplicated by content hash so
// two OIDs sharing a unit or group name store it once.
type Pool struct {
	capacity int
	strings  []byte              // flat, NUL-terminated string table
	byHash   map[[32]byte]uint32 // sha3-256(string) -> strings offset
	links    []descriptor        // descriptor chain storage, indexed by position
	intern   *lru.Cache          // recency tracking for telemetry; eviction is capacity-refusal, not LRU-drop (descriptors must never silently disappear while referenced)
}

// NewPool creates a pool with the given string-table capacity in bytes.
func NewPool(capacityBytes int) *Pool {
	c, _ := lru.New(1024)
	return &Pool{
		capacity: capacityBytes,
		byHash:   make(map[[32]byte]uint32),
		intern:   c,
	}
}

// internString deduplicates s by content hash, appending it to the string
// table only on first sight. Returns ErrPoolExhausted if appending would
// exceed the configured byte budget.
func (p *Pool) internString(s string) (uint32, error) {
	sum := sha3.Sum256([]byte(s))
	if off, ok := p.byHash[sum]; ok {
		p.intern.Add(sum, struct{}{})
		return off, nil
	}
	need := len(s) + 1 // NUL terminator
	if len(p.strings)+need > p.capacity {
		return 0, common.ErrPoolExhausted
	}
	off := uint32(len(p.strings))
	p.strings = append(p.strings, s...)
	p.strings = append(p.strings, 0)
	p.byHash[sum] = off
	p.intern.Add(sum, struct{}{})
	return off, nil
}

func (p *Pool) readString(off uint32) string {
	end := off
	for end < uint32(len(p.strings)) && p.strings[end] != 0 {
		end++
	}
	return string(p.strings[off:end])
}

// HighWater reports the string-table fill ratio, driving the 70%/80%/100%
// pressure thresholds.
func (p *Pool) HighWater() float64 {
	if p.capacity == 0 {
		return 0
	}
	return float64(len(p.strings)) / float64(p.capacity)
}

// DescriptorSpec is the caller-facing, unlinked form of one descriptor used
// when registering a value or command; AddChain links a sequence of these
// into the pool's chain storage and returns the head offset.
type DescriptorSpec struct {
	Kind             DescriptorKind
	Text             string     // Group/Name/Unit names
	RangeLo, RangeHi common.F16 // Range kind only
}

// AddChain interns every spec's string (where applicable) and links them
// into the pool's descriptor chain, returning the offset of the head link.
func (p *Pool) AddChain(specs []DescriptorSpec) (uint32, error) {
	if len(specs) == 0 {
		return noNext, nil
	}
	offsets := make([]uint32, len(specs))
	for i, s := range specs {
		d := descriptor{Kind: s.Kind, Next: noNext, RangeLo: s.RangeLo, RangeHi: s.RangeHi}
		if s.Kind != KindRange {
			off, err := p.internString(s.Text)
			if err != nil {
				return 0, err
			}
			d.StringOff = off
		}
		offsets[i] = uint32(len(p.links))
		p.links = append(p.links, d)
	}
	for i := 0; i < len(specs)-1; i++ {
		p.links[offsets[i]].Next = offsets[i+1]
	}
	return offsets[0], nil
}

// Chain walks the descriptor chain starting at head, resolving strings.
func (p *Pool) Chain(head uint32) []DescriptorSpec {
	var out []DescriptorSpec
	for off := head; off != noNext && int(off) < len(p.links); {
		d := p.links[off]
		spec := DescriptorSpec{Kind: d.Kind, RangeLo: d.RangeLo, RangeHi: d.RangeHi}
		if d.Kind != KindRange {
			spec.Text = p.readString(d.StringOff)
		}
		out = append(out, spec)
		off = d.Next
	}
	return out
}
