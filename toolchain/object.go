// Package toolchain implements the offline MVASM assembler and HXE
// linker. The opcode table (vm.Opcode) is the single source of truth
// shared with the MiniVM and the disassembler, so assembly here only ever
// emits words vm.Decode can read back unchanged. Assembly produces an
// intermediate Object per compilation unit; a separate merge pass links
// any number of them into one image.
package toolchain

import (
	"strconv"
	"strings"

	"github.com/hsx-systems/hsx/common"
)

// ValueDirective mirrors one ".value { ... }" MVASM directive.
type ValueDirective struct {
	Group   uint8
	ID      uint8
	Flags   string // "RO" | "RW", optionally combined with other tokens
	Unit    string
	RangeLo *float64
	RangeHi *float64
	Persist bool
	Name    string
}

func (d ValueDirective) OID() common.OID { return common.MakeOID(d.Group, d.ID) }

// CommandDirective mirrors one ".cmd { ... }" MVASM directive.
type CommandDirective struct {
	Group   uint8
	ID      uint8
	Handler string // symbol name resolved by the linker, or "host:<name>" for a host-provided handler
	Auth    string // "user" | "admin"
	Async   bool
	Secure  bool
	PIN     string
	Name    string
}

func (d CommandDirective) OID() common.OID { return common.MakeOID(d.Group, d.ID) }

// ResolvedAddr returns the link-time-resolved handler code offset and true,
// or (0, false) if Handler is a host-provided binding ("host:<name>" or
// empty) rather than a linked "addr:<offset>" symbol; host-provided
// handlers encode as handler_address 0.
func (d CommandDirective) ResolvedAddr() (uint32, bool) {
	const prefix = "addr:"
	if !strings.HasPrefix(d.Handler, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(d.Handler[len(prefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// HostName returns the host-provided binding name and true for a
// "host:<name>" handler, or ("", false) otherwise.
func (d CommandDirective) HostName() (string, bool) {
	const prefix = "host:"
	if !strings.HasPrefix(d.Handler, prefix) {
		return "", false
	}
	return d.Handler[len(prefix):], true
}

// MailboxDirective mirrors one ".mailbox { ... }" MVASM directive.
type MailboxDirective struct {
	Target   string
	Capacity int
	ModeMask string // "|"-joined tokens, e.g. "FANOUT_DROP|RDWR"
}

// DebugRecord maps one assembled instruction back to its MVASM source
// line, the raw material for the ".dbg" sidecar. A C frontend would
// instead hand the assembler an LLVM-IR-derived mapping; MVASM's own line
// numbers play that role here, with the Clang/LLVM lowering pass living
// outside this module.
type DebugRecord struct {
	InstrIndex uint32
	SourceLine int
}

// Object is one assembled compilation unit: code, data, directives, the
// symbol table of exported labels, and the line-mapping sidecar input. The
// linker merges one or more Objects into a single HXE image.
type Object struct {
	Name string // source file / unit name, carried through for diagnostics

	Code []byte
	Data []byte
	Bss  uint32

	EntrySymbol string // symbol the linker resolves to the image's entry_pc; "" leaves the entry to another object or the "_start" symbol

	Symbols map[string]uint32 // label name -> byte offset into Code

	Values    []ValueDirective
	Commands  []CommandDirective
	Mailboxes []MailboxDirective

	Debug []DebugRecord
}
