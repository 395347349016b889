package toolchain

import (
	"fmt"
	"sort"

	"github.com/hsx-systems/hsx/image"
	"github.com/hsx-systems/hsx/vm"
)

// LinkOptions parametrizes one Link invocation.
type LinkOptions struct {
	AppName             string
	AllowMultiInstances bool
	EntrySymbol         string // overrides every object's EntrySymbol; "" uses the first non-empty object EntrySymbol, else "_start", else 0

	// SourceDateEpoch is folded into the debug sidecar's build identity;
	// identical inputs under the same SOURCE_DATE_EPOCH produce
	// bit-identical outputs. The HXE header itself carries no timestamp
	// field, so only the sidecar needs this.
	SourceDateEpoch uint32
}

// branchOpcodes are the instructions whose Imm16 is an absolute
// instruction index needing rebase when an object is placed after another
// in the merged code segment.
var branchOpcodes = map[vm.Opcode]bool{
	vm.OpBeq: true, vm.OpBne: true, vm.OpBlt: true, vm.OpBge: true,
	vm.OpBc: true, vm.OpBnc: true, vm.OpJmp: true, vm.OpCall: true,
}

// ErrUnresolvedSymbol is returned when a .cmd directive's handler names a
// symbol no linked object defines.
type ErrUnresolvedSymbol struct{ Name string }

func (e *ErrUnresolvedSymbol) Error() string {
	return fmt.Sprintf("toolchain: unresolved handler symbol %q", e.Name)
}

// LinkResult is the output of Link: the encoded HXE image plus the debug
// sidecar ready for Encode.
type LinkResult struct {
	HXE     []byte
	Sidecar *Sidecar
}

// Link merges objs into a single HXE v2 image: code segments are
// concatenated with every branch/call target rebased to the merged
// instruction stream, directive sections are merged and handler symbols
// resolved against the combined symbol table, and the result is passed to
// image.Builder for byte-exact, CRC-sealed encoding.
func Link(objs []*Object, opts LinkOptions) (*LinkResult, error) {
	if len(objs) == 0 {
		return nil, fmt.Errorf("toolchain: link requires at least one object")
	}

	symbols := make(map[string]uint32)
	var mergedCode []byte
	var mergedData []byte
	var bss uint32
	var debug []DebugRecord

	for _, obj := range objs {
		instrOffset := uint32(len(mergedCode)) / 4
		rebased := rebaseJumps(obj.Code, instrOffset)

		for name, off := range obj.Symbols {
			if _, exists := symbols[name]; exists {
				return nil, fmt.Errorf("toolchain: duplicate symbol %q", name)
			}
			symbols[name] = off + instrOffset*4
		}
		for _, dr := range obj.Debug {
			debug = append(debug, DebugRecord{InstrIndex: dr.InstrIndex + instrOffset, SourceLine: dr.SourceLine})
		}

		mergedCode = append(mergedCode, rebased...)
		mergedData = append(mergedData, obj.Data...)
		bss += obj.Bss
	}

	entryPC, err := resolveEntry(objs, opts.EntrySymbol, symbols)
	if err != nil {
		return nil, err
	}

	var values []ValueDirective
	var commands []CommandDirective
	var mailboxes []MailboxDirective
	for _, obj := range objs {
		values = append(values, obj.Values...)
		mailboxes = append(mailboxes, obj.Mailboxes...)
		for _, c := range obj.Commands {
			resolved := c
			if c.Handler != "" && !isHostHandler(c.Handler) {
				addr, ok := symbols[c.Handler]
				if !ok {
					return nil, &ErrUnresolvedSymbol{Name: c.Handler}
				}
				resolved.Handler = fmt.Sprintf("addr:%d", addr)
			}
			commands = append(commands, resolved)
		}
	}

	builder := &image.Builder{
		EntryPC:             entryPC,
		AllowMultiInstances: opts.AllowMultiInstances,
		AppName:             opts.AppName,
		Code:                mergedCode,
		Data:                mergedData,
		BssSize:             bss,
	}

	if len(values) > 0 {
		b, err := EncodeValueSection(values)
		if err != nil {
			return nil, err
		}
		builder.Sections = append(builder.Sections, image.SectionPayload{Type: image.SectionValue, Bytes: b})
	}
	if len(commands) > 0 {
		b, err := EncodeCommandSection(commands)
		if err != nil {
			return nil, err
		}
		builder.Sections = append(builder.Sections, image.SectionPayload{Type: image.SectionCommand, Bytes: b})
	}
	if len(mailboxes) > 0 {
		b, err := EncodeMailboxSection(mailboxes)
		if err != nil {
			return nil, err
		}
		builder.Sections = append(builder.Sections, image.SectionPayload{Type: image.SectionMailbox, Bytes: b})
	}

	sidecar := buildSidecar(symbols, debug, opts.SourceDateEpoch)
	sidecarBytes := sidecar.Encode()
	builder.Sections = append(builder.Sections, image.SectionPayload{Type: image.SectionDebugInfo, Bytes: sidecarBytes})

	return &LinkResult{HXE: builder.Encode(), Sidecar: sidecar}, nil
}

// isHostHandler reports whether a .cmd directive's handler names a
// host-provided function (handler_address 0) rather than an in-image
// symbol.
func isHostHandler(name string) bool {
	return len(name) >= 5 && name[:5] == "host:"
}

func resolveEntry(objs []*Object, override string, symbols map[string]uint32) (uint32, error) {
	if override != "" {
		addr, ok := symbols[override]
		if !ok {
			return 0, &ErrUnresolvedSymbol{Name: override}
		}
		return addr, nil
	}
	for _, obj := range objs {
		if obj.EntrySymbol != "" {
			addr, ok := symbols[obj.EntrySymbol]
			if !ok {
				return 0, &ErrUnresolvedSymbol{Name: obj.EntrySymbol}
			}
			return addr, nil
		}
	}
	if addr, ok := symbols["_start"]; ok {
		return addr, nil
	}
	return 0, nil
}

// rebaseJumps rewrites every branch/call instruction's absolute
// instruction-index immediate by instrOffset; every other instruction word
// is copied unchanged.
func rebaseJumps(code []byte, instrOffset uint32) []byte {
	if instrOffset == 0 {
		return append([]byte(nil), code...)
	}
	out := make([]byte, len(code))
	for pc := uint32(0); int(pc)+4 <= len(code); pc += 4 {
		in, err := vm.Decode(code, pc)
		if err != nil || !branchOpcodes[in.Op] {
			copy(out[pc:pc+4], code[pc:pc+4])
			continue
		}
		in.Imm16 = uint16(uint32(in.Imm16) + instrOffset)
		word := vm.Encode(in)
		copy(out[pc:pc+4], word[:])
	}
	return out
}

// sortedSymbolNames is a small helper kept here rather than in sidecar.go
// so both files can depend on a single deterministic ordering rule.
func sortedSymbolNames(symbols map[string]uint32) []string {
	names := make([]string, 0, len(symbols))
	for n := range symbols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
