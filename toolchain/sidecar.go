package toolchain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// sidecarMagic identifies the combined ".dbg"/".sym" sidecar format: the
// linker's symbol table plus the per-object line mappings, rebased to
// final addresses. Encoding uses the same explicit field-by-field style as
// image.Builder.Encode so the two stay trivially auditable against each
// other.
const sidecarMagic = "HDBG"

// Sidecar is the decoded debug/symbol file: every resolved symbol address
// plus the instruction-to-source-line table.
type Sidecar struct {
	BuildEpoch uint32
	Symbols    map[string]uint32
	Debug      []DebugRecord
}

func buildSidecar(symbols map[string]uint32, debug []DebugRecord, epoch uint32) *Sidecar {
	sorted := append([]DebugRecord(nil), debug...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InstrIndex < sorted[j].InstrIndex })
	return &Sidecar{BuildEpoch: epoch, Symbols: symbols, Debug: sorted}
}

// Encode renders the sidecar to its deterministic byte form: identical
// Symbols/Debug/BuildEpoch always produce identical bytes, since symbol
// names are written in sorted order rather than map iteration order.
func (s *Sidecar) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(sidecarMagic)
	writeU32(&buf, s.BuildEpoch)

	names := sortedSymbolNames(s.Symbols)
	writeU32(&buf, uint32(len(names)))
	for _, name := range names {
		writeU16(&buf, uint16(len(name)))
		buf.WriteString(name)
		writeU32(&buf, s.Symbols[name])
	}

	writeU32(&buf, uint32(len(s.Debug)))
	for _, dr := range s.Debug {
		writeU32(&buf, dr.InstrIndex)
		writeU32(&buf, uint32(int32(dr.SourceLine)))
	}
	return buf.Bytes()
}

// DecodeSidecar parses bytes previously produced by Encode.
func DecodeSidecar(b []byte) (*Sidecar, error) {
	if len(b) < 8 || string(b[:4]) != sidecarMagic {
		return nil, fmt.Errorf("toolchain: bad sidecar magic")
	}
	r := bytes.NewReader(b[4:])

	var epoch uint32
	if err := binary.Read(r, binary.LittleEndian, &epoch); err != nil {
		return nil, err
	}
	s := &Sidecar{BuildEpoch: epoch, Symbols: make(map[string]uint32)}

	var symCount uint32
	if err := binary.Read(r, binary.LittleEndian, &symCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < symCount; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		name := make([]byte, nameLen)
		if _, err := r.Read(name); err != nil {
			return nil, err
		}
		var addr uint32
		if err := binary.Read(r, binary.LittleEndian, &addr); err != nil {
			return nil, err
		}
		s.Symbols[string(name)] = addr
	}

	var debugCount uint32
	if err := binary.Read(r, binary.LittleEndian, &debugCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < debugCount; i++ {
		var instrIdx, line uint32
		if err := binary.Read(r, binary.LittleEndian, &instrIdx); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &line); err != nil {
			return nil, err
		}
		s.Debug = append(s.Debug, DebugRecord{InstrIndex: instrIdx, SourceLine: int(int32(line))})
	}
	return s, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
