package vm

import (
	"encoding/binary"
	"fmt"
)

// Instr is a single decoded 4-byte instruction word.
type Instr struct {
	Op      Opcode
	A, B, C uint8
	Imm16   uint16 // valid when Op.IsWideImmediate()
}

// Decode reads one 4-byte instruction from code at byte offset pc.
func Decode(code []byte, pc uint32) (Instr, error) {
	if int(pc)+4 > len(code) {
		return Instr{}, fmt.Errorf("vm: pc %d past end of code (%d bytes)", pc, len(code))
	}
	word := binary.LittleEndian.Uint32(code[pc:])
	op := Opcode(word & 0xFF)
	a := uint8((word >> 8) & 0xFF)
	b := uint8((word >> 16) & 0xFF)
	c := uint8((word >> 24) & 0xFF)
	return Instr{
		Op:    op,
		A:     a,
		B:     b,
		C:     c,
		Imm16: uint16(b)<<8 | uint16(c),
	}, nil
}

// Encode packs an instruction back into its 4-byte wire form, used by the
// toolchain's assembler and linker.
func Encode(in Instr) [4]byte {
	var word uint32
	word |= uint32(in.Op)
	word |= uint32(in.A) << 8
	if in.Op.IsWideImmediate() {
		word |= uint32(byte(in.Imm16>>8)) << 16
		word |= uint32(byte(in.Imm16)) << 24
	} else {
		word |= uint32(in.B) << 16
		word |= uint32(in.C) << 24
	}
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], word)
	return out
}

// Disassemble returns a human-readable listing of bytecode, one instruction
// per line, prefixed with its instruction index.
func Disassemble(code []byte) string {
	out := ""
	for pc := uint32(0); int(pc)+4 <= len(code); pc += 4 {
		in, err := Decode(code, pc)
		if err != nil {
			break
		}
		idx := pc / 4
		if !in.Op.Valid() {
			out += fmt.Sprintf("[%04d] .byte 0x%02x ; invalid opcode\n", idx, uint8(in.Op))
			continue
		}
		if in.Op.IsWideImmediate() {
			out += fmt.Sprintf("[%04d] %-6s R%d, %d\n", idx, in.Op, in.A, in.Imm16)
			continue
		}
		switch in.Op.Operands() {
		case 0:
			out += fmt.Sprintf("[%04d] %-6s\n", idx, in.Op)
		case 1:
			out += fmt.Sprintf("[%04d] %-6s R%d\n", idx, in.Op, in.A)
		case 2:
			out += fmt.Sprintf("[%04d] %-6s R%d, R%d\n", idx, in.Op, in.A, in.B)
		case 3:
			out += fmt.Sprintf("[%04d] %-6s R%d, R%d, R%d\n", idx, in.Op, in.A, in.B, in.C)
		}
	}
	return out
}
