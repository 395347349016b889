package toolchain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hsx-systems/hsx/vm"
)

// jsonValueDirective/jsonCommandDirective/jsonMailboxDirective are the raw
// JSON payload shapes of the MVASM directives; Assemble decodes into these
// before normalizing into the exported Directive types.
type jsonValueDirective struct {
	Group   uint8       `json:"group"`
	ID      uint8       `json:"id"`
	Flags   string      `json:"flags"`
	Unit    string      `json:"unit"`
	Range   *[2]float64 `json:"range"`
	Persist bool        `json:"persist"`
	Name    string      `json:"name"`
}

type jsonCommandDirective struct {
	Group   uint8  `json:"group"`
	ID      uint8  `json:"id"`
	Handler string `json:"handler"`
	Auth    string `json:"auth"`
	Async   bool   `json:"async"`
	Secure  bool   `json:"secure"`
	PIN     string `json:"pin"`
	Name    string `json:"name"`
}

type jsonMailboxDirective struct {
	Target   string `json:"target"`
	Capacity int    `json:"capacity"`
	ModeMask string `json:"mode_mask"`
}

// AssembleError carries the source line a parse or encode failure occurred
// on, since an offline tool should point at the offending line rather than
// just surfacing a bare error string.
type AssembleError struct {
	Line int
	Msg  string
}

func (e *AssembleError) Error() string { return fmt.Sprintf("mvasm:%d: %s", e.Line, e.Msg) }

// Assemble parses MVASM source text into an Object. name is carried through
// for diagnostics and as the default linker unit identifier.
func Assemble(name, src string) (*Object, error) {
	lines := strings.Split(src, "\n")

	labels, instrLines, err := scanLabels(lines)
	if err != nil {
		return nil, err
	}

	obj := &Object{Name: name, Symbols: make(map[string]uint32)}
	for label, idx := range labels {
		obj.Symbols[label] = idx * 4
	}

	for _, il := range instrLines {
		in, err := assembleInstr(il.text, labels, il.lineNo)
		if err != nil {
			return nil, err
		}
		word := vm.Encode(in)
		obj.Code = append(obj.Code, word[:]...)
		obj.Debug = append(obj.Debug, DebugRecord{
			InstrIndex: uint32(len(obj.Code)/4 - 1),
			SourceLine: il.lineNo,
		})
	}

	for lineNo, raw := range lines {
		text := strings.TrimSpace(stripComment(raw))
		switch {
		case strings.HasPrefix(text, ".value"):
			var jv jsonValueDirective
			if err := decodeDirective(text, ".value", &jv, lineNo+1); err != nil {
				return nil, err
			}
			d := ValueDirective{Group: jv.Group, ID: jv.ID, Flags: jv.Flags, Unit: jv.Unit, Persist: jv.Persist, Name: jv.Name}
			if jv.Range != nil {
				lo, hi := jv.Range[0], jv.Range[1]
				d.RangeLo, d.RangeHi = &lo, &hi
			}
			obj.Values = append(obj.Values, d)

		case strings.HasPrefix(text, ".cmd"):
			var jc jsonCommandDirective
			if err := decodeDirective(text, ".cmd", &jc, lineNo+1); err != nil {
				return nil, err
			}
			obj.Commands = append(obj.Commands, CommandDirective{
				Group: jc.Group, ID: jc.ID, Handler: jc.Handler, Auth: jc.Auth,
				Async: jc.Async, Secure: jc.Secure, PIN: jc.PIN, Name: jc.Name,
			})

		case strings.HasPrefix(text, ".mailbox"):
			var jm jsonMailboxDirective
			if err := decodeDirective(text, ".mailbox", &jm, lineNo+1); err != nil {
				return nil, err
			}
			obj.Mailboxes = append(obj.Mailboxes, MailboxDirective{
				Target: jm.Target, Capacity: jm.Capacity, ModeMask: jm.ModeMask,
			})
		}
	}

	return obj, nil
}

func decodeDirective(text, prefix string, dst interface{}, lineNo int) error {
	payload := strings.TrimSpace(strings.TrimPrefix(text, prefix))
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return &AssembleError{Line: lineNo, Msg: fmt.Sprintf("invalid %s payload: %v", prefix, err)}
	}
	return nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		return line[:i]
	}
	return line
}

type instrLine struct {
	text   string
	lineNo int
}

// scanLabels performs the assembler's first pass: it walks every
// non-directive, non-blank line, assigning each label the instruction
// index of the next instruction and recording the remaining instruction
// lines in order for the second (encoding) pass.
func scanLabels(lines []string) (map[string]uint32, []instrLine, error) {
	labels := make(map[string]uint32)
	var instrs []instrLine
	idx := uint32(0)

	for i, raw := range lines {
		text := strings.TrimSpace(stripComment(raw))
		if text == "" || strings.HasPrefix(text, ".") {
			continue
		}
		if colon := strings.IndexByte(text, ':'); colon >= 0 && isLabelLine(text) {
			label := strings.TrimSpace(text[:colon])
			if _, exists := labels[label]; exists {
				return nil, nil, &AssembleError{Line: i + 1, Msg: fmt.Sprintf("duplicate label %q", label)}
			}
			labels[label] = idx
			text = strings.TrimSpace(text[colon+1:])
			if text == "" {
				continue
			}
		}
		instrs = append(instrs, instrLine{text: text, lineNo: i + 1})
		idx++
	}
	return labels, instrs, nil
}

// isLabelLine reports whether text's prefix up to its first colon looks
// like a label name rather than, say, a mode_mask string inside a directive
// (directives are already filtered out by the '.' prefix check, so this
// only needs to reject stray colons in malformed instruction lines).
func isLabelLine(text string) bool {
	colon := strings.IndexByte(text, ':')
	if colon <= 0 {
		return false
	}
	name := text[:colon]
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// assembleInstr encodes one MVASM instruction line into its decoded form.
// Wide-immediate opcodes (LDI, the branches, JMP, CALL) always take the
// "Rd, IMM" operand shape vm.Disassemble prints, where IMM may be a label
// name resolved against labels or a numeric literal.
func assembleInstr(text string, labels map[string]uint32, lineNo int) (vm.Instr, error) {
	fields := strings.SplitN(text, " ", 2)
	mnemonic := strings.ToUpper(fields[0])
	var operandStr string
	if len(fields) > 1 {
		operandStr = fields[1]
	}
	op, ok := mnemonicToOpcode[mnemonic]
	if !ok {
		return vm.Instr{}, &AssembleError{Line: lineNo, Msg: fmt.Sprintf("unknown mnemonic %q", mnemonic)}
	}

	operands := splitOperands(operandStr)
	in := vm.Instr{Op: op}

	if op.IsWideImmediate() {
		if len(operands) != 2 {
			return vm.Instr{}, &AssembleError{Line: lineNo, Msg: fmt.Sprintf("%s expects 2 operands, got %d", mnemonic, len(operands))}
		}
		var reg uint8
		var err error
		if op == vm.OpLdi {
			// LDI's first operand is a real destination register.
			reg, err = parseRegister(operands[0], lineNo)
		} else {
			// CALL's first operand is a frame-size word count; the branch
			// opcodes carry an unused field here that vm.Disassemble still
			// prints in the uniform "Rn, imm" shape, so either a bare
			// number or an "Rn" form is accepted.
			reg, err = parseRegisterOrNumber(operands[0], lineNo)
		}
		if err != nil {
			return vm.Instr{}, err
		}
		imm, err := resolveImm(operands[1], labels, lineNo)
		if err != nil {
			return vm.Instr{}, err
		}
		in.A = reg
		in.Imm16 = imm
		return in, nil
	}

	want := op.Operands()
	if len(operands) != want {
		return vm.Instr{}, &AssembleError{Line: lineNo, Msg: fmt.Sprintf("%s expects %d operands, got %d", mnemonic, want, len(operands))}
	}
	switch want {
	case 0:
	case 1:
		v, err := parseRegisterOrNumber(operands[0], lineNo)
		if err != nil {
			return vm.Instr{}, err
		}
		in.A = v
	case 2:
		if mnemonic == "SVC" {
			a, err := parseNumber(operands[0], lineNo)
			if err != nil {
				return vm.Instr{}, err
			}
			b, err := parseNumber(operands[1], lineNo)
			if err != nil {
				return vm.Instr{}, err
			}
			in.A, in.B = uint8(a), uint8(b)
			return in, nil
		}
		a, err := parseRegister(operands[0], lineNo)
		if err != nil {
			return vm.Instr{}, err
		}
		b, err := parseRegister(operands[1], lineNo)
		if err != nil {
			return vm.Instr{}, err
		}
		in.A, in.B = a, b
	case 3:
		if mnemonic == "LD" || mnemonic == "ST" {
			a, err := parseRegister(operands[0], lineNo)
			if err != nil {
				return vm.Instr{}, err
			}
			b, err := parseRegister(operands[1], lineNo)
			if err != nil {
				return vm.Instr{}, err
			}
			c, err := parseNumber(operands[2], lineNo)
			if err != nil {
				return vm.Instr{}, err
			}
			in.A, in.B, in.C = a, b, uint8(c)
			return in, nil
		}
		a, err := parseRegister(operands[0], lineNo)
		if err != nil {
			return vm.Instr{}, err
		}
		b, err := parseRegister(operands[1], lineNo)
		if err != nil {
			return vm.Instr{}, err
		}
		c, err := parseRegister(operands[2], lineNo)
		if err != nil {
			return vm.Instr{}, err
		}
		in.A, in.B, in.C = a, b, c
	}
	return in, nil
}

var mnemonicToOpcode = func() map[string]vm.Opcode {
	m := make(map[string]vm.Opcode)
	for _, op := range []vm.Opcode{
		vm.OpNop, vm.OpMov, vm.OpLdi, vm.OpLd, vm.OpSt,
		vm.OpAdd, vm.OpSub, vm.OpMul, vm.OpDiv, vm.OpAdc, vm.OpSbc,
		vm.OpAnd, vm.OpOr, vm.OpXor, vm.OpNot, vm.OpLsl, vm.OpLsr, vm.OpAsr,
		vm.OpCmp, vm.OpBeq, vm.OpBne, vm.OpBlt, vm.OpBge, vm.OpBc, vm.OpBnc, vm.OpJmp,
		vm.OpCall, vm.OpRet, vm.OpSvc, vm.OpBrk,
	} {
		m[op.String()] = op
	}
	return m
}()

func splitOperands(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func parseRegister(s string, lineNo int) (uint8, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || (s[0] != 'R' && s[0] != 'r') {
		return 0, &AssembleError{Line: lineNo, Msg: fmt.Sprintf("expected register, got %q", s)}
	}
	n, err := strconv.ParseUint(s[1:], 10, 8)
	if err != nil || n > 15 {
		return 0, &AssembleError{Line: lineNo, Msg: fmt.Sprintf("invalid register %q", s)}
	}
	return uint8(n), nil
}

func parseNumber(s string, lineNo int) (int64, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, &AssembleError{Line: lineNo, Msg: fmt.Sprintf("invalid number %q", s)}
	}
	return n, nil
}

func parseRegisterOrNumber(s string, lineNo int) (uint8, error) {
	if r, err := parseRegister(s, lineNo); err == nil {
		return r, nil
	}
	n, err := parseNumber(s, lineNo)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}

// resolveImm resolves a wide-immediate operand: a label (instruction
// index), or a signed/hex numeric literal.
func resolveImm(s string, labels map[string]uint32, lineNo int) (uint16, error) {
	s = strings.TrimSpace(s)
	if idx, ok := labels[s]; ok {
		return uint16(idx), nil
	}
	n, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, &AssembleError{Line: lineNo, Msg: fmt.Sprintf("undefined label or invalid immediate %q", s)}
	}
	return uint16(int16(n)), nil
}
