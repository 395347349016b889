package toolchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsx-systems/hsx/image"
	"github.com/hsx-systems/hsx/vm"
)

const sampleSrc = `
; add two constants and stop
.value {"group":240,"id":3,"flags":"RO","unit":"celsius","name":"temp_c"}
.cmd {"group":240,"id":16,"handler":"sys_reset","auth":"admin","secure":true,"pin":"1234","name":"sys.reset"}
.mailbox {"target":"shared:log","capacity":128,"mode_mask":"FANOUT_DROP|RDWR"}

_start:
    LDI R1, 10
    LDI R2, 20
    ADD R3, R1, R2
    BRK
sys_reset:
    LDI R0, 0
    RET
`

func TestAssembleProducesValidCode(t *testing.T) {
	obj, err := Assemble("unit.mvasm", sampleSrc)
	require.NoError(t, err)

	require.Len(t, obj.Values, 1)
	assert.Equal(t, "temp_c", obj.Values[0].Name)
	require.Len(t, obj.Commands, 1)
	assert.Equal(t, "sys_reset", obj.Commands[0].Handler)
	require.Len(t, obj.Mailboxes, 1)
	assert.Equal(t, "shared:log", obj.Mailboxes[0].Target)

	require.Contains(t, obj.Symbols, "_start")
	require.Contains(t, obj.Symbols, "sys_reset")

	// _start, sys_reset resolve to byte offsets, and the assembled code
	// decodes back into the expected opcodes.
	in0, err := vm.Decode(obj.Code, obj.Symbols["_start"])
	require.NoError(t, err)
	assert.Equal(t, vm.OpLdi, in0.Op)

	in1, err := vm.Decode(obj.Code, obj.Symbols["sys_reset"])
	require.NoError(t, err)
	assert.Equal(t, vm.OpLdi, in1.Op)
}

func TestAssembleRejectsUnknownMnemonic(t *testing.T) {
	_, err := Assemble("bad.mvasm", "FROB R1, R2, R3\n")
	require.Error(t, err)
}

func TestLinkSingleObjectRoundTrips(t *testing.T) {
	obj, err := Assemble("unit.mvasm", sampleSrc)
	require.NoError(t, err)

	result, err := Link([]*Object{obj}, LinkOptions{AppName: "demo", SourceDateEpoch: 1700000000})
	require.NoError(t, err)

	img, err := image.Load(result.HXE)
	require.NoError(t, err)
	assert.Equal(t, "demo", img.Header.AppName)
	assert.Equal(t, obj.Symbols["_start"], img.Header.EntryPC)

	valSections := img.SectionsOfType(image.SectionValue)
	require.Len(t, valSections, 1)
	values, err := DecodeValueSection(img.Payload(valSections[0]))
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "temp_c", values[0].Name)

	cmdSections := img.SectionsOfType(image.SectionCommand)
	require.Len(t, cmdSections, 1)
	cmds, err := DecodeCommandSection(img.Payload(cmdSections[0]))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	addr, ok := cmds[0].ResolvedAddr()
	require.True(t, ok)
	assert.Equal(t, obj.Symbols["sys_reset"], addr)

	dbgSections := img.SectionsOfType(image.SectionDebugInfo)
	require.Len(t, dbgSections, 1)
	sidecar, err := DecodeSidecar(img.Payload(dbgSections[0]))
	require.NoError(t, err)
	assert.Equal(t, uint32(1700000000), sidecar.BuildEpoch)
	assert.Equal(t, obj.Symbols["_start"], sidecar.Symbols["_start"])
}

func TestLinkDeterministic(t *testing.T) {
	obj1, err := Assemble("unit.mvasm", sampleSrc)
	require.NoError(t, err)
	obj2, err := Assemble("unit.mvasm", sampleSrc)
	require.NoError(t, err)

	r1, err := Link([]*Object{obj1}, LinkOptions{AppName: "demo", SourceDateEpoch: 42})
	require.NoError(t, err)
	r2, err := Link([]*Object{obj2}, LinkOptions{AppName: "demo", SourceDateEpoch: 42})
	require.NoError(t, err)

	assert.Equal(t, r1.HXE, r2.HXE)
}

func TestLinkRebasesSecondObjectBranches(t *testing.T) {
	objA, err := Assemble("a.mvasm", "_start:\n    LDI R1, 1\n    BRK\n")
	require.NoError(t, err)
	objB, err := Assemble("b.mvasm", "helper:\n    JMP R0, helper\n")
	require.NoError(t, err)

	result, err := Link([]*Object{objA, objB}, LinkOptions{AppName: "multi"})
	require.NoError(t, err)

	img, err := image.Load(result.HXE)
	require.NoError(t, err)

	// helper's JMP target must point at its own rebased address (an
	// infinite self-loop), not at instruction index 0 from its own object.
	helperByteOff := uint32(len(objA.Code)) // objB placed right after objA
	in, err := vm.Decode(img.Code, helperByteOff)
	require.NoError(t, err)
	assert.Equal(t, vm.OpJmp, in.Op)
	assert.Equal(t, uint16(helperByteOff/4), in.Imm16)
}

func TestLinkUnresolvedHandlerFails(t *testing.T) {
	obj, err := Assemble("u.mvasm", `
.cmd {"group":1,"id":1,"handler":"does_not_exist","auth":"user"}
_start:
    BRK
`)
	require.NoError(t, err)
	_, err = Link([]*Object{obj}, LinkOptions{})
	require.Error(t, err)
	var unresolved *ErrUnresolvedSymbol
	require.ErrorAs(t, err, &unresolved)
}
