package asm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptySourceProducesNoInstructionsNoErrors(t *testing.T) {
	a := Assemble("")
	assert.Empty(t, a.Errors)
	assert.Empty(t, a.Segments)
}

func TestSimpleProgramAssemblesExpectedBytes(t *testing.T) {
	src := `
.name "imp"
.author "teacher"
start:
	mov #1, r0
	jmp start
`
	a := Assemble(src)
	require.Empty(t, a.Errors)
	require.Len(t, a.Segments, 1)

	seg := a.Segments[0]
	// mov #1, r0 -> opcode, immediate operand byte (1), register operand byte (0)
	require.GreaterOrEqual(t, len(seg.Data), 6)
	assert.EqualValues(t, MOV, seg.Data[0])
	assert.EqualValues(t, 1, seg.Data[1])
	assert.EqualValues(t, 0, seg.Data[2]) // r0

	assert.EqualValues(t, JMP, seg.Data[3])
	target := decodeTarget16(seg.Data[4], seg.Data[5])
	assert.EqualValues(t, 0, target) // start: is address 0

	assert.Equal(t, "imp", a.Meta.Name)
	assert.Equal(t, "teacher", a.Meta.Author)
	assert.EqualValues(t, 0, a.EntryPoint)
}

func TestEquCodeSizeMatchesEmittedSize(t *testing.T) {
	src := `
start:
	nop
	nop
	halt
code_size equ $ - start
`
	a := Assemble(src)
	require.Empty(t, a.Errors)
	sz, ok := a.Symbols.Lookup("code_size")
	require.True(t, ok)
	assert.EqualValues(t, 3, sz) // three 1-byte instructions
}

func TestForwardLabelReferenceResolvesCorrectly(t *testing.T) {
	src := `
start:
	jmp target
	nop
target:
	halt
`
	a := Assemble(src)
	require.Empty(t, a.Errors)
	require.Len(t, a.Segments, 1)
	target := decodeTarget16(a.Segments[0].Data[1], a.Segments[0].Data[2])
	assert.EqualValues(t, 4, target) // jmp(3 bytes) + nop(1 byte)
}

func TestUnknownMnemonicReportsErrorButKeepsAddressAccounting(t *testing.T) {
	src := `
start:
	frobnicate r0, r1
target:
	halt
`
	a := Assemble(src)
	require.Len(t, a.Errors, 1)
	assert.Contains(t, a.Errors[0].Error(), "Invalid instruction")
	tgt, ok := a.Symbols.Lookup("target")
	require.True(t, ok)
	assert.EqualValues(t, 3, tgt) // unknown mnemonic assumed 3 bytes wide
}

func TestOrgStartsNewSegment(t *testing.T) {
	src := `
start:
	nop
.org 0x100
second:
	halt
`
	a := Assemble(src)
	require.Empty(t, a.Errors)
	require.Len(t, a.Segments, 2)
	assert.EqualValues(t, 0, a.Segments[0].Start)
	assert.EqualValues(t, 0x100, a.Segments[1].Start)
}

func TestSpaceAndAlignAdvanceAddress(t *testing.T) {
	src := `
start:
	nop
.space 3
aligned:
.align 4
after:
	halt
`
	a := Assemble(src)
	require.Empty(t, a.Errors)
	aligned, ok := a.Symbols.Lookup("aligned")
	require.True(t, ok)
	assert.EqualValues(t, 4, aligned)
	after, ok := a.Symbols.Lookup("after")
	require.True(t, ok)
	assert.EqualValues(t, 4, after) // already aligned, .align is a no-op
}

func TestDataDefinitionEmitsBytes(t *testing.T) {
	src := `
start:
	db 1, 2, 3
	dw 0x100
`
	a := Assemble(src)
	require.Empty(t, a.Errors)
	require.Len(t, a.Segments, 1)
	data := a.Segments[0].Data
	require.Len(t, data, 5)
	assert.EqualValues(t, []byte{1, 2, 3}, data[:3])
	assert.EqualValues(t, 0x00, data[3])
	assert.EqualValues(t, 0x01, data[4])
}

func TestRelocateShiftsSegmentsSymbolsAndBranchTargets(t *testing.T) {
	src := `
start:
	jmp start
	halt
`
	a := Assemble(src)
	require.Empty(t, a.Errors)

	origStart := a.Segments[0].Start
	origTarget := decodeTarget16(a.Segments[0].Data[1], a.Segments[0].Data[2])
	origSym, _ := a.Symbols.Lookup("start")
	origEntry := a.EntryPoint

	a.Relocate(0x1000)
	assert.EqualValues(t, 0x1000, a.Segments[0].Start)
	newTarget := decodeTarget16(a.Segments[0].Data[1], a.Segments[0].Data[2])
	assert.EqualValues(t, origTarget+0x1000, newTarget)
	newSym, _ := a.Symbols.Lookup("start")
	assert.EqualValues(t, origSym+0x1000, newSym)
	assert.EqualValues(t, origEntry+0x1000, a.EntryPoint)

	// Relocating to the same base again is a no-op.
	a.Relocate(0x1000)
	assert.EqualValues(t, 0x1000, a.Segments[0].Start)

	// Relocating back by -delta restores the original layout.
	a.Relocate(origStart)
	assert.EqualValues(t, origStart, a.Segments[0].Start)
	restoredTarget := decodeTarget16(a.Segments[0].Data[1], a.Segments[0].Data[2])
	assert.EqualValues(t, origTarget, restoredTarget)
}

func TestIncludeInlinesRegisteredBlob(t *testing.T) {
	as := NewAssembler()
	as.Includes["consts.bin"] = []byte{0xAA, 0xBB}
	src := `
start:
	.include "consts.bin"
	halt
`
	a := as.Assemble(src)
	require.Empty(t, a.Errors)
	data := a.Segments[0].Data
	require.GreaterOrEqual(t, len(data), 3)
	assert.EqualValues(t, 0xAA, data[0])
	assert.EqualValues(t, 0xBB, data[1])
	assert.EqualValues(t, HALT, data[2])
}

func TestIncludeUnknownNameReportsError(t *testing.T) {
	src := `
start:
	.include "missing.bin"
`
	a := Assemble(src)
	require.Len(t, a.Errors, 1)
	assert.Contains(t, a.Errors[0].Error(), "unknown include")
}

func TestSpecialRegistersRejectedAsGeneralOperand(t *testing.T) {
	src := `
start:
	mov sp, r0
`
	a := Assemble(src)
	require.Len(t, a.Errors, 1)
	assert.Contains(t, a.Errors[0].Error(), "Invalid operand")
}

func TestIndexedMemoryOperandIsRejected(t *testing.T) {
	src := `
start:
	mov [r0+4], r1
`
	a := Assemble(src)
	require.Len(t, a.Errors, 1)
	assert.Contains(t, a.Errors[0].Error(), "Invalid operand")
}

func TestPushPopEncodeRegisterOperand(t *testing.T) {
	src := `
start:
	push r2
	pop r3
`
	a := Assemble(src)
	require.Empty(t, a.Errors)
	data := a.Segments[0].Data
	require.Len(t, data, 6)
	assert.EqualValues(t, []byte{PUSH, 2, 0, POP, 3, 0}, data)
}

func TestIncDecSynthesizeZeroSecondOperand(t *testing.T) {
	src := `
start:
	inc r1
`
	a := Assemble(src)
	require.Empty(t, a.Errors)
	data := a.Segments[0].Data
	assert.EqualValues(t, []byte{INC, 1, 0}, data)
}

func TestAssemblySurfacesInstructionRecords(t *testing.T) {
	src := `
start:
	nop
	halt
`
	a := Assemble(src)
	require.Empty(t, a.Errors)
	require.Len(t, a.Instructions, 2)
	assert.EqualValues(t, NOP, a.Instructions[0].Opcode)
	assert.EqualValues(t, 1, a.Instructions[0].SizeInBytes)
	assert.EqualValues(t, HALT, a.Instructions[1].Opcode)
}

func TestDecodeOperandByteTagsRegistersAndImmediates(t *testing.T) {
	reg := DecodeOperandByte(2)
	assert.Equal(t, OperandRegister, reg.Kind)
	assert.Equal(t, 2, reg.Reg)

	imm := DecodeOperandByte(42)
	assert.Equal(t, OperandImmediate, imm.Kind)
	assert.EqualValues(t, 42, imm.Value)
}
