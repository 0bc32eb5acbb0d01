package substrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	a32Target = uintptr(0x2011000)
	a32Repl   = uintptr(0x2012000)
	a32Alloc  = uintptr(0x20000)
)

// push {fp, lr}; add fp, sp, #4
var a32Prologue = []uint32{0xE92D4800, 0xE28DB004}

func TestARM32NearPatchSite(t *testing.T) {
	mem := newFakeMemory(a32Alloc)
	loadWords(mem, a32Target, a32Prologue)
	b := newARM32Backend()

	patch, err := b.Patch(mem, a32Target, a32Repl)
	require.NoError(t, err)
	assert.Len(t, patch.Original, 4)
	// delta 0x1000 minus the 8-byte PC lead, word-scaled
	assert.Equal(t, uint32(0xEA0003FE), mem.word(a32Target))

	tramp := patch.Trampoline.Addr
	assert.Equal(t, a32Prologue[0], mem.word(tramp))
	back := mem.word(tramp + 4)
	require.Equal(t, uint32(0xEA000000), back&0xFF000000)
	assert.Equal(t, a32Target+4, a32BranchDst(tramp+4, back))
}

func TestARM32FarPatchSite(t *testing.T) {
	mem := newFakeMemory(a32Alloc)
	loadWords(mem, a32Target, a32Prologue)
	b := newARM32Backend()

	far := uintptr(0x8000000) // past the +-32MB of B
	patch, err := b.Patch(mem, a32Target, far)
	require.NoError(t, err)
	assert.Len(t, patch.Original, 8)
	assert.Equal(t, uint32(0xE51FF004), mem.word(a32Target), "LDR PC, [PC, #-4]")
	assert.Equal(t, uint32(far), mem.word(a32Target+4))

	tramp := patch.Trampoline.Addr
	assert.Equal(t, a32Prologue[0], mem.word(tramp))
	assert.Equal(t, a32Prologue[1], mem.word(tramp+4))
	back := mem.word(tramp + 8)
	require.Equal(t, uint32(0xEA000000), back&0xFF000000)
	assert.Equal(t, a32Target+8, a32BranchDst(tramp+8, back))
}

func TestARM32RelocatesBranch(t *testing.T) {
	mem := newFakeMemory(a32Alloc)
	loadWords(mem, a32Target, []uint32{0xEA000040}) // B +0x108 from pc+8
	b := newARM32Backend()

	patch, err := b.Patch(mem, a32Target, a32Repl)
	require.NoError(t, err)

	dst := a32Target + 8 + 0x100
	moved := mem.word(patch.Trampoline.Addr)
	require.Equal(t, uint32(0xEA000000), moved&0xFF000000)
	assert.Equal(t, dst, a32BranchDst(patch.Trampoline.Addr, moved))
}

func TestARM32FarBranchThroughLiteral(t *testing.T) {
	mem := newFakeMemory(a32Target + 0x1F00000) // within B range, but far from dst
	loadWords(mem, a32Target, []uint32{0xEA83FFFE}) // B back -0x1F00000
	b := newARM32Backend()

	patch, err := b.Patch(mem, a32Target, a32Repl)
	require.NoError(t, err)

	dst := a32Target - 0x1F00000
	tramp := patch.Trampoline.Addr
	assert.Equal(t, uint32(0xE51FF004), mem.word(tramp), "LDR PC, [PC, #-4]")
	assert.Equal(t, uint32(dst), mem.word(tramp+4))
}

func TestARM32FarLinkedBranchSetsLR(t *testing.T) {
	mem := newFakeMemory(a32Target + 0x1F00000)
	loadWords(mem, a32Target, []uint32{0xEB83FFFE}) // BL back -0x1F00000
	b := newARM32Backend()

	patch, err := b.Patch(mem, a32Target, a32Repl)
	require.NoError(t, err)

	dst := a32Target - 0x1F00000
	tramp := patch.Trampoline.Addr
	assert.Equal(t, uint32(0xE28FE004), mem.word(tramp), "ADD LR, PC, #4")
	assert.Equal(t, uint32(0xE51FF004), mem.word(tramp+4))
	assert.Equal(t, uint32(dst), mem.word(tramp+8))
}

func TestARM32CondFarBranchInverts(t *testing.T) {
	mem := newFakeMemory(a32Target + 0x1F00000)
	loadWords(mem, a32Target, []uint32{0x1A83FFFE}) // BNE back -0x1F00000
	b := newARM32Backend()

	patch, err := b.Patch(mem, a32Target, a32Repl)
	require.NoError(t, err)

	tramp := patch.Trampoline.Addr
	skip := mem.word(tramp)
	assert.Equal(t, uint32(0x0), skip>>28, "inverted to BEQ")
	assert.Equal(t, tramp+12, a32BranchDst(tramp, skip), "skips the literal jump")
	assert.Equal(t, uint32(0xE51FF004), mem.word(tramp+4))
	assert.Equal(t, uint32(a32Target-0x1F00000), mem.word(tramp+8))
}

func TestARM32RelocatesLiteralLoad(t *testing.T) {
	mem := newFakeMemory(a32Alloc)
	loadWords(mem, a32Target, []uint32{0xE59F0010}) // LDR R0, [PC, #0x10]
	b := newARM32Backend()

	patch, err := b.Patch(mem, a32Target, a32Repl)
	require.NoError(t, err)

	dst := uint32(a32Target + 8 + 0x10)
	tramp := patch.Trampoline.Addr
	assert.Equal(t, uint32(0xE3000000|dst>>12&0xF<<16|dst&0xFFF), mem.word(tramp), "MOVW R0")
	assert.Equal(t, uint32(0xE3400000|dst>>28<<16|dst>>16&0xFFF), mem.word(tramp+4), "MOVT R0")
	assert.Equal(t, uint32(0xE5900000), mem.word(tramp+8), "LDR R0, [R0]")
}

func TestARM32RelocatesADR(t *testing.T) {
	mem := newFakeMemory(a32Alloc)
	loadWords(mem, a32Target, []uint32{0xE28F1010}) // ADR R1, #0x10
	b := newARM32Backend()

	patch, err := b.Patch(mem, a32Target, a32Repl)
	require.NoError(t, err)

	dst := uint32(a32Target + 8 + 0x10)
	moved := mem.word(patch.Trampoline.Addr)
	assert.Equal(t, uint32(0xE3000000|dst>>12&0xF<<16|1<<12|dst&0xFFF), moved, "MOVW R1")
}

func TestARM32RejectsPCReader(t *testing.T) {
	mem := newFakeMemory(a32Alloc)
	loadWords(mem, a32Target, []uint32{0xE1A0000F}) // mov r0, pc
	b := newARM32Backend()

	before := mem.bytes(a32Target, 4)
	_, err := b.Patch(mem, a32Target, a32Repl)
	assert.ErrorIs(t, err, ErrPatchSizeInsufficient)
	assert.Equal(t, before, mem.bytes(a32Target, 4))
	assert.Len(t, mem.allocs, 0)
}

func TestARM32RejectsUnconditionalSpace(t *testing.T) {
	mem := newFakeMemory(a32Alloc)
	loadWords(mem, a32Target, []uint32{0xFA000000}) // BLX +8
	b := newARM32Backend()

	_, err := b.Patch(mem, a32Target, a32Repl)
	assert.ErrorIs(t, err, ErrPatchSizeInsufficient)
}

func TestARM32RejectsBranchIntoPatchRegion(t *testing.T) {
	mem := newFakeMemory(a32Alloc)
	// far patch needs 8 bytes; second word branches back to the first
	loadWords(mem, a32Target, []uint32{0xE1A00000, 0xEAFFFFFD}) // nop; b .-12
	b := newARM32Backend()

	_, err := b.Patch(mem, a32Target, 0x8000000)
	assert.ErrorIs(t, err, ErrPatchSizeInsufficient)
}

func TestARM32Restore(t *testing.T) {
	mem := newFakeMemory(a32Alloc)
	loadWords(mem, a32Target, a32Prologue)
	b := newARM32Backend()

	before := mem.bytes(a32Target, 8)
	patch, err := b.Patch(mem, a32Target, a32Repl)
	require.NoError(t, err)
	require.NoError(t, b.Restore(mem, a32Target, patch.Original))
	assert.Equal(t, before, mem.bytes(a32Target, 8))
}
