// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// arm64Backend patches AArch64 code. Instructions are fixed 4-byte words,
// so the patch is either a single B (replacement within ±128MB) or a
// 16-byte LDR/BR/literal sequence.
type arm64Backend struct{}

func newARM64Backend() *arm64Backend { return &arm64Backend{} }

const (
	a64InsnLen    = 4
	a64NearPatch  = 4  // B imm26
	a64FarPatch   = 16 // LDR X17, #8; BR X17; .quad addr
	a64WorstReloc = 24 // inverted-condition skip + MOVZ/MOVK*3 + BR
	a64BackJump   = 20 // MOVZ/MOVK*3 + BR

	a64OpB      = 0x14000000
	a64OpBL     = 0x94000000
	a64OpBR     = 0xD61F0000 // | Rn<<5
	a64OpBLR    = 0xD63F0000 // | Rn<<5
	a64OpMOVZ   = 0xD2800000 // | hw<<21 | imm16<<5 | Rd
	a64OpMOVK   = 0xF2800000 // | hw<<21 | imm16<<5 | Rd
	a64OpLDRXu  = 0xF9400000 // LDR Xt, [Xn] | Rn<<5 | Rt
	a64OpLDRWu  = 0xB9400000 // LDR Wt, [Xn] | Rn<<5 | Rt
	a64OpLDRXl  = 0x58000000 // LDR Xt, literal | imm19<<5 | Rt
	a64ScratchX = 17         // IP1, the AAPCS64 intra-procedure-call register
)

// relocation classes
const (
	a64Plain = iota
	a64B
	a64BL
	a64BCond
	a64CBZ
	a64TBZ
	a64ADR
	a64ADRP
	a64LDRLit
)

type a64Insn struct {
	word uint32
	kind int
	dst  uintptr // branch destination or literal/data address
}

func (b *arm64Backend) Arch() Arch { return ArchARM64 }

func (b *arm64Backend) Restore(mem Memory, target uintptr, original []byte) error {
	return mem.Write(target, original)
}

func (b *arm64Backend) Patch(mem Memory, target, replacement uintptr) (*Patch, error) {
	need := a64NearPatch
	if !a64FitsImm26(target, replacement) {
		need = a64FarPatch
	}

	window := make([]byte, need)
	if err := mem.Read(target, window); err != nil {
		return nil, err
	}

	insns, err := b.scanPrefix(window, target, need)
	if err != nil {
		return nil, err
	}

	trampSize := a64BackJump
	for range insns {
		trampSize += a64WorstReloc
	}

	tramp, err := buildTrampoline(mem, target, ArchARM64.BranchRange(), trampSize, func(addr uintptr) ([]byte, error) {
		return b.assembleTrampoline(addr, target, need, insns)
	})
	if err != nil {
		return nil, err
	}

	original := make([]byte, need)
	copy(original, window)

	if err := mem.Write(target, b.patchSite(target, replacement, need)); err != nil {
		_ = tramp.release(mem)
		return nil, err
	}

	return &Patch{Original: original, Trampoline: tramp}, nil
}

func (b *arm64Backend) scanPrefix(window []byte, target uintptr, need int) ([]a64Insn, error) {
	insns := make([]a64Insn, 0, need/a64InsnLen)
	for off := 0; off < need; off += a64InsnLen {
		w := binary.LittleEndian.Uint32(window[off:])
		pc := target + uintptr(off)
		in := a64Insn{word: w}

		switch {
		case w&0xFC000000 == a64OpB:
			in.kind = a64B
			in.dst = a64BranchDst(pc, w, 26, 0)
		case w&0xFC000000 == a64OpBL:
			in.kind = a64BL
			in.dst = a64BranchDst(pc, w, 26, 0)
		case w&0xFF000010 == 0x54000000:
			if cond := w & 0xF; cond >= 0xE {
				return nil, fmt.Errorf("%w: unconditional B.cond form at %#x",
					ErrPatchSizeInsufficient, pc)
			}
			in.kind = a64BCond
			in.dst = a64BranchDst(pc, w, 19, 5)
		case w&0x7E000000 == 0x34000000:
			in.kind = a64CBZ
			in.dst = a64BranchDst(pc, w, 19, 5)
		case w&0x7E000000 == 0x36000000:
			in.kind = a64TBZ
			in.dst = a64BranchDst(pc, w, 14, 5)
		case w&0x9F000000 == 0x10000000:
			in.kind = a64ADR
			in.dst = uintptr(int64(pc) + a64ADRImm(w))
		case w&0x9F000000 == 0x90000000:
			in.kind = a64ADRP
			in.dst = uintptr(int64(pc&^0xFFF) + (a64ADRImm(w) << 12))
		case w&0xFF000000 == a64OpLDRXl || w&0xFF000000 == 0x18000000:
			in.kind = a64LDRLit
			in.dst = a64BranchDst(pc, w, 19, 5)
		case w&0x3B000000 == 0x18000000:
			// signed/SIMD literal load, no relocation recipe here
			return nil, fmt.Errorf("%w: unsupported literal load at %#x",
				ErrPatchSizeInsufficient, pc)
		default:
			// everything else on AArch64 is position-independent, but an
			// undecodable word means we are not looking at code
			if _, err := arm64asm.Decode(window[off : off+a64InsnLen]); err != nil {
				return nil, fmt.Errorf("%w: undecodable instruction at %#x",
					ErrPatchSizeInsufficient, pc)
			}
		}

		if in.kind != a64Plain && in.kind != a64ADR && in.kind != a64ADRP &&
			in.dst >= target && in.dst < target+uintptr(need) {
			return nil, fmt.Errorf("%w: branch into patch region at %#x",
				ErrPatchSizeInsufficient, pc)
		}

		insns = append(insns, in)
	}
	return insns, nil
}

func (b *arm64Backend) assembleTrampoline(addr, target uintptr, prefixLen int, insns []a64Insn) ([]byte, error) {
	var words []uint32
	for _, in := range insns {
		cur := addr + uintptr(len(words)*a64InsnLen)
		switch in.kind {
		case a64Plain:
			words = append(words, in.word)
		case a64B, a64BL:
			if a64FitsImm26(cur, in.dst) {
				op := uint32(a64OpB)
				if in.kind == a64BL {
					op = a64OpBL
				}
				words = append(words, op|a64EncImm(cur, in.dst, 26, 0))
			} else {
				words = append(words, a64Materialize(a64ScratchX, uint64(in.dst))...)
				if in.kind == a64BL {
					words = append(words, a64OpBLR|a64ScratchX<<5)
				} else {
					words = append(words, a64OpBR|a64ScratchX<<5)
				}
			}
		case a64BCond:
			words = append(words, a64RelocCond(cur, in.dst, in.word, func(w uint32) uint32 {
				return w ^ 1 // invert condition
			})...)
		case a64CBZ, a64TBZ:
			words = append(words, a64RelocCond(cur, in.dst, in.word, func(w uint32) uint32 {
				return w ^ 1 << 24 // CBZ<->CBNZ, TBZ<->TBNZ
			})...)
		case a64ADR, a64ADRP:
			words = append(words, a64Materialize(in.word&0x1F, uint64(in.dst))...)
		case a64LDRLit:
			// materialize the literal address into the destination
			// register, then load through it; no scratch needed
			rt := in.word & 0x1F
			words = append(words, a64Materialize(rt, uint64(in.dst))...)
			if in.word&0xFF000000 == a64OpLDRXl {
				words = append(words, a64OpLDRXu|rt<<5|rt)
			} else {
				words = append(words, a64OpLDRWu|rt<<5|rt)
			}
		}
	}

	// continue in the unpatched remainder
	cont := target + uintptr(prefixLen)
	cur := addr + uintptr(len(words)*a64InsnLen)
	if a64FitsImm26(cur, cont) {
		words = append(words, a64OpB|a64EncImm(cur, cont, 26, 0))
	} else {
		words = append(words, a64Materialize(a64ScratchX, uint64(cont))...)
		words = append(words, a64OpBR|a64ScratchX<<5)
	}

	return a64Bytes(words), nil
}

func (b *arm64Backend) patchSite(target, replacement uintptr, need int) []byte {
	if need == a64NearPatch {
		return a64Bytes([]uint32{a64OpB | a64EncImm(target, replacement, 26, 0)})
	}
	out := a64Bytes([]uint32{
		a64OpLDRXl | 2<<5 | a64ScratchX, // LDR X17, #8
		a64OpBR | a64ScratchX<<5,
	})
	return binary.LittleEndian.AppendUint64(out, uint64(replacement))
}

// a64RelocCond re-encodes a short-range conditional branch. When the
// displacement still fits it is a single word; otherwise the condition is
// inverted to skip a far branch block.
func a64RelocCond(cur, dst uintptr, w uint32, invert func(uint32) uint32) []uint32 {
	bits, shift := uint(19), uint(5)
	if w&0x7E000000 == 0x36000000 {
		bits = 14
	}
	if a64FitsImm(cur, dst, bits) {
		return []uint32{w&^(uint32(1<<bits-1)<<shift) | a64EncImm(cur, dst, bits, shift)}
	}
	skip := invert(w) &^ (uint32(1<<bits-1) << shift)
	skip |= uint32(6) & (1<<bits - 1) << shift // over 5 far-branch words, to cur+24
	out := []uint32{skip}
	out = append(out, a64Materialize(a64ScratchX, uint64(dst))...)
	return append(out, a64OpBR|a64ScratchX<<5)
}

// a64Materialize loads a 64-bit constant with MOVZ and three MOVKs. The
// count is fixed so relocation sizes stay predictable.
func a64Materialize(reg uint32, val uint64) []uint32 {
	out := []uint32{a64OpMOVZ | uint32(val&0xFFFF)<<5 | reg}
	for hw := uint32(1); hw < 4; hw++ {
		chunk := uint32(val>>(16*hw)) & 0xFFFF
		out = append(out, a64OpMOVK|hw<<21|chunk<<5|reg)
	}
	return out
}

func a64BranchDst(pc uintptr, w uint32, bits, shift uint) uintptr {
	raw := int64(w>>shift) & (1<<bits - 1)
	if raw&(1<<(bits-1)) != 0 {
		raw -= 1 << bits
	}
	return uintptr(int64(pc) + raw*a64InsnLen)
}

func a64ADRImm(w uint32) int64 {
	raw := int64(w>>29)&0x3 | int64(w>>5)&0x7FFFF<<2
	if raw&(1<<20) != 0 {
		raw -= 1 << 21
	}
	return raw
}

func a64FitsImm26(pc, dst uintptr) bool { return a64FitsImm(pc, dst, 26) }

func a64FitsImm(pc, dst uintptr, bits uint) bool {
	delta := (int64(dst) - int64(pc)) / a64InsnLen
	return delta >= -(1<<(bits-1)) && delta < 1<<(bits-1) && (int64(dst)-int64(pc))%a64InsnLen == 0
}

func a64EncImm(pc, dst uintptr, bits, shift uint) uint32 {
	delta := (int64(dst) - int64(pc)) / a64InsnLen
	return uint32(delta) & (1<<bits - 1) << shift
}

func a64Bytes(words []uint32) []byte {
	out := make([]byte, 0, len(words)*a64InsnLen)
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}
