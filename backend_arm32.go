// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm/armasm"
)

// arm32Backend patches 32-bit ARM code in ARM state. Thumb targets are
// not supported; the engine rejects addresses with the Thumb bit set
// before they reach the backend. The reader's PC is two words ahead of
// the executing instruction, which every displacement below accounts for.
type arm32Backend struct{}

func newARM32Backend() *arm32Backend { return &arm32Backend{} }

const (
	a32InsnLen    = 4
	a32PCAhead    = 8 // PC reads as the instruction address plus 8 in ARM state
	a32NearPatch  = 4 // B imm24
	a32FarPatch   = 8 // LDR PC, [PC, #-4]; .word addr
	a32WorstReloc = 16
	a32BackJump   = 8

	a32CondAL  = 0xE
	a32OpB     = 0x0A000000 // | cond<<28 | imm24
	a32OpBL    = 0x0B000000
	a32LDRPCm4 = 0xE51FF004 // LDR PC, [PC, #-4]
	a32AddLR4  = 0xE28FE004 // ADD LR, PC, #4
	a32OpMOVW  = 0xE3000000 // | imm4<<16 | Rd<<12 | imm12
	a32OpMOVT  = 0xE3400000
	a32OpLDRi  = 0xE5900000 // LDR Rt, [Rn] | Rn<<16 | Rt<<12
	a32Scratch = 12         // IP, the AAPCS intra-procedure-call register
)

// relocation classes
const (
	a32Plain = iota
	a32Branch // B or BL, conditional or not
	a32LDRLit // LDR Rt, [PC, #+-imm12]
	a32ADR    // ADD/SUB Rd, PC, #const
)

type a32Insn struct {
	word uint32
	kind int
	dst  uintptr // branch destination or literal address
}

func (b *arm32Backend) Arch() Arch { return ArchARM32 }

func (b *arm32Backend) Restore(mem Memory, target uintptr, original []byte) error {
	return mem.Write(target, original)
}

func (b *arm32Backend) Patch(mem Memory, target, replacement uintptr) (*Patch, error) {
	need := a32NearPatch
	if !a32FitsImm24(target, replacement) {
		need = a32FarPatch
	}

	window := make([]byte, need)
	if err := mem.Read(target, window); err != nil {
		return nil, err
	}

	insns, err := b.scanPrefix(window, target, need)
	if err != nil {
		return nil, err
	}

	trampSize := a32BackJump
	for range insns {
		trampSize += a32WorstReloc
	}

	tramp, err := buildTrampoline(mem, target, ArchARM32.BranchRange(), trampSize, func(addr uintptr) ([]byte, error) {
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

func (b *arm32Backend) scanPrefix(window []byte, target uintptr, need int) ([]a32Insn, error) {
	insns := make([]a32Insn, 0, need/a32InsnLen)
	for off := 0; off < need; off += a32InsnLen {
		w := binary.LittleEndian.Uint32(window[off:])
		pc := target + uintptr(off)
		in := a32Insn{word: w}
		cond := w >> 28

		switch {
		case cond == 0xF:
			// the unconditional space (BLX immediate, PLD, ...) has no
			// uniform relocation story
			return nil, fmt.Errorf("%w: unconditional-space instruction at %#x",
				ErrPatchSizeInsufficient, pc)
		case w&0x0E000000 == a32OpB: // the L bit distinguishes BL later
			in.kind = a32Branch
			in.dst = a32BranchDst(pc, w)
		case w&0x0F7F0000 == 0x051F0000:
			if cond != a32CondAL {
				return nil, fmt.Errorf("%w: conditional literal load at %#x",
					ErrPatchSizeInsufficient, pc)
			}
			in.kind = a32LDRLit
			imm := uintptr(w & 0xFFF)
			if w&(1<<23) != 0 {
				in.dst = pc + a32PCAhead + imm
			} else {
				in.dst = pc + a32PCAhead - imm
			}
		case w&0x0FFF0000 == 0x028F0000 || w&0x0FFF0000 == 0x024F0000:
			if cond != a32CondAL {
				return nil, fmt.Errorf("%w: conditional ADR at %#x",
					ErrPatchSizeInsufficient, pc)
			}
			in.kind = a32ADR
			imm := a32ExpandImm(w & 0xFFF)
			if w&0x0FFF0000 == 0x028F0000 {
				in.dst = pc + a32PCAhead + uintptr(imm)
			} else {
				in.dst = pc + a32PCAhead - uintptr(imm)
			}
		default:
			inst, err := armasm.Decode(window[off:off+a32InsnLen], armasm.ModeARM)
			if err != nil {
				return nil, fmt.Errorf("%w: undecodable instruction at %#x",
					ErrPatchSizeInsufficient, pc)
			}
			if a32ReadsPC(inst) {
				return nil, fmt.Errorf("%w: PC-dependent instruction at %#x",
					ErrPatchSizeInsufficient, pc)
			}
		}

		if in.kind == a32Branch && in.dst >= target && in.dst < target+uintptr(need) {
			return nil, fmt.Errorf("%w: branch into patch region at %#x",
				ErrPatchSizeInsufficient, pc)
		}

		insns = append(insns, in)
	}
	return insns, nil
}

func (b *arm32Backend) assembleTrampoline(addr, target uintptr, prefixLen int, insns []a32Insn) ([]byte, error) {
	var words []uint32
	for _, in := range insns {
		cur := addr + uintptr(len(words)*a32InsnLen)
		switch in.kind {
		case a32Plain:
			words = append(words, in.word)
		case a32Branch:
			words = append(words, a32RelocBranch(cur, in.dst, in.word)...)
		case a32LDRLit:
			// a literal load through PC becomes an absolute load; when the
			// destination is PC itself this is an indirect jump and IP
			// carries the address instead
			rt := in.word >> 12 & 0xF
			reg := rt
			if rt == 15 {
				reg = a32Scratch
			}
			words = append(words, a32Materialize(reg, uint32(in.dst))...)
			words = append(words, a32OpLDRi|reg<<16|rt<<12)
		case a32ADR:
			rd := in.word >> 12 & 0xF
			if rd == 15 {
				words = append(words, a32FarJump(uint32(in.dst))...)
			} else {
				words = append(words, a32Materialize(rd, uint32(in.dst))...)
			}
		}
	}

	cont := target + uintptr(prefixLen)
	cur := addr + uintptr(len(words)*a32InsnLen)
	if a32FitsImm24(cur, cont) {
		words = append(words, a32CondAL<<28|a32OpB|a32EncImm24(cur, cont))
	} else {
		words = append(words, a32FarJump(uint32(cont))...)
	}

	return a32Bytes(words), nil
}

func (b *arm32Backend) patchSite(target, replacement uintptr, need int) []byte {
	if need == a32NearPatch {
		return a32Bytes([]uint32{a32CondAL<<28 | a32OpB | a32EncImm24(target, replacement)})
	}
	return a32Bytes([]uint32{a32LDRPCm4, uint32(replacement)})
}

// a32RelocBranch re-encodes B/BL at a new address. Out-of-range branches
// go through a PC-load block; a conditional one first inverts the
// condition to skip that block, and BL sets up LR by hand so the callee
// still returns into the trampoline.
func a32RelocBranch(cur, dst uintptr, w uint32) []uint32 {
	cond := w >> 28
	link := w&(1<<24) != 0
	if a32FitsImm24(cur, dst) {
		op := uint32(a32OpB)
		if link {
			op = a32OpBL
		}
		return []uint32{cond<<28 | op | a32EncImm24(cur, dst)}
	}

	var far []uint32
	if link {
		far = append([]uint32{a32AddLR4}, a32FarJump(uint32(dst))...)
	} else {
		far = a32FarJump(uint32(dst))
	}
	if cond == a32CondAL {
		return far
	}
	// skip imm24 counts words from PC, which is two ahead of the branch
	skip := (cond^1)<<28 | a32OpB | uint32(len(far)-1)&0xFFFFFF
	return append([]uint32{skip}, far...)
}

// a32FarJump is an absolute jump through a literal pool word.
func a32FarJump(dst uint32) []uint32 {
	return []uint32{a32LDRPCm4, dst}
}

// a32Materialize loads a 32-bit constant with MOVW/MOVT, which needs
// ARMv7. Earlier cores never reach this path because their code predates
// the PC-relative forms that require it.
func a32Materialize(reg, val uint32) []uint32 {
	lo, hi := val&0xFFFF, val>>16
	return []uint32{
		a32OpMOVW | lo>>12<<16 | reg<<12 | lo&0xFFF,
		a32OpMOVT | hi>>12<<16 | reg<<12 | hi&0xFFF,
	}
}

func a32ReadsPC(inst armasm.Inst) bool {
	for _, a := range inst.Args {
		switch arg := a.(type) {
		case armasm.Reg:
			if arg == armasm.PC {
				return true
			}
		case armasm.Mem:
			if arg.Base == armasm.PC || arg.Index == armasm.PC {
				return true
			}
		case armasm.RegShift:
			if arg.Reg == armasm.PC {
				return true
			}
		case armasm.RegShiftReg:
			if arg.Reg == armasm.PC || arg.RegCount == armasm.PC {
				return true
			}
		case armasm.RegList:
			if arg&(1<<15) != 0 { // LDM/STM touching PC
				return true
			}
		case armasm.PCRel:
			return true
		}
	}
	return false
}

func a32BranchDst(pc uintptr, w uint32) uintptr {
	raw := int64(w) & 0xFFFFFF
	if raw&(1<<23) != 0 {
		raw -= 1 << 24
	}
	return uintptr(int64(pc) + a32PCAhead + raw*a32InsnLen)
}

// a32ExpandImm decodes the rotated 8-bit immediate of a data-processing
// instruction.
func a32ExpandImm(imm12 uint32) uint32 {
	rot := imm12 >> 8 * 2
	val := imm12 & 0xFF
	return val>>rot | val<<(32-rot)
}

func a32FitsImm24(pc, dst uintptr) bool {
	delta := (int64(dst) - int64(pc) - a32PCAhead) / a32InsnLen
	return delta >= -(1<<23) && delta < 1<<23 && (int64(dst)-int64(pc))%a32InsnLen == 0
}

func a32EncImm24(pc, dst uintptr) uint32 {
	delta := (int64(dst) - int64(pc) - a32PCAhead) / a32InsnLen
	return uint32(delta) & 0xFFFFFF
}

func a32Bytes(words []uint32) []byte {
	out := make([]byte, 0, len(words)*a32InsnLen)
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}
