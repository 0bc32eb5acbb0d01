// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

// x86Backend covers both X86 and X86_64; the two differ only in decode
// mode, far-jump availability and RIP-relative addressing.
type x86Backend struct {
	arch Arch
	mode int
}

func newX86Backend() *x86Backend   { return &x86Backend{arch: ArchX86, mode: 32} }
func newX8664Backend() *x86Backend { return &x86Backend{arch: ArchX8664, mode: 64} }

const (
	x86NearJmpLen = 5  // E9 rel32
	x86FarJmpLen  = 14 // push low32; mov [rsp+4], high32; ret
	x86Int3       = 0xCC
	x86Nop        = 0x90
)

// relocation classes of a prologue instruction
const (
	x86Plain = iota
	x86Jmp8  // EB rel8, widens to E9 rel32
	x86Jcc8  // 70..7F rel8, widens to 0F 8x rel32
	x86Jmp32 // E9 rel32
	x86Jcc32 // 0F 80..8F rel32
	x86RIP   // RIP-relative memory operand, disp32 in the last four bytes
)

type x86Insn struct {
	off  int    // offset from the target address
	raw  []byte // original encoding
	kind int
	dst  uintptr // absolute branch destination or RIP-relative data address
}

func (b *x86Backend) Arch() Arch { return b.arch }

func (b *x86Backend) Restore(mem Memory, target uintptr, original []byte) error {
	return mem.Write(target, original)
}

func (b *x86Backend) Patch(mem Memory, target, replacement uintptr) (*Patch, error) {
	need := x86NearJmpLen
	if b.mode == 64 && !fitsRel32(target+x86NearJmpLen, replacement) {
		need = x86FarJmpLen
	}

	window := make([]byte, need+16) // longest x86 instruction is 15 bytes
	if err := mem.Read(target, window); err != nil {
		return nil, err
	}

	insns, prefixLen, err := b.scanPrefix(window, target, need)
	if err != nil {
		return nil, err
	}

	trampSize := x86FarJmpLen // jump back to the continuation
	for _, in := range insns {
		trampSize += len(b.widened(in))
	}

	maxDist := b.arch.BranchRange()
	if b.mode == 32 {
		maxDist = 0 // rel32 covers the whole 32-bit space
	}
	tramp, err := buildTrampoline(mem, target, maxDist, trampSize, func(addr uintptr) ([]byte, error) {
		return b.assembleTrampoline(addr, target, prefixLen, insns)
	})
	if err != nil {
		return nil, err
	}

	original := make([]byte, prefixLen)
	copy(original, window[:prefixLen])

	patch := b.jumpTo(target, replacement)
	for len(patch) < prefixLen {
		patch = append(patch, x86Nop)
	}
	if err := mem.Write(target, patch); err != nil {
		_ = tramp.release(mem)
		return nil, err
	}

	return &Patch{Original: original, Trampoline: tramp}, nil
}

// scanPrefix decodes instructions from the window until at least need
// bytes are covered, classifying each for relocation. Instructions that
// cannot be moved abort the patch.
func (b *x86Backend) scanPrefix(window []byte, target uintptr, need int) ([]x86Insn, int, error) {
	var insns []x86Insn
	off := 0
	for off < need {
		code := window[off:]
		if len(code) == 0 || code[0] == x86Int3 {
			return nil, 0, fmt.Errorf("%w: padding at %#x before %d byte budget",
				ErrPatchSizeInsufficient, target+uintptr(off), need)
		}
		inst, err := x86asm.Decode(code, b.mode)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: undecodable instruction at %#x",
				ErrPatchSizeInsufficient, target+uintptr(off))
		}

		in := x86Insn{off: off, raw: append([]byte(nil), code[:inst.Len]...)}
		switch {
		case inst.Op == x86asm.RET || inst.Op == x86asm.LRET:
			// the function ends inside the patch window
			return nil, 0, fmt.Errorf("%w: return at %#x",
				ErrPatchSizeInsufficient, target+uintptr(off))
		case inst.Op == x86asm.CALL || inst.Op == x86asm.LCALL:
			// a moved call records the wrong return address for
			// stack-relative metadata, so refuse it
			return nil, 0, fmt.Errorf("%w: call at %#x",
				ErrPatchSizeInsufficient, target+uintptr(off))
		case code[0] == 0xEB:
			in.kind = x86Jmp8
			in.dst = uintptr(int64(target) + int64(off) + int64(inst.Len) + int64(int8(code[1])))
		case code[0] >= 0x70 && code[0] <= 0x7F:
			in.kind = x86Jcc8
			in.dst = uintptr(int64(target) + int64(off) + int64(inst.Len) + int64(int8(code[1])))
		case code[0] == 0xE3:
			// JCXZ has no rel32 form to widen into
			return nil, 0, fmt.Errorf("%w: JCXZ at %#x",
				ErrPatchSizeInsufficient, target+uintptr(off))
		case code[0] == 0xE9:
			in.kind = x86Jmp32
			in.dst = uintptr(int64(target) + int64(off) + int64(inst.Len) +
				int64(int32(binary.LittleEndian.Uint32(code[1:]))))
		case code[0] == 0x0F && inst.Len >= 6 && code[1] >= 0x80 && code[1] <= 0x8F:
			in.kind = x86Jcc32
			in.dst = uintptr(int64(target) + int64(off) + int64(inst.Len) +
				int64(int32(binary.LittleEndian.Uint32(code[2:]))))
		case hasRelArg(inst):
			// a PC-relative instruction in a non-canonical encoding
			return nil, 0, fmt.Errorf("%w: unsupported relative instruction at %#x",
				ErrPatchSizeInsufficient, target+uintptr(off))
		case b.mode == 64 && ripOperand(inst):
			if hasImmArg(inst) {
				// displacement position is ambiguous with a trailing
				// immediate; refuse instead of guessing
				return nil, 0, fmt.Errorf("%w: RIP-relative instruction with immediate at %#x",
					ErrPatchSizeInsufficient, target+uintptr(off))
			}
			in.kind = x86RIP
			disp := int32(binary.LittleEndian.Uint32(in.raw[inst.Len-4:]))
			in.dst = uintptr(int64(target) + int64(off) + int64(inst.Len) + int64(disp))
		}

		if in.dst != 0 && in.dst >= target && in.dst < target+uintptr(need) {
			// branch into the moved region; remapping across changed
			// instruction lengths is not worth the risk
			return nil, 0, fmt.Errorf("%w: branch into patch region at %#x",
				ErrPatchSizeInsufficient, target+uintptr(off))
		}

		insns = append(insns, in)
		off += inst.Len
	}
	return insns, off, nil
}

// widened returns the worst-case relocated encoding, used for sizing.
func (b *x86Backend) widened(in x86Insn) []byte {
	switch in.kind {
	case x86Jmp8:
		return make([]byte, 5)
	case x86Jcc8:
		return make([]byte, 6)
	default:
		return in.raw
	}
}

func (b *x86Backend) assembleTrampoline(addr, target uintptr, prefixLen int, insns []x86Insn) ([]byte, error) {
	var out []byte
	for _, in := range insns {
		cur := addr + uintptr(len(out))
		switch in.kind {
		case x86Plain:
			out = append(out, in.raw...)
		case x86Jmp8, x86Jmp32:
			rel, err := rel32(cur+5, in.dst)
			if err != nil {
				return nil, err
			}
			out = append(out, 0xE9, byte(rel), byte(rel>>8), byte(rel>>16), byte(rel>>24))
		case x86Jcc8:
			rel, err := rel32(cur+6, in.dst)
			if err != nil {
				return nil, err
			}
			out = append(out, 0x0F, 0x80+in.raw[0]-0x70,
				byte(rel), byte(rel>>8), byte(rel>>16), byte(rel>>24))
		case x86Jcc32:
			rel, err := rel32(cur+uintptr(len(in.raw)), in.dst)
			if err != nil {
				return nil, err
			}
			nc := append([]byte(nil), in.raw...)
			binary.LittleEndian.PutUint32(nc[2:], uint32(rel))
			out = append(out, nc...)
		case x86RIP:
			rel, err := rel32(cur+uintptr(len(in.raw)), in.dst)
			if err != nil {
				return nil, err
			}
			nc := append([]byte(nil), in.raw...)
			binary.LittleEndian.PutUint32(nc[len(nc)-4:], uint32(rel))
			out = append(out, nc...)
		}
	}

	// continue in the unpatched remainder of the original
	out = append(out, b.jumpFrom(addr+uintptr(len(out)), target+uintptr(prefixLen))...)
	return out, nil
}

// jumpTo encodes the patch-site jump to the replacement.
func (b *x86Backend) jumpTo(from, to uintptr) []byte {
	return b.jumpFrom(from, to)
}

// jumpFrom encodes an unconditional jump, near when rel32 reaches, the
// 14-byte push/ret sequence otherwise (64-bit only; a 32-bit rel32
// reaches everywhere by wraparound).
func (b *x86Backend) jumpFrom(from, to uintptr) []byte {
	if b.mode == 32 || fitsRel32(from+x86NearJmpLen, to) {
		var rel int32
		if b.mode == 32 {
			rel = int32(uint32(to) - uint32(from) - x86NearJmpLen)
		} else {
			rel = int32(int64(to) - int64(from) - x86NearJmpLen)
		}
		return []byte{0xE9, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
	}
	// push truncates to the low half and sign-extends; the mov fixes up
	// the high dword before ret consumes the slot
	code := []byte{0x68}
	code = append(code,
		byte(to), byte(to>>8), byte(to>>16), byte(to>>24),
		0xC7, 0x44, 0x24, 0x04,
		byte(to>>32), byte(to>>40), byte(to>>48), byte(to>>56),
		0xC3)
	return code
}

func fitsRel32(next, to uintptr) bool {
	delta := int64(to) - int64(next)
	return delta >= math.MinInt32 && delta <= math.MaxInt32
}

func rel32(next, to uintptr) (int32, error) {
	delta := int64(to) - int64(next)
	if delta < math.MinInt32 || delta > math.MaxInt32 {
		return 0, fmt.Errorf("%w: relocated displacement %#x exceeds rel32",
			ErrPatchSizeInsufficient, delta)
	}
	return int32(delta), nil
}

func hasRelArg(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if _, ok := a.(x86asm.Rel); ok {
			return true
		}
	}
	return false
}

func hasImmArg(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if _, ok := a.(x86asm.Imm); ok {
			return true
		}
	}
	return false
}

func ripOperand(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}
