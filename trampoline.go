// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import "fmt"

// Trampoline is an executable block that behaves exactly like the
// original, never-hooked function: it replays the relocated prologue and
// jumps into the unpatched remainder. It is owned by exactly one
// HookRecord and released on uninstall.
type Trampoline struct {
	Addr uintptr
	Size int
}

// buildTrampoline allocates an executable block within maxDist of target
// and fills it with the output of assemble. assemble receives the block
// address because relocated PC-relative instructions depend on it; the
// bytes it returns must fit in size. The block is freed again if assembly
// or the write fails.
func buildTrampoline(mem Memory, target, maxDist uintptr, size int, assemble func(addr uintptr) ([]byte, error)) (Trampoline, error) {
	addr, err := mem.AllocExec(target, maxDist, size)
	if err != nil {
		return Trampoline{}, err
	}

	code, err := assemble(addr)
	if err != nil {
		_ = mem.FreeExec(addr, size)
		return Trampoline{}, err
	}
	if len(code) > size {
		_ = mem.FreeExec(addr, size)
		return Trampoline{}, fmt.Errorf("%w: assembled %d bytes into a %d byte block",
			ErrPatchSizeInsufficient, len(code), size)
	}

	if err := mem.Write(addr, code); err != nil {
		_ = mem.FreeExec(addr, size)
		return Trampoline{}, err
	}
	return Trampoline{Addr: addr, Size: size}, nil
}

func (t Trampoline) release(mem Memory) error {
	if t.Addr == 0 {
		return nil
	}
	return mem.FreeExec(t.Addr, t.Size)
}
