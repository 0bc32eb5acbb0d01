// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

// Patch describes a completed rewrite of a function prologue. Original
// holds the exact bytes that were overwritten at the target, Trampoline
// is the executable block that replays them and continues in the
// unpatched remainder of the function.
type Patch struct {
	Original   []byte
	Trampoline Trampoline
}

// Backend is the per-ISA capability to patch and restore code. Backends
// are stateless beyond their architecture parameters and safe to share;
// all memory access goes through the Memory argument so a backend can be
// exercised against a fake.
type Backend interface {
	Arch() Arch

	// Patch relocates the shortest instruction prefix at target that
	// covers a branch to replacement, builds the trampoline, and finally
	// overwrites the prefix with that branch. On error the target is left
	// byte-identical and no trampoline memory is retained.
	Patch(mem Memory, target, replacement uintptr) (*Patch, error)

	// Restore writes original back to target, byte for byte.
	Restore(mem Memory, target uintptr, original []byte) error
}

func defaultBackends() map[Arch]Backend {
	return map[Arch]Backend{
		ArchARM32: newARM32Backend(),
		ArchARM64: newARM64Backend(),
		ArchX86:   newX86Backend(),
		ArchX8664: newX8664Backend(),
	}
}
