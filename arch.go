// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import (
	"fmt"
	"runtime"
)

// Arch identifies an instruction set architecture with a backend.
type Arch int

const (
	ArchInvalid Arch = iota
	ArchARM32
	ArchARM64
	ArchX86
	ArchX8664
)

func (a Arch) String() string {
	switch a {
	case ArchARM32:
		return "arm32"
	case ArchARM64:
		return "arm64"
	case ArchX86:
		return "x86"
	case ArchX8664:
		return "x86_64"
	default:
		return "invalid"
	}
}

// InsnAlign returns the required alignment of instruction addresses.
// x86 places no constraint on instruction placement, ARM in ARM state
// requires word alignment.
func (a Arch) InsnAlign() uintptr {
	switch a {
	case ArchARM32, ArchARM64:
		return 4
	default:
		return 1
	}
}

// BranchRange returns the maximum forward/backward displacement of the
// architecture's direct branch instruction. Trampolines must be allocated
// within this distance of the target.
func (a Arch) BranchRange() uintptr {
	switch a {
	case ArchARM32:
		return 1 << 25 // B imm24, word-scaled
	case ArchARM64:
		return 1 << 27 // B imm26, word-scaled
	case ArchX86, ArchX8664:
		return 1 << 31 // JMP rel32
	default:
		return 0
	}
}

// DetectArch maps the running process to an Arch. It fails with
// ErrUnsupportedArch for instruction sets without a backend.
func DetectArch() (Arch, error) {
	switch runtime.GOARCH {
	case "arm":
		return ArchARM32, nil
	case "arm64":
		return ArchARM64, nil
	case "386":
		return ArchX86, nil
	case "amd64":
		return ArchX8664, nil
	default:
		return ArchInvalid, fmt.Errorf("%w: %s", ErrUnsupportedArch, runtime.GOARCH)
	}
}
