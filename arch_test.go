package substrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArchString(t *testing.T) {
	assert.Equal(t, "arm32", ArchARM32.String())
	assert.Equal(t, "arm64", ArchARM64.String())
	assert.Equal(t, "x86", ArchX86.String())
	assert.Equal(t, "x86_64", ArchX8664.String())
	assert.Equal(t, "invalid", ArchInvalid.String())
}

func TestArchAlignment(t *testing.T) {
	assert.Equal(t, uintptr(4), ArchARM32.InsnAlign())
	assert.Equal(t, uintptr(4), ArchARM64.InsnAlign())
	assert.Equal(t, uintptr(1), ArchX86.InsnAlign())
	assert.Equal(t, uintptr(1), ArchX8664.InsnAlign())
}

func TestArchBranchRange(t *testing.T) {
	assert.Equal(t, uintptr(1<<25), ArchARM32.BranchRange())
	assert.Equal(t, uintptr(1<<27), ArchARM64.BranchRange())
	assert.Equal(t, uintptr(1<<31), ArchX8664.BranchRange())
}

func TestDetectArch(t *testing.T) {
	// every platform this module builds on has a backend
	arch, err := DetectArch()
	assert.NoError(t, err)
	assert.NotEqual(t, ArchInvalid, arch)
}

func TestDefaultBackendsCoverAllArches(t *testing.T) {
	bkds := defaultBackends()
	for _, arch := range []Arch{ArchARM32, ArchARM64, ArchX86, ArchX8664} {
		b, ok := bkds[arch]
		assert.True(t, ok, arch.String())
		assert.Equal(t, arch, b.Arch())
	}
}
