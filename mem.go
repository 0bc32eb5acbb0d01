// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import "os"

// Memory is the engine's view of executable memory. The process-backed
// implementation lives in the mem_* files; tests substitute a fake so the
// backends can be exercised without patching the running binary.
type Memory interface {
	// Read copies len(buf) bytes starting at addr into buf.
	Read(addr uintptr, buf []byte) error

	// Write copies data to addr, which may be inside a live code page.
	// Implementations must write-enable the covering pages, copy, flush
	// the instruction cache for the range and re-protect to RX. The write
	// must appear atomic to threads executing the surrounding code.
	Write(addr uintptr, data []byte) error

	// AllocExec allocates size bytes of executable memory. When maxDist
	// is non-zero the block must lie within maxDist of near; allocation
	// fails rather than returning an out-of-range block.
	AllocExec(near uintptr, maxDist uintptr, size int) (uintptr, error)

	// FreeExec releases a block obtained from AllocExec.
	FreeExec(addr uintptr, size int) error
}

// calcBoundaries expands [ptr, ptr+size) to the covering page range.
func calcBoundaries(ptr uintptr, size int) (uintptr, uintptr) {
	pageSize := uintptr(os.Getpagesize())
	areaStart := ptr &^ (pageSize - 1)
	areaSize := (ptr + uintptr(size)) - areaStart

	return areaStart, areaSize
}

// pageCeil rounds size up to a whole number of pages.
func pageCeil(size int) int {
	pageSize := os.Getpagesize()
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// withinRange reports whether addr is within maxDist of near in either
// direction. A zero maxDist means unconstrained.
func withinRange(near, addr, maxDist uintptr) bool {
	if maxDist == 0 {
		return true
	}
	if addr >= near {
		return addr-near <= maxDist
	}
	return near-addr <= maxDist
}
