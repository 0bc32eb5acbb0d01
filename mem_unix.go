// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

//go:build linux || darwin

package substrate

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// processMemory implements Memory on the address space of the running
// process.
type processMemory struct{}

// NewProcessMemory returns the Memory implementation used by a real
// engine: reads and writes go straight to process memory, executable
// blocks come from anonymous mappings.
func NewProcessMemory() Memory { return processMemory{} }

func (processMemory) Read(addr uintptr, buf []byte) error {
	if addr == 0 {
		return ErrAddressInvalid
	}
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf)))
	return nil
}

func (processMemory) Write(addr uintptr, data []byte) error {
	if addr == 0 {
		return ErrAddressInvalid
	}
	start, size := calcBoundaries(addr, len(data))
	page := unsafe.Slice((*byte)(unsafe.Pointer(start)), size)

	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("%w: %v", ErrMemoryProtection, err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)
	flushICache(addr, len(data))
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("%w: %v", ErrMemoryProtection, err)
	}
	return nil
}

// allocProbePages bounds the outward search for a mapping near the
// target. 4096 probes of 16-page strides cover ±256MB around the target
// at 4K pages, enough for every ISA branch range handled here.
const allocProbePages = 4096

func (processMemory) AllocExec(near, maxDist uintptr, size int) (uintptr, error) {
	size = pageCeil(size)
	prot := unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	flags := unix.MAP_PRIVATE | unix.MAP_ANON

	if maxDist == 0 {
		p, err := unix.MmapPtr(-1, 0, nil, uintptr(size), prot, flags)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTrampolineAllocation, err)
		}
		return uintptr(p), nil
	}

	pageSize := uintptr(os.Getpagesize())
	startPage := near &^ (pageSize - 1)
	stride := pageSize * 16

	// Probe outward from the target page. The hint is advisory, so every
	// mapping is verified to have landed in branch range and unmapped when
	// it did not.
	for i := uintptr(1); i < allocProbePages; i++ {
		hints := [2]uintptr{startPage + i*stride, 0}
		if i*stride < startPage {
			hints[1] = startPage - i*stride
		}
		for _, hint := range hints {
			if hint == 0 || !withinRange(near, hint, maxDist) {
				continue
			}
			p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size), prot, flags)
			if err != nil {
				continue
			}
			got := uintptr(p)
			if withinRange(near, got, maxDist) && withinRange(near, got+uintptr(size), maxDist) {
				return got, nil
			}
			_ = unix.MunmapPtr(p, uintptr(size))
		}
	}
	return 0, ErrTrampolineAllocation
}

func (processMemory) FreeExec(addr uintptr, size int) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(pageCeil(size)))
}
