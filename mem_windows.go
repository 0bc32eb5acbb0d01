// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

//go:build windows

package substrate

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type processMemory struct{}

// NewProcessMemory returns the Memory implementation used by a real
// engine: reads and writes go straight to process memory, executable
// blocks come from VirtualAlloc.
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
	var oldProtect uint32
	size := uintptr(len(data))
	if err := windows.VirtualProtect(addr, size, windows.PAGE_EXECUTE_READWRITE, &oldProtect); err != nil {
		return fmt.Errorf("%w: %v", ErrMemoryProtection, err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)
	// x86 keeps the instruction cache coherent with stores; no flush.
	if err := windows.VirtualProtect(addr, size, oldProtect, &oldProtect); err != nil {
		return fmt.Errorf("%w: %v", ErrMemoryProtection, err)
	}
	return nil
}

func (processMemory) AllocExec(near, maxDist uintptr, size int) (uintptr, error) {
	sz := uintptr(pageCeil(size))
	if maxDist == 0 {
		addr, err := windows.VirtualAlloc(0, sz,
			windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTrampolineAllocation, err)
		}
		return addr, nil
	}

	pageSize := uintptr(os.Getpagesize())
	startPage := near &^ (pageSize - 1)
	stride := pageSize * 16

	for i := uintptr(1); i < allocProbePages; i++ {
		hints := [2]uintptr{startPage + i*stride, 0}
		if i*stride < startPage {
			hints[1] = startPage - i*stride
		}
		for _, hint := range hints {
			if hint == 0 || !withinRange(near, hint, maxDist) {
				continue
			}
			addr, err := windows.VirtualAlloc(hint, sz,
				windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
			if err != nil {
				continue
			}
			if withinRange(near, addr, maxDist) && withinRange(near, addr+sz, maxDist) {
				return addr, nil
			}
			_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		}
	}
	return 0, ErrTrampolineAllocation
}

func (processMemory) FreeExec(addr uintptr, size int) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

const allocProbePages = 4096
