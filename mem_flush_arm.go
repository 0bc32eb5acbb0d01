// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

//go:build linux && arm

package substrate

/*
#include <stdint.h>
#include <stddef.h>
void substrate_flush_cache(uint32_t addr, size_t len) {
	char *target = (char *)addr;
	__builtin___clear_cache(target, target + len);
}
*/
import "C"

func flushICache(addr uintptr, length int) {
	C.substrate_flush_cache(C.uint32_t(addr), C.size_t(length))
}
