// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

//go:build (linux || darwin) && !arm64 && !arm

package substrate

// x86 snoops stores into the instruction stream; no explicit invalidation.
func flushICache(addr uintptr, length int) {}
