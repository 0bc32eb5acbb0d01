// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import "time"

// Handle identifies one installed hook. The sequence number distinguishes
// generations: after a target is unhooked and hooked again, handles from
// the earlier installation no longer resolve.
type Handle struct {
	target uintptr
	seq    uint64
}

// Target returns the hooked entry address.
func (h Handle) Target() uintptr { return h.target }

// Valid reports whether the handle was produced by an Install call, as
// opposed to being the zero value.
func (h Handle) Valid() bool { return h.seq != 0 }

// HookRecord is the bookkeeping for one installed hook.
type HookRecord struct {
	Target      uintptr
	Replacement uintptr
	Trampoline  uintptr
	Arch        Arch
	Installed   time.Time

	seq      uint64
	info     MethodInfo
	original []byte
	tramp    Trampoline
}

// Handle returns the handle identifying this record.
func (r *HookRecord) Handle() Handle {
	return Handle{target: r.Target, seq: r.seq}
}
