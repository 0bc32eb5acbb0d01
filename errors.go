// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import "errors"

var (
	// ErrAddressInvalid means the target or replacement address is zero or
	// violates the alignment rules of the instruction set.
	ErrAddressInvalid = errors.New("invalid address")
	// ErrAlreadyHooked means the target address has an active hook.
	ErrAlreadyHooked = errors.New("target already hooked")
	// ErrNotHooked means no hook is installed at the target address.
	ErrNotHooked = errors.New("target not hooked")
	// ErrStaleHandle means the hook owning the handle was uninstalled.
	ErrStaleHandle = errors.New("stale trampoline handle")
	// ErrUnsupportedArch means no backend exists for the detected
	// instruction set.
	ErrUnsupportedArch = errors.New("unsupported architecture")
	// ErrMemoryProtection means the OS rejected a page permission change.
	ErrMemoryProtection = errors.New("memory protection change failed")
	// ErrPatchSizeInsufficient means the function prologue cannot be
	// safely relocated: it is too short, contains an instruction that must
	// not be moved, or a PC-relative displacement does not fit after the
	// move.
	ErrPatchSizeInsufficient = errors.New("cannot relocate enough instructions")
	// ErrTrampolineAllocation means no executable page could be allocated
	// within branch range of the target.
	ErrTrampolineAllocation = errors.New("trampoline allocation failed")
	// ErrNotInitialized means the engine was not initialized, or was
	// already shut down.
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrNoResolver means the engine has no method resolver configured.
	ErrNoResolver = errors.New("no method resolver configured")
	// ErrNoPrototype means the invoker cannot call an entry because its
	// signature is unknown or does not match the supplied arguments.
	ErrNoPrototype = errors.New("no usable call prototype")
)
