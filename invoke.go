// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

// CallingConvention describes how a resolved entry point expects to be
// called.
type CallingConvention int

const (
	// ConventionDefault is the platform ABI of the running process. An
	// entry resolved by symbol name gets this; calling it requires a
	// prototype supplied some other way.
	ConventionDefault CallingConvention = iota
	// ConventionGo is the Go internal ABI, used for entries resolved from
	// Go function values.
	ConventionGo
)

func (c CallingConvention) String() string {
	if c == ConventionGo {
		return "go"
	}
	return "default"
}

// MethodInfo is what a MethodResolver produces for a method reference:
// the native entry address and how to call it. Prototype, when present,
// is a function value whose type describes the entry's signature; its
// behavior is never used, only its type.
type MethodInfo struct {
	Entry      uintptr
	Convention CallingConvention
	Prototype  any
}

// Invoker executes code at a raw address on behalf of CallOriginal. It
// is a separate capability so the engine's handle and lock discipline
// can be exercised against a fake.
type Invoker interface {
	Call(addr uintptr, info MethodInfo, receiver any, args []any) (any, error)
}
