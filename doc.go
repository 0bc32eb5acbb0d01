// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

/*
Package substrate intercepts native functions at runtime by rewriting
their first instructions with a branch to a replacement, keeping the
original behavior reachable through a generated trampoline.

A hook is installed against a raw entry address:

	eng := substrate.New(substrate.WithResolver(substrate.FuncResolver{}))
	if err := eng.Initialize(); err != nil {
		...
	}
	h, err := eng.InstallMethod(victim, replacementAddr)
	...
	ret, err := eng.CallOriginal(h, nil, 42) // original behavior
	...
	err = eng.Uninstall(h.Target())

Install overwrites the shortest instruction prefix of the target that a
branch fits into, after relocating any position-dependent instruction in
that prefix to the trampoline. When the prefix cannot be relocated
safely the install fails and the target stays byte-identical.

Supported instruction sets are x86, x86-64, ARM (ARM state) and ARM64,
on Linux, macOS and Windows. The usual caveats of inline patching apply:
functions shorter than a branch cannot be hooked, and a function inlined
by its compiler at a call site is not intercepted there. For Go targets,
build with -gcflags="all=-l" to keep candidates out of line.
*/
package substrate
