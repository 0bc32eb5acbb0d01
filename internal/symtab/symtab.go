// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

// Package symtab exposes the symbol table of the running executable as a
// name to address map, corrected for the load bias of position
// independent binaries.
package symtab

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"
)

// Table maps symbol names of the running executable to their runtime
// addresses.
type Table struct {
	syms  map[string]uintptr
	slide uintptr
}

// Load reads the symbol table of the current process image. It fails on
// stripped binaries.
func Load() (*Table, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, err
	}

	var syms map[string]uintptr
	switch runtime.GOOS {
	case "windows":
		syms, err = peSymbols(path)
	case "darwin":
		syms, err = machoSymbols(path)
	default:
		syms, err = elfSymbols(path)
	}
	if err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("%s: no symbols", path)
	}

	t := &Table{syms: syms}
	t.slide = computeSlide(syms)
	return t, nil
}

// Lookup returns the runtime address of the named symbol.
func (t *Table) Lookup(name string) (uintptr, bool) {
	v, ok := t.syms[name]
	if !ok {
		return 0, false
	}
	return v + t.slide, true
}

// anchor exists only to be located both in the file's symbol table and in
// the running process, which yields the load bias of a PIE binary.
func anchor() {}

func computeSlide(syms map[string]uintptr) uintptr {
	file, ok := syms["github.com/virtualspace/substrate/internal/symtab.anchor"]
	if !ok {
		return 0
	}
	return reflect.ValueOf(anchor).Pointer() - file
}

func elfSymbols(path string) (map[string]uintptr, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uintptr, len(symbols))
	for _, s := range symbols {
		if s.Name == "" || s.Value == 0 {
			continue
		}
		out[s.Name] = uintptr(s.Value)
	}
	return out, nil
}

func machoSymbols(path string) (map[string]uintptr, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if f.Symtab == nil {
		return nil, fmt.Errorf("%s: no symbol table", path)
	}
	out := make(map[string]uintptr, len(f.Symtab.Syms))
	for _, s := range f.Symtab.Syms {
		if s.Name == "" || s.Value == 0 {
			continue
		}
		// Mach-O prefixes an underscore to C-visible names
		out[strings.TrimPrefix(s.Name, "_")] = uintptr(s.Value)
	}
	return out, nil
}

func peSymbols(path string) (map[string]uintptr, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var base uint64
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		base = oh.ImageBase
	case *pe.OptionalHeader32:
		base = uint64(oh.ImageBase)
	}

	out := make(map[string]uintptr, len(f.Symbols))
	for _, s := range f.Symbols {
		if s.Name == "" || s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.Sections) {
			continue
		}
		sect := f.Sections[s.SectionNumber-1]
		out[s.Name] = uintptr(base + uint64(sect.VirtualAddress) + uint64(s.Value))
	}
	return out, nil
}
