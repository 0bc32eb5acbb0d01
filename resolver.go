// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import (
	"fmt"
	"reflect"

	"github.com/virtualspace/substrate/internal/symtab"
)

// MethodResolver turns a method reference into its native entry address
// and calling metadata. The engine never inspects references itself; the
// surrounding runtime supplies whatever resolver fits its world.
type MethodResolver interface {
	Resolve(ref any) (MethodInfo, error)
}

// FuncResolver resolves Go function values. The resolved prototype is the
// function's own type, so CallOriginal works without further setup.
type FuncResolver struct{}

func (FuncResolver) Resolve(ref any) (MethodInfo, error) {
	v := reflect.ValueOf(ref)
	if v.Kind() != reflect.Func || v.IsNil() {
		return MethodInfo{}, fmt.Errorf("%w: reference %T is not a function value",
			ErrAddressInvalid, ref)
	}
	return MethodInfo{
		Entry:      v.Pointer(),
		Convention: ConventionGo,
		Prototype:  reflect.Zero(v.Type()).Interface(),
	}, nil
}

// SymbolResolver resolves string references against the symbol table of
// the running executable. Entries carry no prototype, so hooks installed
// this way cannot go through the default invoker's CallOriginal; callers
// keep the trampoline address from the record instead.
type SymbolResolver struct {
	table *symtab.Table
}

func NewSymbolResolver() (*SymbolResolver, error) {
	t, err := symtab.Load()
	if err != nil {
		return nil, fmt.Errorf("loading executable symbols: %w", err)
	}
	return &SymbolResolver{table: t}, nil
}

func (r *SymbolResolver) Resolve(ref any) (MethodInfo, error) {
	name, ok := ref.(string)
	if !ok {
		return MethodInfo{}, fmt.Errorf("%w: reference %T is not a symbol name",
			ErrAddressInvalid, ref)
	}
	addr, ok := r.table.Lookup(name)
	if !ok {
		return MethodInfo{}, fmt.Errorf("%w: symbol %q not found", ErrAddressInvalid, name)
	}
	return MethodInfo{Entry: addr, Convention: ConventionDefault}, nil
}
