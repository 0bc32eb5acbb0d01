// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import (
	"fmt"
	"reflect"
	"unsafe"
)

// nativeInvoker calls a trampoline by dressing its address up as a Go
// function value of the prototype's type and going through reflect.
type nativeInvoker struct{}

// NewNativeInvoker returns the Invoker used by default. It requires a
// MethodInfo with a prototype, which FuncResolver supplies.
func NewNativeInvoker() Invoker { return nativeInvoker{} }

// funcval mirrors the runtime's closure layout: a function value is a
// pointer to a struct whose first word is the code address.
type funcval struct {
	fn uintptr
}

type eface struct {
	typ  unsafe.Pointer
	data unsafe.Pointer
}

func (nativeInvoker) Call(addr uintptr, info MethodInfo, receiver any, args []any) (any, error) {
	if info.Prototype == nil {
		return nil, fmt.Errorf("%w: entry %#x has no call prototype", ErrNoPrototype, addr)
	}
	ft := reflect.TypeOf(info.Prototype)
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: prototype is %s, not a function", ErrNoPrototype, ft)
	}

	in := args
	if receiver != nil {
		in = append([]any{receiver}, args...)
	}
	if ft.IsVariadic() {
		if len(in) < ft.NumIn()-1 {
			return nil, fmt.Errorf("%w: %d arguments for %s", ErrNoPrototype, len(in), ft)
		}
	} else if len(in) != ft.NumIn() {
		return nil, fmt.Errorf("%w: %d arguments for %s", ErrNoPrototype, len(in), ft)
	}

	vals := make([]reflect.Value, len(in))
	for i, a := range in {
		if a == nil {
			vals[i] = reflect.Zero(ft.In(min(i, ft.NumIn()-1)))
			continue
		}
		v := reflect.ValueOf(a)
		if i < ft.NumIn()-1 || !ft.IsVariadic() {
			if !v.Type().AssignableTo(ft.In(i)) {
				return nil, fmt.Errorf("%w: argument %d is %s, want %s",
					ErrNoPrototype, i, v.Type(), ft.In(i))
			}
		}
		vals[i] = v
	}

	out := reflect.ValueOf(callableAt(info.Prototype, addr)).Call(vals)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		rets := make([]any, len(out))
		for i, v := range out {
			rets[i] = v.Interface()
		}
		return rets, nil
	}
}

// callableAt returns a value of prototype's dynamic type whose code
// pointer is addr. The interface word is swapped for a fresh funcval, so
// the prototype itself (usually a nil function) is never touched.
func callableAt(prototype any, addr uintptr) any {
	fv := &funcval{fn: addr}
	out := prototype
	(*eface)(unsafe.Pointer(&out)).data = unsafe.Pointer(fv)
	return out
}
