// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine orchestrates hook installation: it detects the architecture,
// delegates patching to the matching backend, and owns the registry of
// installed hooks. All methods are safe for concurrent use; one mutex
// serializes registry mutation, and lookups release it before any call
// through a trampoline.
type Engine struct {
	mu   sync.Mutex
	log  *zap.Logger
	mem  Memory
	inv  Invoker
	res  MethodResolver
	bkds map[Arch]Backend

	forced      Arch
	arch        Arch
	backend     Backend
	reg         *registry
	initialized bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger sets the diagnostics logger. The default discards.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMemory replaces process memory with another Memory implementation.
func WithMemory(m Memory) Option { return func(e *Engine) { e.mem = m } }

// WithInvoker replaces the invoker used by CallOriginal.
func WithInvoker(i Invoker) Option { return func(e *Engine) { e.inv = i } }

// WithResolver supplies the method resolver used by InstallMethod.
func WithResolver(r MethodResolver) Option { return func(e *Engine) { e.res = r } }

// WithBackend registers or replaces the backend for its architecture.
func WithBackend(b Backend) Option { return func(e *Engine) { e.bkds[b.Arch()] = b } }

// WithArch pins the architecture instead of detecting it at Initialize.
func WithArch(a Arch) Option { return func(e *Engine) { e.forced = a } }

// New builds an engine. It is inert until Initialize.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:  zap.NewNop(),
		mem:  NewProcessMemory(),
		inv:  NewNativeInvoker(),
		bkds: defaultBackends(),
		reg:  newRegistry(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Initialize detects the architecture and selects its backend. It is
// idempotent: repeat calls without an intervening Shutdown succeed
// without side effects. The first call after a Shutdown starts over with
// an empty registry.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	arch := e.forced
	if arch == ArchInvalid {
		var err error
		if arch, err = DetectArch(); err != nil {
			return err
		}
	}
	backend, ok := e.bkds[arch]
	if !ok {
		return fmt.Errorf("%w: no backend for %s", ErrUnsupportedArch, arch)
	}

	e.arch = arch
	e.backend = backend
	e.reg.clear()
	e.initialized = true
	e.log.Debug("engine initialized", zap.Stringer("arch", arch))
	return nil
}

// Install hooks target so that calls to it run replacement instead. The
// returned handle drives CallOriginal and stays valid until the hook is
// uninstalled. On any failure the bytes at target are untouched.
func (e *Engine) Install(target, replacement uintptr) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installLocked(target, replacement, MethodInfo{Entry: target})
}

// InstallMethod resolves ref through the configured MethodResolver and
// installs a hook on the resolved entry. The resolved calling metadata is
// kept on the record, so CallOriginal can invoke the original with the
// right convention.
func (e *Engine) InstallMethod(ref any, replacement uintptr) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return Handle{}, ErrNotInitialized
	}
	if e.res == nil {
		return Handle{}, ErrNoResolver
	}
	info, err := e.res.Resolve(ref)
	if err != nil {
		return Handle{}, fmt.Errorf("resolving %v: %w", ref, err)
	}
	return e.installLocked(info.Entry, replacement, info)
}

func (e *Engine) installLocked(target, replacement uintptr, info MethodInfo) (Handle, error) {
	if !e.initialized {
		return Handle{}, ErrNotInitialized
	}
	if err := e.checkAddr(target); err != nil {
		return Handle{}, fmt.Errorf("target: %w", err)
	}
	if err := e.checkAddr(replacement); err != nil {
		return Handle{}, fmt.Errorf("replacement: %w", err)
	}
	if e.reg.lookup(target) != nil {
		return Handle{}, fmt.Errorf("%w: %#x", ErrAlreadyHooked, target)
	}

	patch, err := e.backend.Patch(e.mem, target, replacement)
	if err != nil {
		return Handle{}, fmt.Errorf("install %#x: %w", target, err)
	}

	rec := &HookRecord{
		Target:      target,
		Replacement: replacement,
		Trampoline:  patch.Trampoline.Addr,
		Arch:        e.arch,
		Installed:   time.Now(),
		info:        info,
		original:    patch.Original,
		tramp:       patch.Trampoline,
	}
	e.reg.insert(rec)
	e.log.Debug("hook installed",
		zap.Uintptr("target", target),
		zap.Uintptr("replacement", replacement),
		zap.Uintptr("trampoline", rec.Trampoline))
	return rec.Handle(), nil
}

// Uninstall restores target's original bytes, releases the trampoline and
// drops the record. A target without a hook fails with ErrNotHooked and
// writes nothing.
func (e *Engine) Uninstall(target uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	rec := e.reg.lookup(target)
	if rec == nil {
		return fmt.Errorf("%w: %#x", ErrNotHooked, target)
	}
	return e.uninstallLocked(rec)
}

func (e *Engine) uninstallLocked(rec *HookRecord) error {
	if err := e.backend.Restore(e.mem, rec.Target, rec.original); err != nil {
		// the patch is still in place, keep the record
		return fmt.Errorf("uninstall %#x: %w", rec.Target, err)
	}
	if err := rec.tramp.release(e.mem); err != nil {
		e.log.Warn("trampoline not released",
			zap.Uintptr("trampoline", rec.Trampoline), zap.Error(err))
	}
	e.reg.remove(rec.Target)
	e.log.Debug("hook removed", zap.Uintptr("target", rec.Target))
	return nil
}

// IsHooked reports whether target currently has a hook. Pure lookup.
func (e *Engine) IsHooked(target uintptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized && e.reg.lookup(target) != nil
}

// CallOriginal runs the original, never-hooked behavior of the function
// behind h. The registry lock is held only for the handle lookup; the
// call itself runs unlocked, so hooked code may call back into the
// engine.
func (e *Engine) CallOriginal(h Handle, receiver any, args ...any) (any, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil, ErrNotInitialized
	}
	rec := e.reg.byHandle(h)
	if rec == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: target %#x", ErrStaleHandle, h.target)
	}
	addr, info, inv := rec.tramp.Addr, rec.info, e.inv
	e.mu.Unlock()

	return inv.Call(addr, info, receiver, args)
}

// Hooks returns a snapshot of the installed hooks, in unspecified order.
func (e *Engine) Hooks() []HookRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	recs := e.reg.snapshot()
	out := make([]HookRecord, len(recs))
	for i, r := range recs {
		out[i] = *r
	}
	return out
}

// InstalledCount returns the number of installed hooks.
func (e *Engine) InstalledCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.size()
}

// Shutdown uninstalls every remaining hook and renders the engine
// unusable until the next Initialize. Targets whose restore fails are
// reported joined into one error; their records are dropped regardless,
// because nothing outlives shutdown.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}

	var errs []error
	for _, rec := range e.reg.snapshot() {
		if err := e.uninstallLocked(rec); err != nil {
			e.log.Warn("shutdown left target patched",
				zap.Uintptr("target", rec.Target), zap.Error(err))
			errs = append(errs, err)
		}
	}
	e.reg.clear()
	e.backend = nil
	e.initialized = false
	e.log.Debug("engine shut down")
	return errors.Join(errs...)
}

func (e *Engine) checkAddr(addr uintptr) error {
	if addr == 0 {
		return fmt.Errorf("%w: nil address", ErrAddressInvalid)
	}
	if align := e.arch.InsnAlign(); addr%align != 0 {
		return fmt.Errorf("%w: %#x not %d byte aligned", ErrAddressInvalid, addr, align)
	}
	return nil
}
