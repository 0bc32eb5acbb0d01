// Copyright (c) 2025 The Substrate Authors. All rights reserved.
//
// This work is licensed under the terms of the Apache License, Version 2.0
// For a copy, see <https://opensource.org/license/apache-2-0>.

package substrate

// registry tracks installed hooks by target address. It is not
// synchronized itself; the engine mutex covers every access.
type registry struct {
	hooks   map[uintptr]*HookRecord
	nextSeq uint64
}

func newRegistry() *registry {
	return &registry{hooks: make(map[uintptr]*HookRecord)}
}

// insert stores rec under its target and stamps its sequence number.
// The caller has already checked that the target is free.
func (r *registry) insert(rec *HookRecord) {
	r.nextSeq++
	rec.seq = r.nextSeq
	r.hooks[rec.Target] = rec
}

func (r *registry) lookup(target uintptr) *HookRecord {
	return r.hooks[target]
}

// byHandle resolves a handle to its record, or nil when the target is not
// hooked or the handle belongs to an earlier installation.
func (r *registry) byHandle(h Handle) *HookRecord {
	rec := r.hooks[h.target]
	if rec == nil || rec.seq != h.seq {
		return nil
	}
	return rec
}

func (r *registry) remove(target uintptr) {
	delete(r.hooks, target)
}

// snapshot returns the current records in unspecified order.
func (r *registry) snapshot() []*HookRecord {
	out := make([]*HookRecord, 0, len(r.hooks))
	for _, rec := range r.hooks {
		out = append(out, rec)
	}
	return out
}

func (r *registry) size() int { return len(r.hooks) }

// clear drops all records without touching target memory. Used when the
// engine reinitializes; sequence numbers keep advancing so stale handles
// stay stale.
func (r *registry) clear() {
	r.hooks = make(map[uintptr]*HookRecord)
}
