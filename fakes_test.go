package substrate

import (
	"encoding/binary"
	"fmt"
)

// fakeMemory is a sparse byte store standing in for process memory, so
// backends and the engine can be exercised on any host without patching
// the running binary. Unwritten bytes read as zero.
type fakeMemory struct {
	data      map[uintptr]byte
	allocNext uintptr
	allocs    map[uintptr]int
	freed     []uintptr
	failAlloc bool
	failWrite bool
	enforce   bool // honor the maxDist argument of AllocExec
}

func newFakeMemory(allocBase uintptr) *fakeMemory {
	return &fakeMemory{
		data:      make(map[uintptr]byte),
		allocNext: allocBase,
		allocs:    make(map[uintptr]int),
	}
}

// load seeds bytes without going through Write.
func (m *fakeMemory) load(addr uintptr, b []byte) {
	for i, v := range b {
		m.data[addr+uintptr(i)] = v
	}
}

func (m *fakeMemory) bytes(addr uintptr, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.data[addr+uintptr(i)]
	}
	return out
}

func (m *fakeMemory) word(addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(m.bytes(addr, 4))
}

func (m *fakeMemory) Read(addr uintptr, buf []byte) error {
	copy(buf, m.bytes(addr, len(buf)))
	return nil
}

func (m *fakeMemory) Write(addr uintptr, data []byte) error {
	if m.failWrite {
		return fmt.Errorf("%w: injected", ErrMemoryProtection)
	}
	m.load(addr, data)
	return nil
}

func (m *fakeMemory) AllocExec(near, maxDist uintptr, size int) (uintptr, error) {
	if m.failAlloc {
		return 0, fmt.Errorf("%w: injected", ErrTrampolineAllocation)
	}
	addr := m.allocNext
	if m.enforce && !withinRange(near, addr, maxDist) {
		return 0, ErrTrampolineAllocation
	}
	m.allocNext += 0x1000
	m.allocs[addr] = size
	return addr, nil
}

func (m *fakeMemory) FreeExec(addr uintptr, size int) error {
	m.freed = append(m.freed, addr)
	delete(m.allocs, addr)
	return nil
}

// fakeBackend lets engine tests inject patch failures and observe the
// patch/restore protocol without real instruction rewriting.
type fakeBackend struct {
	arch     Arch
	patchErr error
	restores int
	original []byte
}

func (b *fakeBackend) Arch() Arch { return b.arch }

func (b *fakeBackend) Patch(mem Memory, target, replacement uintptr) (*Patch, error) {
	if b.patchErr != nil {
		return nil, b.patchErr
	}
	orig := make([]byte, len(b.original))
	if err := mem.Read(target, orig); err != nil {
		return nil, err
	}
	addr, err := mem.AllocExec(target, 0, 16)
	if err != nil {
		return nil, err
	}
	if err := mem.Write(target, make([]byte, len(b.original))); err != nil {
		return nil, err
	}
	return &Patch{Original: orig, Trampoline: Trampoline{Addr: addr, Size: 16}}, nil
}

func (b *fakeBackend) Restore(mem Memory, target uintptr, original []byte) error {
	b.restores++
	return mem.Write(target, original)
}

// fakeInvoker records what CallOriginal hands over and returns a canned
// value.
type fakeInvoker struct {
	addr     uintptr
	info     MethodInfo
	receiver any
	args     []any
	ret      any
	err      error
}

func (i *fakeInvoker) Call(addr uintptr, info MethodInfo, receiver any, args []any) (any, error) {
	i.addr, i.info, i.receiver, i.args = addr, info, receiver, args
	return i.ret, i.err
}
