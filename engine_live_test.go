package substrate

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:noinline
func liveScale(v int) int { return v + v }

// liveVictim calls out so the compiler gives it a real frame, which keeps
// its prologue long enough to patch on every architecture.
//go:noinline
func liveVictim(a, b int) int { return liveScale(a)/2 + liveScale(b)/2 }

//go:noinline
func liveHijack(a, b int) int { return a * b }

// Hooks the test binary itself: real process memory, real trampoline,
// real calls through both paths.
func TestLiveInstallRedirectsAndRestores(t *testing.T) {
	if _, err := DetectArch(); err != nil {
		t.Skipf("no backend for this host: %v", err)
	}

	eng := New(WithResolver(FuncResolver{}))
	require.NoError(t, eng.Initialize())
	defer func() { assert.NoError(t, eng.Shutdown()) }()

	require.Equal(t, 103, liveVictim(3, 100))

	repl := reflect.ValueOf(liveHijack).Pointer()
	h, err := eng.InstallMethod(liveVictim, repl)
	require.NoError(t, err)
	assert.Equal(t, 300, liveVictim(3, 100), "calls land in the replacement")
	assert.True(t, eng.IsHooked(h.Target()))
	assert.Equal(t, 1, eng.InstalledCount())

	_, err = eng.InstallMethod(liveVictim, repl)
	assert.ErrorIs(t, err, ErrAlreadyHooked)

	ret, err := eng.CallOriginal(h, nil, 3, 100)
	require.NoError(t, err)
	assert.Equal(t, 103, ret, "trampoline keeps the original behavior")

	require.NoError(t, eng.Uninstall(h.Target()))
	assert.Equal(t, 103, liveVictim(3, 100), "original bytes back in place")

	err = eng.Uninstall(h.Target())
	assert.ErrorIs(t, err, ErrNotHooked)
}
