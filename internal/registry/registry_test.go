package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	e := r.Register(1, "orders", 1000)
	require.Equal(t, int64(1), e.ID)

	got, ok := r.Lookup("orders")
	require.True(t, ok)
	require.Equal(t, "orders", got.Name)

	byID, ok := r.LookupByID(1)
	require.True(t, ok)
	require.Equal(t, "orders", byID.Name)

	_, ok = r.Lookup("missing")
	require.False(t, ok)
}

func TestUpdateTailPreservedAcrossReregister(t *testing.T) {
	r := New()
	r.Register(1, "t", 1000)
	r.UpdateTail(1, 42)

	// Re-registering the same id (e.g. reloaded from the store) must not
	// reset the cached tail sequence.
	e := r.Register(1, "t", 1000)
	require.Equal(t, uint64(42), e.TailSequence)
}

func TestListIsLexicographicallySorted(t *testing.T) {
	r := New()
	r.Register(3, "zeta", 1000)
	r.Register(1, "alpha", 1000)
	r.Register(2, "mu", 1000)

	names := make([]string, 0, 3)
	for _, e := range r.List() {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"alpha", "mu", "zeta"}, names)
}

func TestAcquireDisplacesPreviousHolder(t *testing.T) {
	r := New()
	var evicted bool
	displaced, err := r.Acquire(1, "g", "session-a", func() { evicted = true })
	require.NoError(t, err)
	require.False(t, displaced)

	displaced, err = r.Acquire(1, "g", "session-b", func() {})
	require.NoError(t, err)
	require.True(t, displaced)
	require.True(t, evicted)

	holder, ok := r.CurrentHolder(1, "g")
	require.True(t, ok)
	require.Equal(t, "session-b", holder)
}

func TestReleaseOnlyClearsIfStillHolder(t *testing.T) {
	r := New()
	_, err := r.Acquire(1, "g", "session-a", func() {})
	require.NoError(t, err)
	_, err = r.Acquire(1, "g", "session-b", func() {})
	require.NoError(t, err)

	// session-a was displaced; its late Release must not clobber session-b.
	r.Release(1, "g", "session-a")
	holder, ok := r.CurrentHolder(1, "g")
	require.True(t, ok)
	require.Equal(t, "session-b", holder)

	r.Release(1, "g", "session-b")
	_, ok = r.CurrentHolder(1, "g")
	require.False(t, ok)
}

func TestAcquireRejectsEmptySessionID(t *testing.T) {
	r := New()
	_, err := r.Acquire(1, "g", "", func() {})
	require.Error(t, err)
}
