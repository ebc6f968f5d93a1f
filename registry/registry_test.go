package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory struct{ name string }

func TestLookup_TypedHit(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register(CapFailureMemory, &fakeMemory{name: "mem"})

	got, ok := Lookup[*fakeMemory](r, CapFailureMemory)
	require.True(t, ok)
	assert.Equal(t, "mem", got.name)
}

func TestLookup_AbsentCapability(t *testing.T) {
	t.Parallel()
	r := New()
	got, ok := Lookup[*fakeMemory](r, CapModelRouter)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestLookup_WrongType(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register(CapMetrics, "not a collector")

	_, ok := Lookup[*fakeMemory](r, CapMetrics)
	assert.False(t, ok)
}

func TestLookup_NilRegistry(t *testing.T) {
	t.Parallel()
	_, ok := Lookup[*fakeMemory](nil, CapFailureMemory)
	assert.False(t, ok)
}

func TestNames_Sorted(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register(CapModelRouter, 1)
	r.Register(CapFailureMemory, 2)

	assert.Equal(t, []Capability{CapFailureMemory, CapModelRouter}, r.Names())
	assert.True(t, r.Has(CapModelRouter))
	assert.False(t, r.Has(CapMetrics))
}
