package types

import (
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVMap_SatisfiesDriverValuer(t *testing.T) {
	t.Parallel()
	// database/sql only calls Value through the interface, so the
	// assertion must hold for the concrete type, not just compile.
	v, ok := interface{}(KVMap{"k": "v"}).(driver.Valuer)
	require.True(t, ok)

	raw, err := v.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, raw.(string))
}

func TestKVMap_ValueScanRoundTrip(t *testing.T) {
	t.Parallel()
	in := KVMap{"mode": "fast", "system_prompt": "be terse"}
	raw, err := in.Value()
	require.NoError(t, err)

	var out KVMap
	require.NoError(t, out.Scan(raw))
	assert.Equal(t, in, out)
}

func TestKVMap_NilHandling(t *testing.T) {
	t.Parallel()
	var m KVMap
	raw, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", raw)

	var out KVMap
	require.NoError(t, out.Scan(nil))
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestStringList_SatisfiesDriverValuer(t *testing.T) {
	t.Parallel()
	v, ok := interface{}(StringList{"a", "b"}).(driver.Valuer)
	require.True(t, ok)

	raw, err := v.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, raw.(string))
}

func TestStringList_ValueScanRoundTrip(t *testing.T) {
	t.Parallel()
	in := StringList{"build", "lint"}
	raw, err := in.Value()
	require.NoError(t, err)

	var out StringList
	require.NoError(t, out.Scan([]byte(raw.(string))))
	assert.Equal(t, in, out)

	var empty StringList
	raw, err = empty.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
}
