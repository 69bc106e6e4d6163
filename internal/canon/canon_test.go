package canon

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPayload_Deterministic(t *testing.T) {
	a := map[string]any{"prompt": "render the scene", "width": 1024, "seed": 7}
	b := map[string]any{"seed": 7, "width": 1024, "prompt": "render the scene"}

	ha, err := HashPayload(a)
	require.NoError(t, err)
	hb, err := HashPayload(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb, "key order must not affect the hash")
	assert.Len(t, ha, 64)
}

func TestHashPayload_DistinguishesPayloads(t *testing.T) {
	ha, err := HashPayload(map[string]any{"prompt": "a"})
	require.NoError(t, err)
	hb, err := HashPayload(map[string]any{"prompt": "b"})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestHashPayload_NilEqualsEmpty(t *testing.T) {
	hNil, err := HashPayload(nil)
	require.NoError(t, err)
	hEmpty, err := HashPayload(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, hEmpty, hNil)
}

func TestHashPayload_NestedMaps(t *testing.T) {
	a := map[string]any{"outer": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"outer": map[string]any{"y": 2, "x": 1}}

	ha, err := HashPayload(a)
	require.NoError(t, err)
	hb, err := HashPayload(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestStepIdempotencyKey(t *testing.T) {
	runID := uuid.New()
	hash, err := HashPayload(map[string]any{"prompt": "hello"})
	require.NoError(t, err)

	key := StepIdempotencyKey(runID, 3, hash)
	assert.Equal(t, fmt.Sprintf("%s:step:3:%s", runID, hash), key)

	// Different index, different key.
	assert.NotEqual(t, key, StepIdempotencyKey(runID, 4, hash))
}
