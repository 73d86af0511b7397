package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkeep/envelope/envelope"
)

func TestMemory_StoreLoad(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ekr := &envelope.EnvelopeKeyRecord{ID: "_IK_partition_service_product", Created: 100, EncryptedKey: []byte("ciphertext")}

	ok, err := m.Store(ctx, ekr.ID, ekr.Created, ekr)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Load(ctx, ekr.ID, ekr.Created)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ekr, got)
}

func TestMemory_Load_MissingReturnsNilNil(t *testing.T) {
	m := NewMemory()

	got, err := m.Load(context.Background(), "nope", 1)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_Store_DuplicateReturnsFalseNoError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ekr := &envelope.EnvelopeKeyRecord{ID: "id", Created: 1}

	ok, err := m.Store(ctx, ekr.ID, ekr.Created, ekr)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Store(ctx, ekr.ID, ekr.Created, ekr)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_LoadLatest(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id := "id"
	for _, created := range []int64{100, 300, 200} {
		ok, err := m.Store(ctx, id, created, &envelope.EnvelopeKeyRecord{ID: id, Created: created})
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := m.LoadLatest(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(300), got.Created)
}

func TestMemory_LoadLatest_EmptyReturnsNilNil(t *testing.T) {
	m := NewMemory()

	got, err := m.LoadLatest(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, got)
}
