package envelopekey_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkeep/envelope/internal/envelopekey"
	"github.com/vaultkeep/envelope/securesecret/memguard"
)

var factory = new(memguard.SecretFactory)

func TestNew_WrapsBytesAndReportsCreated(t *testing.T) {
	k, err := envelopekey.New(factory, 100, false, []byte("key material"))
	require.NoError(t, err)
	defer k.Close()

	assert.Equal(t, int64(100), k.Created())
	assert.False(t, k.Revoked())

	require.NoError(t, k.WithBytes(func(b []byte) error {
		assert.Equal(t, []byte("key material"), b)
		return nil
	}))
}

func TestNew_RevokedFlagSetAtConstruction(t *testing.T) {
	k, err := envelopekey.New(factory, 100, true, []byte("key material"))
	require.NoError(t, err)
	defer k.Close()

	assert.True(t, k.Revoked())
}

func TestGenerate_ProducesRequestedSize(t *testing.T) {
	k, err := envelopekey.Generate(factory, 100, 32)
	require.NoError(t, err)
	defer k.Close()

	_, err = k.WithBytesFunc(func(b []byte) ([]byte, error) {
		assert.Equal(t, 32, len(b))
		return nil, nil
	})
	require.NoError(t, err)
}

func TestSetRevoked_Toggles(t *testing.T) {
	k, err := envelopekey.New(factory, 100, false, []byte("x"))
	require.NoError(t, err)
	defer k.Close()

	k.SetRevoked(true)
	assert.True(t, k.Revoked())

	k.SetRevoked(false)
	assert.False(t, k.Revoked())
}

func TestClose_IsIdempotentAndMarksClosed(t *testing.T) {
	k, err := envelopekey.New(factory, 100, false, []byte("x"))
	require.NoError(t, err)

	assert.False(t, k.IsClosed())

	k.Close()
	assert.True(t, k.IsClosed())

	k.Close()
	assert.True(t, k.IsClosed())
}

func TestWithKey_AndWithKeyFunc_FreeFunctions(t *testing.T) {
	k, err := envelopekey.New(factory, 100, false, []byte("abc"))
	require.NoError(t, err)
	defer k.Close()

	require.NoError(t, envelopekey.WithKey(k, func(b []byte) error {
		assert.Equal(t, []byte("abc"), b)
		return nil
	}))

	out, err := envelopekey.WithKeyFunc(k, func(b []byte) ([]byte, error) {
		return append([]byte{}, b...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}

func TestString_ContainsCreatedAndRevoked(t *testing.T) {
	k, err := envelopekey.New(factory, 42, true, []byte("x"))
	require.NoError(t, err)
	defer k.Close()

	s := k.String()
	assert.Contains(t, s, "created=42")
	assert.Contains(t, s, "revoked=true")
}

func TestIsExpired(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour).Unix()
	assert.True(t, envelopekey.IsExpired(past, time.Hour))

	recent := time.Now().Unix()
	assert.False(t, envelopekey.IsExpired(recent, time.Hour))
}

type fakeRevokable struct {
	revoked bool
	created int64
}

func (f fakeRevokable) Revoked() bool   { return f.revoked }
func (f fakeRevokable) Created() int64 { return f.created }

func TestIsInvalid(t *testing.T) {
	assert.True(t, envelopekey.IsInvalid(fakeRevokable{revoked: true, created: time.Now().Unix()}, time.Hour))
	assert.True(t, envelopekey.IsInvalid(fakeRevokable{revoked: false, created: time.Now().Add(-2 * time.Hour).Unix()}, time.Hour))
	assert.False(t, envelopekey.IsInvalid(fakeRevokable{revoked: false, created: time.Now().Unix()}, time.Hour))
}
