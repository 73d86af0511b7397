package memguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkeep/envelope/securesecret"
)

var factory = new(SecretFactory)

func TestSecretFactory_New_Metrics(t *testing.T) {
	securesecret.AllocCounter.Clear()
	securesecret.InUseCounter.Clear()

	const count int64 = 5

	func() {
		for i := int64(0); i < count; i++ {
			s, err := factory.New([]byte("some secret key material"))
			require.NoError(t, err)
			defer s.Close()

			r, err := factory.CreateRandom(16)
			require.NoError(t, err)
			defer r.Close()
		}

		assert.Equal(t, count*2, securesecret.AllocCounter.Count())
		assert.Equal(t, count*2, securesecret.InUseCounter.Count())
	}()

	assert.Equal(t, count*2, securesecret.AllocCounter.Count())
	assert.Equal(t, int64(0), securesecret.InUseCounter.Count())
}

func TestSecret_New_PreservesBytes(t *testing.T) {
	orig := []byte("testing")
	want := make([]byte, len(orig))
	copy(want, orig)

	s, err := factory.New(orig)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WithBytes(func(b []byte) error {
		assert.Equal(t, want, b)
		return nil
	}))
}

func TestSecret_CreateRandom_CorrectSize(t *testing.T) {
	s, err := factory.CreateRandom(32)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WithBytes(func(b []byte) error {
		assert.Equal(t, 32, len(b))
		return nil
	}))
}

func TestSecret_WithBytesFunc_ReturnsActionResult(t *testing.T) {
	s, err := factory.New([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	defer s.Close()

	out, err := s.WithBytesFunc(func(b []byte) ([]byte, error) {
		doubled := make([]byte, len(b))
		for i, v := range b {
			doubled[i] = v * 2
		}
		return doubled, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 4, 6, 8}, out)
}

func TestSecret_Close_IsIdempotentAndMarksClosed(t *testing.T) {
	s, err := factory.New([]byte("secret"))
	require.NoError(t, err)

	assert.False(t, s.IsClosed())

	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())

	require.NoError(t, s.Close())
}

func TestSecret_WithBytes_FailsAfterClose(t *testing.T) {
	s, err := factory.New([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.WithBytes(func([]byte) error { return nil })
	assert.ErrorIs(t, err, securesecret.ErrClosed)
}

func TestSecret_ConcurrentReaders(t *testing.T) {
	s, err := factory.New([]byte("secret key material"))
	require.NoError(t, err)
	defer s.Close()

	done := make(chan struct{})

	for i := 0; i < 4; i++ {
		go func() {
			_ = s.WithBytes(func(b []byte) error {
				assert.Equal(t, "secret key material", string(b))
				return nil
			})
			done <- struct{}{}
		}()
	}

	for i := 0; i < 4; i++ {
		<-done
	}
}
