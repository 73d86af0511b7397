package aead

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var crypto = NewAES256GCM()

func key32() []byte {
	return make([]byte, 32)
}

func TestAESCipherFactory(t *testing.T) {
	c, err := aesGCMCipherFactory(key32())
	assert.NoError(t, err)
	assert.NotNil(t, c)

	assert.Equal(t, gcmNonceSize, c.NonceSize())
	assert.Equal(t, gcmTagSize, c.Overhead())
}

func TestAESCipherFactory_InvalidKeyLength(t *testing.T) {
	c, err := aesGCMCipherFactory(make([]byte, 31))
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	payload := []byte("some secret string")
	key := key32()

	ciphertext, err := crypto.Encrypt(payload, key)
	assert.NoError(t, err)
	assert.NotEqual(t, payload, ciphertext)

	plaintext, err := crypto.Decrypt(ciphertext, key)
	assert.NoError(t, err)
	assert.Equal(t, payload, plaintext)
}

func TestEncrypt_OutputSize(t *testing.T) {
	key := key32()

	for _, n := range []int{0, 1, 16, 255, 4096} {
		payload := make([]byte, n)

		ciphertext, err := crypto.Encrypt(payload, key)
		assert.NoError(t, err)
		assert.Equal(t, n+gcmTagSize+gcmNonceSize, len(ciphertext))
	}
}

func TestEncrypt_FreshNonceEachCall(t *testing.T) {
	payload := []byte("same payload every time")
	key := key32()

	first, err := crypto.Encrypt(payload, key)
	assert.NoError(t, err)

	second, err := crypto.Encrypt(payload, key)
	assert.NoError(t, err)

	assert.NotEqual(t, first, second, "two encryptions of the same payload must not produce the same ciphertext")
}

func TestDecrypt_DataShorterThanNonceSize(t *testing.T) {
	res, err := crypto.Decrypt(make([]byte, gcmNonceSize-1), key32())
	assert.Error(t, err)
	assert.Nil(t, res)
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	key := key32()

	ciphertext, err := crypto.Encrypt([]byte("hello"), key)
	assert.NoError(t, err)

	ciphertext[0] ^= 0xFF

	res, err := crypto.Decrypt(ciphertext, key)
	assert.Error(t, err)
	assert.Nil(t, res)
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	ciphertext, err := crypto.Encrypt([]byte("hello"), key32())
	assert.NoError(t, err)

	wrongKey := key32()
	wrongKey[0] = 1

	res, err := crypto.Decrypt(ciphertext, wrongKey)
	assert.Error(t, err)
	assert.Nil(t, res)
}
