// Package envelopekey holds the in-memory representation of a decrypted
// SK/IK/DRK (CryptoKey) plus small byte-buffer helpers shared by the engine.
package envelopekey

import "crypto/rand"

// MemClr wipes buf with zeroes using the built-in clear(), which the
// compiler is not permitted to elide.
func MemClr(buf []byte) {
	clear(buf)
}

// FillRandom overwrites buf with cryptographically-secure random bytes.
func FillRandom(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// RandBytes returns a new slice of length n filled with cryptographically
// secure random bytes.
func RandBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := FillRandom(buf); err != nil {
		return nil, err
	}

	return buf, nil
}
