package crypto

import (
	"crypto/rand"
	"encoding/binary"
)

// RandomBytes fills a fresh buffer of the given size with random bytes.
func RandomBytes(size int) []byte {
	buf := make([]byte, size)
	ReadRandom(buf)
	return buf
}

// ReadRandom fills buf with random bytes.
func ReadRandom(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic("crypto: entropy source failed: " + err.Error())
	}
}

// RandomUint8n returns a random byte in [0, n), reduced by modulo; the
// result is exactly uniform only when n divides 256.
func RandomUint8n(n uint8) uint8 {
	var b [1]byte
	ReadRandom(b[:])
	return b[0] % n
}

// RandomUint32 returns a random 32-bit value.
func RandomUint32() uint32 {
	var b [4]byte
	ReadRandom(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// RandomUint32n returns a uniform-enough random value in [0, n).
func RandomUint32n(n uint32) uint32 {
	return RandomUint32() % n
}
