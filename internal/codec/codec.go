// Package codec provides the wire-format helpers spec.md §8 holds to
// round-trip and involution laws: Base64 encode/decode and
// host-endian/big-endian conversion. TritonSort's own Base64.cc hand
// rolls the bit-twiddling (credited there to two public-domain
// implementations); the property this core actually needs is the
// round-trip law, which the standard library already guarantees, so
// this package is a thin wrapper rather than a port.
package codec

import (
	"encoding/base64"
	"encoding/binary"

	"themis/internal/corefail"
)

// EncodeBase64 returns the standard (unpadded-safe, '+'/'/' alphabet)
// Base64 encoding of data.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 inverts EncodeBase64. A malformed encoding is a
// FatalInvariant: every caller in this core produces its own input
// via EncodeBase64, so a decode failure always means a wiring bug
// upstream, never untrusted external input.
func DecodeBase64(encoded string) []byte {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		corefail.Invariant("codec: malformed base64 input: %v", err)
	}
	return data
}

// PutBigEndianUint32 writes v into a freshly allocated 4-byte
// big-endian buffer.
func PutBigEndianUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// BigEndianUint32 inverts PutBigEndianUint32. buf must be at least 4
// bytes; a short buffer is a FatalInvariant.
func BigEndianUint32(buf []byte) uint32 {
	if len(buf) < 4 {
		corefail.Invariant("codec: big-endian uint32 buffer too short: %d bytes", len(buf))
	}
	return binary.BigEndian.Uint32(buf)
}

// PutBigEndianUint64 writes v into a freshly allocated 8-byte
// big-endian buffer.
func PutBigEndianUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// BigEndianUint64 inverts PutBigEndianUint64. buf must be at least 8
// bytes; a short buffer is a FatalInvariant.
func BigEndianUint64(buf []byte) uint64 {
	if len(buf) < 8 {
		corefail.Invariant("codec: big-endian uint64 buffer too short: %d bytes", len(buf))
	}
	return binary.BigEndian.Uint64(buf)
}
