// pkg/protocol/protocol.go

// Package protocol defines the chunk sync wire format.
//
// A peer sends an 8 byte big endian version number. Version 0 asks for the
// index, any other value asks for the content of that chunk. Every response
// starts with a plaintext header made of a random 16 byte IV and the payload
// size as a little endian uint32, followed by the payload encrypted with
// AES-128-CTR. The key is derived per message from the pairing secret, a
// label and the IV, so the counter always starts at zero.
package protocol

import (
	"encoding/binary"
	"strconv"
)

const (
	// RequestSize is the fixed size of a request.
	RequestSize = 8
	// IVSize is the size of the per-message initialization vector.
	IVSize = 16
	// HeaderSize is the size of the plaintext response header.
	HeaderSize = IVSize + 4
	// KeySize is the size of the derived AES key.
	KeySize = 16
	// BlockSize bounds how much plaintext is encrypted and sent per step.
	BlockSize = 16 << 10

	// IndexVersion is the request value that asks for the index.
	IndexVersion uint64 = 0
	// IndexLabel is the key derivation label of index responses.
	IndexLabel = "index"
)

// EncodeRequest encodes a request for version.
func EncodeRequest(version uint64) []byte {
	buf := make([]byte, RequestSize)
	binary.BigEndian.PutUint64(buf, version)
	return buf
}

// DecodeRequest decodes a request. It panics if req is shorter than
// RequestSize; callers only pass complete requests.
func DecodeRequest(req []byte) uint64 {
	return binary.BigEndian.Uint64(req[:RequestSize])
}

// ChunkLabel returns the key derivation label for a chunk response.
func ChunkLabel(version uint64) string {
	return strconv.FormatUint(version, 10)
}

// Label returns the label the server uses to answer a request for version.
func Label(version uint64) string {
	if version == IndexVersion {
		return IndexLabel
	}
	return ChunkLabel(version)
}

// Header is the plaintext prefix of a response.
type Header struct {
	IV   [IVSize]byte
	Size uint32
}

// Encode returns the wire form of h.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, h.IV[:])
	binary.LittleEndian.PutUint32(buf[IVSize:], h.Size)
	return buf
}

// DecodeHeader parses a HeaderSize byte response header.
func DecodeHeader(buf []byte) Header {
	var h Header
	copy(h.IV[:], buf[:IVSize])
	h.Size = binary.LittleEndian.Uint32(buf[IVSize:HeaderSize])
	return h
}
