// pkg/protocol/crypto.go

package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
)

// DeriveKey returns the first KeySize bytes of HMAC-SHA256(secret, label || iv).
func DeriveKey(secret []byte, label string, iv []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))
	mac.Write(iv)
	return mac.Sum(nil)[:KeySize]
}

// NewStream returns the AES-CTR keystream for one message. The counter
// starts at zero for every message. This is only safe because the key is
// fresh per IV; never reuse an IV with the same secret and label.
func NewStream(secret []byte, label string, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(DeriveKey(secret, label, iv))
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, make([]byte, aes.BlockSize)), nil
}

// NewHeader returns a header with a random IV.
func NewHeader(size uint32) (Header, error) {
	h := Header{Size: size}
	if _, err := io.ReadFull(rand.Reader, h.IV[:]); err != nil {
		return h, err
	}
	return h, nil
}
