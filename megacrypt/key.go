// Package megacrypt implements the client-side cryptography of MEGA share links:
// key derivation from the link fragment, attribute blob decryption and
// streaming AES-CTR decryption of downloaded file bodies.
package megacrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

const (
	// FileKeySize is the decoded length of a file key (8 words)
	FileKeySize = 32
	// KeyWords is the number of words in the AES key and the IV
	KeyWords = 4
	// MetaMACWords is the number of words in the condensed file MAC
	MetaMACWords = 2
)

// KeyMaterial holds everything derived from a file key
type KeyMaterial struct {
	CipherKey [KeyWords]uint32
	IV        [KeyWords]uint32
	// MetaMAC is carried for integrity checks; it is only verified in strict mode
	MetaMAC [MetaMACWords]uint32
}

// DeriveKey decodes a base64url file key from a share link and derives the key material
func DeriveKey(encodedKey string) (*KeyMaterial, error) {
	raw, err := DecodeBase64URL(encodedKey)
	if err != nil {
		return nil, &MalformedKeyError{Err: err}
	}
	return DeriveKeyBytes(raw)
}

// DeriveKeyBytes derives key material from an already decoded 32 byte key
func DeriveKeyBytes(raw []byte) (*KeyMaterial, error) {
	if len(raw) != FileKeySize {
		return nil, &MalformedKeyError{Length: len(raw)}
	}

	var a [8]uint32
	for i := range a {
		a[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	km := &KeyMaterial{}
	for i := 0; i < KeyWords; i++ {
		km.CipherKey[i] = a[i] ^ a[i+4]
	}
	km.IV = [KeyWords]uint32{a[4], a[5], 0, 0}
	km.MetaMAC = [MetaMACWords]uint32{a[6], a[7]}

	return km, nil
}

// KeyBytes returns the AES-128 key bytes
func (k *KeyMaterial) KeyBytes() []byte {
	return wordsToBytes(k.CipherKey[:])
}

// IVBytes returns the 16 byte IV; the first 8 bytes are the CTR nonce
func (k *KeyMaterial) IVBytes() []byte {
	return wordsToBytes(k.IV[:])
}

// MetaMACBytes returns the expected condensed MAC as raw bytes
func (k *KeyMaterial) MetaMACBytes() []byte {
	return wordsToBytes(k.MetaMAC[:])
}

// Nonce returns the upper 64 bits of the initial counter block
func (k *KeyMaterial) Nonce() [8]byte {
	var n [8]byte
	copy(n[:], k.IVBytes()[:8])
	return n
}

func (k *KeyMaterial) newBlock() (cipher.Block, error) {
	return aes.NewCipher(k.KeyBytes())
}

// EncodeFileKey packs key material back into the encoded link form.
// It is the inverse of DeriveKey and is used to build share links.
func EncodeFileKey(km *KeyMaterial) string {
	var a [8]uint32
	a[4], a[5] = km.IV[0], km.IV[1]
	a[6], a[7] = km.MetaMAC[0], km.MetaMAC[1]
	for i := 0; i < KeyWords; i++ {
		a[i] = km.CipherKey[i] ^ a[i+4]
	}
	return EncodeBase64URL(wordsToBytes(a[:]))
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
