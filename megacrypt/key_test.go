package megacrypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequentialKey returns the 32 byte key 0x00, 0x01, ... 0x1f
func sequentialKey() []byte {
	raw := make([]byte, FileKeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	return raw
}

func TestDeriveKeyBytes(t *testing.T) {
	km, err := DeriveKeyBytes(sequentialKey())
	require.NoError(t, err)

	// byte i ^ byte i+16 is always 0x10
	assert.Equal(t, bytes.Repeat([]byte{0x10}, 16), km.KeyBytes())
	assert.Equal(t, [KeyWords]uint32{0x13121110, 0x17161514, 0, 0}, km.IV)
	assert.Equal(t, [MetaMACWords]uint32{0x1b1a1918, 0x1f1e1d1c}, km.MetaMAC)
	assert.Equal(t, [8]byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17}, km.Nonce())
	assert.Equal(t, []byte{0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f}, km.MetaMACBytes())
}

func TestDeriveKeyZeroKey(t *testing.T) {
	km, err := DeriveKey(EncodeBase64URL(make([]byte, FileKeySize)))
	require.NoError(t, err)

	assert.Equal(t, [KeyWords]uint32{}, km.CipherKey)
	assert.Equal(t, [KeyWords]uint32{}, km.IV)
	assert.Equal(t, [MetaMACWords]uint32{}, km.MetaMAC)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	encoded := EncodeBase64URL(sequentialKey())

	first, err := DeriveKey(encoded)
	require.NoError(t, err)
	second, err := DeriveKey(encoded)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDeriveKeyMalformed(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
		length  int
	}{
		{name: "empty", encoded: "", length: 0},
		{name: "16 bytes", encoded: EncodeBase64URL(make([]byte, 16)), length: 16},
		{name: "31 bytes", encoded: EncodeBase64URL(make([]byte, 31)), length: 31},
		{name: "33 bytes", encoded: EncodeBase64URL(make([]byte, 33)), length: 33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km, err := DeriveKey(tt.encoded)
			require.Error(t, err)
			assert.Nil(t, km)

			var malformed *MalformedKeyError
			require.True(t, errors.As(err, &malformed))
			assert.Equal(t, tt.length, malformed.Length)
			assert.Contains(t, err.Error(), "malformed key")
		})
	}
}

func TestDeriveKeyInvalidEncoding(t *testing.T) {
	_, err := DeriveKey("@@@@not-base64@@@@")
	require.Error(t, err)

	var malformed *MalformedKeyError
	assert.True(t, errors.As(err, &malformed))
}

func TestEncodeFileKeyRoundTrip(t *testing.T) {
	raw := sequentialKey()
	km, err := DeriveKeyBytes(raw)
	require.NoError(t, err)

	assert.Equal(t, EncodeBase64URL(raw), EncodeFileKey(km))
}

func TestDecodeBase64URL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []byte
	}{
		{name: "url alphabet", input: "-_8", want: []byte{0xfb, 0xff}},
		{name: "standard alphabet", input: "+/8", want: []byte{0xfb, 0xff}},
		{name: "padded", input: "AAE=", want: []byte{0x00, 0x01}},
		{name: "unpadded", input: "AAE", want: []byte{0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBase64URL(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
