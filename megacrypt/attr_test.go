package megacrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encryptRawAttributes CBC encrypts plaintext as-is after zero padding
func encryptRawAttributes(t *testing.T, km *KeyMaterial, plaintext []byte) string {
	t.Helper()
	if rem := len(plaintext) % aes.BlockSize; rem != 0 || len(plaintext) == 0 {
		plaintext = append(plaintext, make([]byte, aes.BlockSize-rem)...)
	}
	block, err := aes.NewCipher(km.KeyBytes())
	require.NoError(t, err)

	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, plaintext)
	return EncodeBase64URL(out)
}

func testKey(t *testing.T) *KeyMaterial {
	t.Helper()
	km, err := DeriveKeyBytes(sequentialKey())
	require.NoError(t, err)
	return km
}

func TestDecryptAttributesRoundTrip(t *testing.T) {
	km := testKey(t)

	blob, err := EncryptAttributes(map[string]interface{}{"n": "report.pdf", "s": 6}, km)
	require.NoError(t, err)

	attrs, err := DecryptAttributes(blob, km)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", attrs.Name)
	assert.Equal(t, uint64(6), attrs.Size)
	assert.Contains(t, attrs.Fields, "n")
}

func TestDecryptAttributesPayloads(t *testing.T) {
	km := testKey(t)

	tests := []struct {
		name      string
		plaintext string
		wantName  string
		wantSize  uint64
	}{
		{
			name:      "name only",
			plaintext: `MEGA{"n":"report.pdf"}`,
			wantName:  "report.pdf",
		},
		{
			name:      "nested object",
			plaintext: `MEGA{"n":"a.bin","c":{"t":1,"x":[1,2]}}`,
			wantName:  "a.bin",
		},
		{
			name:      "size as string",
			plaintext: `MEGA{"n":"b.bin","s":"1024"}`,
			wantName:  "b.bin",
			wantSize:  1024,
		},
		{
			name:      "trailing bytes after object",
			plaintext: `MEGA{"n":"c.bin"}{"n":"ignored"}`,
			wantName:  "c.bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := encryptRawAttributes(t, km, []byte(tt.plaintext))

			attrs, err := DecryptAttributes(blob, km)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, attrs.Name)
			assert.Equal(t, tt.wantSize, attrs.Size)
		})
	}
}

func TestDecryptAttributesBadMagic(t *testing.T) {
	km := testKey(t)
	blob := encryptRawAttributes(t, km, []byte(`XXXX{"n":"report.pdf"}`))

	_, err := DecryptAttributes(blob, km)
	require.Error(t, err)

	var decErr *AttributeDecryptionError
	require.True(t, errors.As(err, &decErr))
	assert.Contains(t, err.Error(), "bad magic marker")
}

func TestDecryptAttributesWrongKey(t *testing.T) {
	km := testKey(t)
	blob, err := EncryptAttributes(map[string]interface{}{"n": "report.pdf"}, km)
	require.NoError(t, err)

	other, err := DeriveKeyBytes(make([]byte, FileKeySize))
	require.NoError(t, err)

	_, err = DecryptAttributes(blob, other)
	var decErr *AttributeDecryptionError
	assert.True(t, errors.As(err, &decErr))
}

func TestDecryptAttributesNoJSON(t *testing.T) {
	km := testKey(t)
	blob := encryptRawAttributes(t, km, []byte("MEGA"))

	_, err := DecryptAttributes(blob, km)
	require.Error(t, err)

	var parseErr *AttributeParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Contains(t, err.Error(), "attribute parse failed")
}

func TestDecryptAttributesBadLength(t *testing.T) {
	km := testKey(t)

	tests := []struct {
		name string
		blob string
	}{
		{name: "empty", blob: ""},
		{name: "not block aligned", blob: EncodeBase64URL(make([]byte, 20))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptAttributes(tt.blob, km)
			var decErr *AttributeDecryptionError
			assert.True(t, errors.As(err, &decErr))
		})
	}
}
