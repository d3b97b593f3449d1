package megacrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"strconv"
)

// attrMagic prefixes every decrypted attribute payload
const attrMagic = "MEGA"

var zeroIV = make([]byte, aes.BlockSize)

// Attributes is the decoded attribute object of a node
type Attributes struct {
	Name string
	// Size is zero when the blob carries no "s" field
	Size uint64
	// Fields holds every key of the object, including n and s
	Fields map[string]json.RawMessage
}

// DecryptAttributes decrypts a base64url attribute blob with the node key
func DecryptAttributes(blob string, km *KeyMaterial) (*Attributes, error) {
	ciphertext, err := DecodeBase64URL(blob)
	if err != nil {
		return nil, &AttributeDecryptionError{Reason: "invalid attribute encoding", Err: err}
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, &AttributeDecryptionError{
			Reason: fmt.Sprintf("attribute length %d is not a multiple of %d", len(ciphertext), aes.BlockSize),
		}
	}

	block, err := km.newBlock()
	if err != nil {
		return nil, &AttributeDecryptionError{Reason: "invalid cipher key", Err: err}
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(plaintext, ciphertext)

	if !bytes.HasPrefix(plaintext, []byte(attrMagic)) {
		return nil, &AttributeDecryptionError{Reason: "bad magic marker"}
	}

	return parseAttributes(plaintext[len(attrMagic):])
}

// parseAttributes decodes the first JSON object in data; trailing padding is ignored
func parseAttributes(data []byte) (*Attributes, error) {
	start := bytes.IndexByte(data, '{')
	if start < 0 {
		return nil, &AttributeParseError{}
	}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data[start:]))
	if err := dec.Decode(&fields); err != nil {
		return nil, &AttributeParseError{Err: err}
	}

	attrs := &Attributes{Fields: fields}
	if raw, ok := fields["n"]; ok {
		if err := json.Unmarshal(raw, &attrs.Name); err != nil {
			return nil, &AttributeParseError{Err: fmt.Errorf("field n: %w", err)}
		}
	}
	if raw, ok := fields["s"]; ok {
		size, err := parseSize(raw)
		if err != nil {
			return nil, &AttributeParseError{Err: fmt.Errorf("field s: %w", err)}
		}
		attrs.Size = size
	}

	return attrs, nil
}

// parseSize accepts the size either as a JSON number or a numeric string
func parseSize(raw json.RawMessage) (uint64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		n = json.Number(s)
	}
	return strconv.ParseUint(n.String(), 10, 64)
}

// EncryptAttributes produces an attribute blob for the given fields.
// The inverse of DecryptAttributes; uploads and test fixtures use it.
func EncryptAttributes(fields map[string]interface{}, km *KeyMaterial) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attributes: %w", err)
	}

	plaintext := append([]byte(attrMagic), payload...)
	if rem := len(plaintext) % aes.BlockSize; rem != 0 {
		plaintext = append(plaintext, make([]byte, aes.BlockSize-rem)...)
	}

	block, err := km.newBlock()
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(ciphertext, plaintext)

	return EncodeBase64URL(ciphertext), nil
}
