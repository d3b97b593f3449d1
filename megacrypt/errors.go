package megacrypt

import "fmt"

// MalformedKeyError is returned when an encoded key does not decode to a file key
type MalformedKeyError struct {
	Length int
	Err    error
}

func (e *MalformedKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed key: %v", e.Err)
	}
	return fmt.Sprintf("malformed key: expected %d bytes, got %d", FileKeySize, e.Length)
}

func (e *MalformedKeyError) Unwrap() error {
	return e.Err
}

// AttributeDecryptionError means the attribute blob did not decrypt to a MEGA payload.
// Callers must treat it as permanent.
type AttributeDecryptionError struct {
	Reason string
	Err    error
}

func (e *AttributeDecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decryption failed: %s", e.Reason)
}

func (e *AttributeDecryptionError) Unwrap() error {
	return e.Err
}

// AttributeParseError means no JSON object could be recovered from decrypted attributes
type AttributeParseError struct {
	Err error
}

func (e *AttributeParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attribute parse failed: %v", e.Err)
	}
	return "attribute parse failed: no JSON object found"
}

func (e *AttributeParseError) Unwrap() error {
	return e.Err
}

// IoError wraps file open/read/write failures of the stream decryptor
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("decryption failed: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// IntegrityError is only produced when MAC verification is enabled
type IntegrityError struct {
	Expected [MetaMACWords]uint32
	Actual   [MetaMACWords]uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("decryption failed: meta mac mismatch (expected %08x%08x, got %08x%08x)",
		e.Expected[0], e.Expected[1], e.Actual[0], e.Actual[1])
}
