package megacrypt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// DefaultChunkSize is the read buffer used while decrypting (32 KiB)
	DefaultChunkSize = 32 * 1024
	// EncryptedSuffix marks a downloaded body that is still encrypted
	EncryptedSuffix = ".crypted"
	// partSuffix marks decrypted output that is not complete yet
	partSuffix = ".part"
)

// Artifact is a file produced by the pipeline
type Artifact struct {
	Path string
	Size int64
}

// FileDecryptor decrypts downloaded bodies in place.
// A zero value is usable and decrypts in DefaultChunkSize chunks without MAC checks.
type FileDecryptor struct {
	ChunkSize int
	// VerifyMAC enables strict mode: the body MAC is computed while
	// decrypting and compared with the MetaMAC of the key
	VerifyMAC bool
	// OnProgress receives the total number of bytes decrypted so far
	OnProgress func(processed int64)
}

// NewFileDecryptor creates a decryptor with the default chunk size
func NewFileDecryptor() *FileDecryptor {
	return &FileDecryptor{ChunkSize: DefaultChunkSize}
}

// DecryptedPath strips the encrypted suffix from a path
func DecryptedPath(encryptedPath string) string {
	if strings.HasSuffix(encryptedPath, EncryptedSuffix) {
		return strings.TrimSuffix(encryptedPath, EncryptedSuffix)
	}
	return encryptedPath + ".decrypted"
}

// DecryptFile decrypts encryptedPath into decryptedPath.
//
// Output is written to decryptedPath + ".part" and renamed when the whole body
// has been processed. On success the encrypted file is removed. On any error,
// including cancellation, the encrypted file is left untouched and a partial
// ".part" file may remain.
func (d *FileDecryptor) DecryptFile(ctx context.Context, encryptedPath, decryptedPath string, km *KeyMaterial) (*Artifact, error) {
	if km == nil {
		return nil, fmt.Errorf("key material cannot be nil")
	}
	if encryptedPath == decryptedPath {
		return nil, &IoError{Op: "open", Path: decryptedPath, Err: errors.New("source and destination are the same file")}
	}

	tmpPath := decryptedPath + partSuffix
	written, err := d.decryptToFile(ctx, encryptedPath, tmpPath, km)
	if err != nil {
		return nil, err
	}

	if err := os.Rename(tmpPath, decryptedPath); err != nil {
		return nil, &IoError{Op: "rename", Path: decryptedPath, Err: err}
	}
	if err := os.Remove(encryptedPath); err != nil {
		return nil, &IoError{Op: "remove", Path: encryptedPath, Err: err}
	}

	return &Artifact{Path: decryptedPath, Size: written}, nil
}

// decryptToFile decrypts encryptedPath into tmpPath; both handles are closed on return
func (d *FileDecryptor) decryptToFile(ctx context.Context, encryptedPath, tmpPath string, km *KeyMaterial) (int64, error) {
	in, err := os.Open(encryptedPath)
	if err != nil {
		return 0, &IoError{Op: "open", Path: encryptedPath, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, &IoError{Op: "create", Path: tmpPath, Err: err}
	}

	written, err := d.decrypt(ctx, out, in, km, tmpPath, encryptedPath)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = &IoError{Op: "close", Path: tmpPath, Err: cerr}
	}
	return written, err
}

// DecryptStream decrypts src into dst without touching the file system
func (d *FileDecryptor) DecryptStream(ctx context.Context, dst io.Writer, src io.Reader, km *KeyMaterial) (int64, error) {
	return d.decrypt(ctx, dst, src, km, "output", "input")
}

func (d *FileDecryptor) decrypt(ctx context.Context, dst io.Writer, src io.Reader, km *KeyMaterial, dstName, srcName string) (int64, error) {
	stream, err := NewCTRStream(km)
	if err != nil {
		return 0, err
	}

	var mac *macAccumulator
	if d.VerifyMAC {
		mac = newMACAccumulator(stream.block, km)
	}

	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)

	state := InitialCounter(km)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, &IoError{Op: "decrypt", Path: srcName, Err: err}
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			state = stream.XORChunk(state, chunk, chunk)
			if mac != nil {
				mac.Write(chunk)
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return total, &IoError{Op: "write", Path: dstName, Err: werr}
			}
			total += int64(n)
			if d.OnProgress != nil {
				d.OnProgress(total)
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, &IoError{Op: "read", Path: srcName, Err: rerr}
		}
	}

	if mac != nil && !mac.Empty() {
		if sum := mac.Sum(); sum != km.MetaMAC {
			return total, &IntegrityError{Expected: km.MetaMAC, Actual: sum}
		}
	}

	return total, nil
}

// EncryptStream is the inverse of DecryptStream; CTR is symmetric so it
// shares the keystream code. Fixtures and re-uploads use it.
func EncryptStream(ctx context.Context, dst io.Writer, src io.Reader, km *KeyMaterial) (int64, error) {
	d := &FileDecryptor{ChunkSize: DefaultChunkSize}
	return d.decrypt(ctx, dst, src, km, "output", "input")
}
