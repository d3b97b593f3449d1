package megacrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// CounterState is the position of a CTR keystream.
// The counter block is Nonce followed by Block as a big-endian 64 bit value;
// Offset counts the keystream bytes of that block already used.
type CounterState struct {
	Nonce  [8]byte
	Block  uint64
	Offset int
}

// InitialCounter returns the counter state at the start of a file body
func InitialCounter(km *KeyMaterial) CounterState {
	return CounterState{Nonce: km.Nonce()}
}

// Position returns the byte offset in the stream this state points at
func (s CounterState) Position() uint64 {
	return s.Block*aes.BlockSize + uint64(s.Offset)
}

// Advance moves the state forward by n bytes
func (s CounterState) Advance(n uint64) CounterState {
	pos := s.Position() + n
	s.Block = pos / aes.BlockSize
	s.Offset = int(pos % aes.BlockSize)
	return s
}

func (s CounterState) counterBlock() []byte {
	iv := make([]byte, aes.BlockSize)
	copy(iv, s.Nonce[:])
	binary.BigEndian.PutUint64(iv[8:], s.Block)
	return iv
}

// CTRStream applies the AES-CTR keystream to chunks of a body.
// It holds no position; every call receives the state and returns the next one.
type CTRStream struct {
	block cipher.Block
}

// NewCTRStream creates a stream keyed with the derived cipher key
func NewCTRStream(km *KeyMaterial) (*CTRStream, error) {
	block, err := km.newBlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &CTRStream{block: block}, nil
}

// XORChunk XORs src with the keystream starting at state into dst and
// returns the state following the chunk. dst must be at least len(src).
// Chunks need not be aligned to the block size.
func (c *CTRStream) XORChunk(state CounterState, dst, src []byte) CounterState {
	if len(src) == 0 {
		return state
	}

	stream := cipher.NewCTR(c.block, state.counterBlock())
	if state.Offset > 0 {
		var discard [aes.BlockSize]byte
		stream.XORKeyStream(discard[:state.Offset], discard[:state.Offset])
	}
	stream.XORKeyStream(dst[:len(src)], src)

	return state.Advance(uint64(len(src)))
}
