package megacrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

const (
	macFirstChunk = 0x20000  // 128 KiB
	macMaxChunk   = 0x100000 // 1 MiB
)

// macAccumulator computes MEGA's file MAC over plaintext written to it.
// The body is split into chunks of 128 KiB, 256 KiB, ... up to 1 MiB, then
// 1 MiB each; every chunk gets a CBC-MAC seeded with nonce||nonce and the
// chunk MACs are folded with a zero-IV CBC-MAC.
type macAccumulator struct {
	block   cipher.Block
	chunkIV [aes.BlockSize]byte

	chunkMAC   [aes.BlockSize]byte
	fileMAC    [aes.BlockSize]byte
	pending    [aes.BlockSize]byte
	pendingLen int

	chunkSize      int64
	chunkRemaining int64
	inChunk        bool
	total          int64
}

func newMACAccumulator(block cipher.Block, km *KeyMaterial) *macAccumulator {
	m := &macAccumulator{
		block:          block,
		chunkSize:      macFirstChunk,
		chunkRemaining: macFirstChunk,
	}
	nonce := km.Nonce()
	copy(m.chunkIV[:8], nonce[:])
	copy(m.chunkIV[8:], nonce[:])
	m.chunkMAC = m.chunkIV
	return m
}

// Write absorbs plaintext; it never fails
func (m *macAccumulator) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		take := int64(len(p))
		if take > m.chunkRemaining {
			take = m.chunkRemaining
		}
		m.absorb(p[:take])
		p = p[take:]
		m.total += take
		m.chunkRemaining -= take
		if m.chunkRemaining == 0 {
			m.finishChunk()
		}
	}
	return n, nil
}

func (m *macAccumulator) absorb(data []byte) {
	m.inChunk = true
	for len(data) > 0 {
		c := copy(m.pending[m.pendingLen:], data)
		m.pendingLen += c
		data = data[c:]
		if m.pendingLen == aes.BlockSize {
			m.mixBlock()
		}
	}
}

func (m *macAccumulator) mixBlock() {
	for i := range m.chunkMAC {
		m.chunkMAC[i] ^= m.pending[i]
	}
	m.block.Encrypt(m.chunkMAC[:], m.chunkMAC[:])
	m.pendingLen = 0
}

func (m *macAccumulator) finishChunk() {
	if !m.inChunk {
		return
	}
	if m.pendingLen > 0 {
		for i := m.pendingLen; i < aes.BlockSize; i++ {
			m.pending[i] = 0
		}
		m.mixBlock()
	}

	for i := range m.fileMAC {
		m.fileMAC[i] ^= m.chunkMAC[i]
	}
	m.block.Encrypt(m.fileMAC[:], m.fileMAC[:])

	m.chunkMAC = m.chunkIV
	m.inChunk = false
	if m.chunkSize < macMaxChunk {
		m.chunkSize += macFirstChunk
	}
	m.chunkRemaining = m.chunkSize
}

// Empty reports whether nothing was written
func (m *macAccumulator) Empty() bool {
	return m.total == 0
}

// Sum closes the last chunk and returns the condensed MAC
func (m *macAccumulator) Sum() [MetaMACWords]uint32 {
	m.finishChunk()

	var w [4]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(m.fileMAC[i*4:])
	}
	return [MetaMACWords]uint32{w[0] ^ w[1], w[2] ^ w[3]}
}

// ComputeMetaMAC returns the condensed MAC of a plaintext body; it is the
// value a share link carries in its last two key words
func ComputeMetaMAC(km *KeyMaterial, plaintext []byte) ([MetaMACWords]uint32, error) {
	block, err := km.newBlock()
	if err != nil {
		return [MetaMACWords]uint32{}, err
	}
	acc := newMACAccumulator(block, km)
	acc.Write(plaintext)
	return acc.Sum(), nil
}
