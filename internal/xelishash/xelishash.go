// Package xelishash implements Xelis Hash v3, the memory-hard
// proof-of-work function miners and the pool both evaluate to produce and
// verify shares. It maps a 112-byte MinerWork header to a 32-byte digest
// through three stages: a ChaCha8-driven scratchpad fill, a data-dependent
// memory-mixing pass, and a final BLAKE3 compression of the scratchpad.
//
// The algorithm is fixed by specification: there are no tunable parameters,
// no alternate output sizes, and no streaming mode. Every constant below is
// normative, not configuration.
package xelishash

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// InputSize is the MinerWork header size consumed by Hash.
	InputSize = 112

	// HashSize is the digest size Hash produces.
	HashSize = 32

	// memSize is the scratchpad size in 64-bit words: 531*128.
	memSize = 531 * 128

	// bufSize is half of memSize; Stage 3 addresses scratch as two
	// equal halves, A and B, each bufSize words wide.
	bufSize = memSize / 2

	// outputSizeBytes is the scratchpad size in bytes.
	outputSizeBytes = memSize * 8

	chunkSize = 32
	nonceSize = 12
	chunks    = 4
	iters     = 2

	// NonceOffset is the byte offset of the nonce field within a
	// MinerWork header.
	// MinerWork layout: work_hash(32) + timestamp(8) + nonce(8) + extra_nonce(32) + miner(32)
	NonceOffset = 40
)

// Hash computes Xelis Hash v3 over a 112-byte MinerWork header, returning
// nil if input is not exactly InputSize bytes. A fresh scratchpad is
// allocated per call; callers on a hot path (share validation, mining
// loops) should prefer HashWithScratch to reuse one.
func Hash(input []byte) []byte {
	if len(input) != InputSize {
		return nil
	}

	scratch := make([]uint64, memSize)
	return HashWithScratch(input, scratch)
}

// HashWithScratch computes Xelis Hash v3 using a caller-supplied scratchpad,
// avoiding an allocation per call. scratch must have length memSize (67968)
// words; its contents on entry are irrelevant since Stage 1 overwrites it
// completely before Stage 3 ever reads it. Returns nil if input is not
// exactly InputSize bytes or scratch is the wrong length.
func HashWithScratch(input []byte, scratch []uint64) []byte {
	if len(input) != InputSize || len(scratch) != memSize {
		return nil
	}

	fillScratch(input, scratch)
	mixScratch(scratch)
	return finalize(scratch)
}

// fillScratch is Stage 1: it expands the 112-byte input into the full
// scratchpad using four keyed ChaCha8 streams, each keyed by a BLAKE3 hash
// chained from the previous stream's key and a 32-byte slice of the input.
func fillScratch(input []byte, scratch []uint64) {
	var key [chunkSize * chunks]byte
	copy(key[:], input)

	h := blake3.New()
	h.Write(input)
	digest := h.Sum(nil)

	var buffer [chunkSize * 2]byte
	copy(buffer[:chunkSize], digest)

	raw := make([]byte, outputSizeBytes)
	sliceLen := outputSizeBytes / chunks

	var prevSlice []byte
	for i := 0; i < chunks; i++ {
		copy(buffer[chunkSize:], key[i*chunkSize:(i+1)*chunkSize])

		ih := blake3.New()
		ih.Write(buffer[:])
		inputHash := ih.Sum(nil)

		var nonce [nonceSize]byte
		if i == 0 {
			copy(nonce[:], buffer[:nonceSize])
		} else {
			copy(nonce[:], prevSlice[len(prevSlice)-nonceSize:])
		}

		var streamKey [32]byte
		copy(streamKey[:], inputHash)

		outSlice := raw[i*sliceLen : (i+1)*sliceLen]
		chacha8Keystream(streamKey, nonce, 0, outSlice)

		copy(buffer[:chunkSize], inputHash)
		prevSlice = outSlice
	}

	for i := range scratch {
		scratch[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
}

// finalize is Stage 4: it BLAKE3-hashes the scratchpad's little-endian byte
// representation into the final 32-byte digest.
func finalize(scratch []uint64) []byte {
	raw := make([]byte, outputSizeBytes)
	for i, w := range scratch {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}

	h := blake3.New()
	h.Write(raw)
	return h.Sum(nil)
}

// Verify reports whether hash (big-endian numeric comparison, byte by byte)
// is at or below target, i.e. whether a share/block meeting target would be
// produced by input.
func Verify(input []byte, target []byte) bool {
	hash := Hash(input)
	if hash == nil {
		return false
	}

	for i := 0; i < HashSize; i++ {
		if hash[i] < target[i] {
			return true
		}
		if hash[i] > target[i] {
			return false
		}
	}
	return true
}

// HashToDifficulty approximates the difficulty represented by hash, using
// its first 8 bytes (big-endian) as the leading numeric value.
func HashToDifficulty(hash []byte) uint64 {
	if len(hash) < 8 {
		return 0
	}

	leading := binary.BigEndian.Uint64(hash[:8])
	if leading == 0 {
		return ^uint64(0)
	}
	return ^uint64(0) / leading
}

// VerifyDifficulty reports whether input's hash meets difficulty.
func VerifyDifficulty(input []byte, difficulty uint64) bool {
	hash := Hash(input)
	if hash == nil {
		return false
	}
	return HashToDifficulty(hash) >= difficulty
}

// BuildHeader constructs a MinerWork header from its immutable components,
// leaving extra_nonce and miner zeroed for the caller to fill in.
func BuildHeader(workHash []byte, timestamp, nonce uint64) []byte {
	header := make([]byte, InputSize)

	copy(header[0:32], workHash)
	binary.BigEndian.PutUint64(header[32:40], timestamp)
	binary.BigEndian.PutUint64(header[NonceOffset:NonceOffset+8], nonce)

	return header
}

// ValidateShare recomputes Xelis Hash v3 for header with nonce substituted
// at NonceOffset, then checks the result against the share and network
// difficulties. It returns (valid, isBlock).
func ValidateShare(header []byte, nonce uint64, shareDifficulty, networkDifficulty uint64) (bool, bool) {
	workHeader := make([]byte, len(header))
	copy(workHeader, header)
	binary.BigEndian.PutUint64(workHeader[NonceOffset:NonceOffset+8], nonce)

	hash := Hash(workHeader)
	if hash == nil {
		return false, false
	}

	actualDiff := HashToDifficulty(hash)
	if actualDiff < shareDifficulty {
		return false, false
	}
	if actualDiff >= networkDifficulty {
		return true, true
	}
	return true, false
}

// BlockHeader is a parsed daemon block header, prior to its conversion into
// the fixed-size MinerWork format miners actually hash.
type BlockHeader struct {
	Version    uint8
	Height     uint64
	Timestamp  uint64
	Nonce      uint64
	ExtraNonce [32]byte
	Tips       [][]byte
	TxsHashes  [][]byte
	Miner      [32]byte
}

// ParseBlockHeader parses a serialized BlockHeader from the daemon.
// Layout: version(1) + height(8) + timestamp(8) + nonce(8) + extra_nonce(32)
// + tips_count(1) + tips(32 each) + txs_count(2) + txs_hashes(32 each) +
// miner(32), all big-endian integers.
func ParseBlockHeader(data []byte) (*BlockHeader, error) {
	const minLen = 1 + 8 + 8 + 8 + 32 + 1 + 2 + 32
	if len(data) < minLen {
		return nil, fmt.Errorf("block header too short: %d bytes", len(data))
	}

	pos := 0
	header := &BlockHeader{}

	header.Version = data[pos]
	pos++

	header.Height = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	header.Timestamp = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	header.Nonce = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	copy(header.ExtraNonce[:], data[pos:pos+32])
	pos += 32

	tipsCount := int(data[pos])
	pos++

	if pos+tipsCount*32 > len(data) {
		return nil, fmt.Errorf("block header truncated at tips: need %d bytes, have %d", pos+tipsCount*32, len(data))
	}
	header.Tips = make([][]byte, tipsCount)
	for i := 0; i < tipsCount; i++ {
		header.Tips[i] = make([]byte, 32)
		copy(header.Tips[i], data[pos:pos+32])
		pos += 32
	}

	if pos+2 > len(data) {
		return nil, fmt.Errorf("block header truncated at txs_count")
	}
	txsCount := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2

	if pos+txsCount*32 > len(data) {
		return nil, fmt.Errorf("block header truncated at txs: need %d bytes, have %d", pos+txsCount*32, len(data))
	}
	header.TxsHashes = make([][]byte, txsCount)
	for i := 0; i < txsCount; i++ {
		header.TxsHashes[i] = make([]byte, 32)
		copy(header.TxsHashes[i], data[pos:pos+32])
		pos += 32
	}

	if pos+32 > len(data) {
		return nil, fmt.Errorf("block header truncated at miner")
	}
	copy(header.Miner[:], data[pos:pos+32])

	return header, nil
}

// ComputeTipsHash returns the BLAKE3 hash of all tips concatenated in order.
func (h *BlockHeader) ComputeTipsHash() []byte {
	hasher := blake3.New()
	for _, tip := range h.Tips {
		hasher.Write(tip)
	}
	return hasher.Sum(nil)
}

// ComputeTxsHash returns the BLAKE3 hash of all transaction hashes
// concatenated in order.
func (h *BlockHeader) ComputeTxsHash() []byte {
	hasher := blake3.New()
	for _, tx := range h.TxsHashes {
		hasher.Write(tx)
	}
	return hasher.Sum(nil)
}

// ComputeWorkHash returns the immutable work hash for this block:
// BLAKE3(version || height || tips_hash || txs_hash).
func (h *BlockHeader) ComputeWorkHash() []byte {
	workData := make([]byte, 1+8+32+32)

	workData[0] = h.Version
	binary.BigEndian.PutUint64(workData[1:9], h.Height)
	copy(workData[9:41], h.ComputeTipsHash())
	copy(workData[41:73], h.ComputeTxsHash())

	hasher := blake3.New()
	hasher.Write(workData)
	return hasher.Sum(nil)
}

// ToMinerWork converts a BlockHeader into the 112-byte MinerWork format fed
// to Hash: work_hash(32) + timestamp(8) + nonce(8) + extra_nonce(32) +
// miner(32).
func (h *BlockHeader) ToMinerWork() []byte {
	minerWork := make([]byte, InputSize)

	copy(minerWork[0:32], h.ComputeWorkHash())
	binary.BigEndian.PutUint64(minerWork[32:40], h.Timestamp)
	binary.BigEndian.PutUint64(minerWork[NonceOffset:NonceOffset+8], h.Nonce)
	copy(minerWork[48:80], h.ExtraNonce[:])
	copy(minerWork[80:112], h.Miner[:])

	return minerWork
}

// BlockHeaderToMinerWork parses raw daemon BlockHeader bytes and converts
// them directly to MinerWork format.
func BlockHeaderToMinerWork(blockHeader []byte) ([]byte, error) {
	header, err := ParseBlockHeader(blockHeader)
	if err != nil {
		return nil, err
	}
	return header.ToMinerWork(), nil
}
