package xelishash

import "encoding/binary"

// chachaRounds is fixed at 8 for the scratch-fill keystream (ChaCha8). Xelis
// Hash v3 never uses the canonical 20-round ChaCha20; the reduced-round
// variant trades stream-cipher security margin for Stage 1 throughput.
const chachaRounds = 8

// chachaState holds the 16-word ChaCha working state (RFC 8439 layout: a
// 4-word constant, 8-word key, 1-word block counter, 3-word nonce).
type chachaState struct {
	input [16]uint32
}

func newChachaState(key [32]byte, nonce [12]byte, counter uint32) chachaState {
	var s chachaState
	s.input[0] = 0x61707865
	s.input[1] = 0x3320646e
	s.input[2] = 0x79622d32
	s.input[3] = 0x6b206574
	for i := 0; i < 8; i++ {
		s.input[4+i] = binary.LittleEndian.Uint32(key[i*4:])
	}
	s.input[12] = counter
	for i := 0; i < 3; i++ {
		s.input[13+i] = binary.LittleEndian.Uint32(nonce[i*4:])
	}
	return s
}

func chachaQuarterRound(a, b, c, d uint32) (uint32, uint32, uint32, uint32) {
	a += b
	d ^= a
	d = d<<16 | d>>16

	c += d
	b ^= c
	b = b<<12 | b>>20

	a += b
	d ^= a
	d = d<<8 | d>>24

	c += d
	b ^= c
	b = b<<7 | b>>25

	return a, b, c, d
}

// block runs one ChaCha8 permutation and advances the counter, returning the
// 64-byte keystream block. Matches the double-round structure of the IETF
// variant (alternating column and diagonal rounds) but stops after four
// rounds instead of ten.
func (s *chachaState) block() [64]byte {
	x := s.input

	for i := 0; i < chachaRounds; i += 2 {
		x[0], x[4], x[8], x[12] = chachaQuarterRound(x[0], x[4], x[8], x[12])
		x[1], x[5], x[9], x[13] = chachaQuarterRound(x[1], x[5], x[9], x[13])
		x[2], x[6], x[10], x[14] = chachaQuarterRound(x[2], x[6], x[10], x[14])
		x[3], x[7], x[11], x[15] = chachaQuarterRound(x[3], x[7], x[11], x[15])

		x[0], x[5], x[10], x[15] = chachaQuarterRound(x[0], x[5], x[10], x[15])
		x[1], x[6], x[11], x[12] = chachaQuarterRound(x[1], x[6], x[11], x[12])
		x[2], x[7], x[8], x[13] = chachaQuarterRound(x[2], x[7], x[8], x[13])
		x[3], x[4], x[9], x[14] = chachaQuarterRound(x[3], x[4], x[9], x[14])
	}

	var out [64]byte
	for i, w := range x {
		binary.LittleEndian.PutUint32(out[i*4:], w+s.input[i])
	}

	s.input[12]++
	return out
}

// chacha8Keystream fills out with ChaCha8 keystream (equivalent to
// encrypting an all-zero plaintext), starting at the given block counter.
// out may be any length, including one that is not a multiple of 64 bytes.
func chacha8Keystream(key [32]byte, nonce [12]byte, counterStart uint32, out []byte) {
	s := newChachaState(key, nonce, counterStart)
	for len(out) > 0 {
		block := s.block()
		n := copy(out, block[:])
		out = out[n:]
	}
}
