package xelishash

import (
	"math"
	"math/bits"
)

// rotateLeft and rotateRight rotate a 64-bit word by r mod 64 bits.
func rotateLeft(x uint64, r uint64) uint64 {
	return bits.RotateLeft64(x, int(r&63))
}

func rotateRight(x uint64, r uint64) uint64 {
	return bits.RotateLeft64(x, -int(r&63))
}

// murmurhash3 is the Murmur3 64-bit finalizer, but with the shift amounts
// 55, 32, 15 in place of the canonical 33, 33, 33. This deviation is
// intentional to the algorithm and must not be "corrected".
func murmurhash3(x uint64) uint64 {
	x ^= x >> 55
	x *= 0xff51afd7ed558ccd
	x ^= x >> 32
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 15
	return x
}

// clmul64 returns the low 64 bits of the carryless (GF(2) polynomial)
// product of x and y. There is no portable Go intrinsic for PCLMULQDQ, so
// this follows the shift-and-xor fallback every software CLMUL
// implementation collapses to in the absence of hardware support.
func clmul64(x, y uint64) uint64 {
	var out uint64
	for y != 0 {
		lsb := y & (-y)
		out ^= x * lsb
		y ^= lsb
	}
	return out
}

// mapIndex maps an arbitrary 64-bit value onto an index in [0, bufSize).
func mapIndex(x uint64) uint64 {
	x ^= x >> 33
	x = clmul64(x, 0xff51afd7ed558ccd)
	hi, _ := bits.Mul64(x, bufSize)
	return hi
}

// pickHalf reports whether bit 58 of murmurhash3(seed) is set, selecting
// between scratch halves A and B.
func pickHalf(seed uint64) bool {
	return murmurhash3(seed)&(1<<58) != 0
}

// isqrt returns floor(sqrt(n)) for any n in [0, 2^64). It seeds the search
// from a double-precision square root and corrects the rounding error
// math.Sqrt can introduce at this magnitude, exactly as the reference
// implementation does.
func isqrt(n uint64) uint64 {
	if n < 2 {
		return n
	}

	approx := uint64(math.Sqrt(float64(n)))

	if squareGreater(approx, n) {
		return approx - 1
	}
	if !squareGreater(approx+1, n) {
		return approx + 1
	}
	return approx
}

// squareGreater reports whether a*a > n, computed without risking a wrapped
// 64-bit overflow hiding the true comparison.
func squareGreater(a, n uint64) bool {
	hi, lo := bits.Mul64(a, a)
	if hi != 0 {
		return true
	}
	return lo > n
}

// reduce128by64 returns (hi<<64|lo) mod m for a nonzero 64-bit modulus m,
// reducing in two steps the way a 128÷64 hardware divide would:
// https://danlark.org/2020/06/14/128-bit-division.
func reduce128by64(hi, lo, m uint64) uint64 {
	if hi >= m {
		_, hi = bits.Div64(0, hi, m)
	}
	_, r := bits.Div64(hi, lo, m)
	return r
}

// mulMod64 returns (a*b) mod m for a nonzero 64-bit modulus m.
func mulMod64(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return reduce128by64(hi, lo, m)
}

// modularPower computes base^exp mod m by repeated squaring with 128-bit
// intermediates. mod == 0 is a latent division-by-zero in the reference
// implementation (see design notes); this port defines modularPower(_,_,0)
// as 0 rather than reproducing undefined behavior.
func modularPower(base, exp, m uint64) uint64 {
	if m == 0 {
		return 0
	}

	result := uint64(1)
	base %= m
	for exp > 0 {
		if exp&1 == 1 {
			result = mulMod64(result, base, m)
		}
		base = mulMod64(base, base, m)
		exp >>= 1
	}
	return result
}

// udiv performs a 128÷64→64 unsigned division, mirroring the two-step
// reduction a hardware divq needs when the high word alone exceeds the
// divisor. divisor is always nonzero at call sites.
func udiv(high, low, divisor uint64) uint64 {
	if high < divisor {
		q, _ := bits.Div64(high, low, divisor)
		return q
	}
	_, high = bits.Div64(0, high, divisor)
	q, _ := bits.Div64(high, low, divisor)
	return q
}

// mod128by64 returns (combine(hi, lo)) mod m for a nonzero 64-bit m.
func mod128by64(hi, lo, m uint64) uint64 {
	return reduce128by64(hi, lo, m)
}

// mulHigh128x64 returns bits [64,128) of ((hi<<64|lo) * c) mod 2^128, i.e.
// the value C's `(combine(hi, lo) * c) >> 64` expression truncated to 64
// bits.
func mulHigh128x64(hi, lo, c uint64) uint64 {
	crossHi, _ := bits.Mul64(lo, c)
	return hi*c + crossHi
}

// mulHigh128x128 returns bits [64,128) of ((hi1<<64|lo1) * (hi2<<64|lo2))
// mod 2^128, matching a __uint128_t * __uint128_t multiply (which wraps
// modulo 2^128) followed by `>> 64`.
func mulHigh128x128(hi1, lo1, hi2, lo2 uint64) uint64 {
	m1hi, _ := bits.Mul64(lo1, lo2)
	cross := hi1*lo2 + lo1*hi2
	return m1hi + cross
}

// uint128 is an explicit high/low-word 128-bit unsigned integer, used only
// for the handful of Stage 3 opcodes that compare or divide two full
// 128-bit combine() values against each other.
type uint128 struct {
	hi, lo uint64
}

func (u uint128) cmp(v uint128) int {
	switch {
	case u.hi != v.hi:
		if u.hi < v.hi {
			return -1
		}
		return 1
	case u.lo != v.lo:
		if u.lo < v.lo {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (u uint128) sub(v uint128) uint128 {
	lo, borrow := bits.Sub64(u.lo, v.lo, 0)
	hi, _ := bits.Sub64(u.hi, v.hi, borrow)
	return uint128{hi, lo}
}

func (u uint128) shl1() uint128 {
	return uint128{u.hi<<1 | u.lo>>63, u.lo << 1}
}

func (u uint128) bit(i int) uint64 {
	if i >= 64 {
		return (u.hi >> (i - 64)) & 1
	}
	return (u.lo >> i) & 1
}

// divmod128 performs plain unsigned 128÷128 binary long division. It is
// only reached from Stage 3 opcodes 11 and 13, never from the hot map_index
// path, so the 128-iteration shift/subtract cost is immaterial.
func divmod128(num, den uint128) (q, r uint128) {
	if den.hi == 0 && den.lo == 0 {
		return uint128{}, uint128{}
	}
	for i := 127; i >= 0; i-- {
		r = r.shl1()
		r.lo |= num.bit(i)
		if r.cmp(den) >= 0 {
			r = r.sub(den)
			if i >= 64 {
				q.hi |= 1 << (i - 64)
			} else {
				q.lo |= 1 << i
			}
		}
	}
	return q, r
}

// aesEncRound applies a single AESENC-equivalent round to a 16-byte
// little-endian block: MixColumns(ShiftRows(SubBytes(block))) XOR key.
func aesEncRound(block *[16]byte, key [16]byte) {
	var state [16]byte
	for i, b := range block {
		state[i] = aesSBox[b]
	}

	shifted := [16]byte{
		state[0], state[5], state[10], state[15],
		state[4], state[9], state[14], state[3],
		state[8], state[13], state[2], state[7],
		state[12], state[1], state[6], state[11],
	}

	for col := 0; col < 4; col++ {
		s0 := shifted[col*4+0]
		s1 := shifted[col*4+1]
		s2 := shifted[col*4+2]
		s3 := shifted[col*4+3]

		block[col*4+0] = gmul2(s0) ^ gmul3(s1) ^ s2 ^ s3 ^ key[col*4+0]
		block[col*4+1] = s0 ^ gmul2(s1) ^ gmul3(s2) ^ s3 ^ key[col*4+1]
		block[col*4+2] = s0 ^ s1 ^ gmul2(s2) ^ gmul3(s3) ^ key[col*4+2]
		block[col*4+3] = gmul3(s0) ^ s1 ^ s2 ^ gmul2(s3) ^ key[col*4+3]
	}
}

func gmul2(b byte) byte {
	r := b << 1
	if b&0x80 != 0 {
		r ^= 0x1b
	}
	return r
}

func gmul3(b byte) byte {
	return gmul2(b) ^ b
}

// aesSBox is the standard Rijndael forward S-box.
var aesSBox = [256]byte{
	0x63, 0x7c, 0x77, 0x7b, 0xf2, 0x6b, 0x6f, 0xc5, 0x30, 0x01, 0x67, 0x2b, 0xfe, 0xd7, 0xab, 0x76,
	0xca, 0x82, 0xc9, 0x7d, 0xfa, 0x59, 0x47, 0xf0, 0xad, 0xd4, 0xa2, 0xaf, 0x9c, 0xa4, 0x72, 0xc0,
	0xb7, 0xfd, 0x93, 0x26, 0x36, 0x3f, 0xf7, 0xcc, 0x34, 0xa5, 0xe5, 0xf1, 0x71, 0xd8, 0x31, 0x15,
	0x04, 0xc7, 0x23, 0xc3, 0x18, 0x96, 0x05, 0x9a, 0x07, 0x12, 0x80, 0xe2, 0xeb, 0x27, 0xb2, 0x75,
	0x09, 0x83, 0x2c, 0x1a, 0x1b, 0x6e, 0x5a, 0xa0, 0x52, 0x3b, 0xd6, 0xb3, 0x29, 0xe3, 0x2f, 0x84,
	0x53, 0xd1, 0x00, 0xed, 0x20, 0xfc, 0xb1, 0x5b, 0x6a, 0xcb, 0xbe, 0x39, 0x4a, 0x4c, 0x58, 0xcf,
	0xd0, 0xef, 0xaa, 0xfb, 0x43, 0x4d, 0x33, 0x85, 0x45, 0xf9, 0x02, 0x7f, 0x50, 0x3c, 0x9f, 0xa8,
	0x51, 0xa3, 0x40, 0x8f, 0x92, 0x9d, 0x38, 0xf5, 0xbc, 0xb6, 0xda, 0x21, 0x10, 0xff, 0xf3, 0xd2,
	0xcd, 0x0c, 0x13, 0xec, 0x5f, 0x97, 0x44, 0x17, 0xc4, 0xa7, 0x7e, 0x3d, 0x64, 0x5d, 0x19, 0x73,
	0x60, 0x81, 0x4f, 0xdc, 0x22, 0x2a, 0x90, 0x88, 0x46, 0xee, 0xb8, 0x14, 0xde, 0x5e, 0x0b, 0xdb,
	0xe0, 0x32, 0x3a, 0x0a, 0x49, 0x06, 0x24, 0x5c, 0xc2, 0xd3, 0xac, 0x62, 0x91, 0x95, 0xe4, 0x79,
	0xe7, 0xc8, 0x37, 0x6d, 0x8d, 0xd5, 0x4e, 0xa9, 0x6c, 0x56, 0xf4, 0xea, 0x65, 0x7a, 0xae, 0x08,
	0xba, 0x78, 0x25, 0x2e, 0x1c, 0xa6, 0xb4, 0xc6, 0xe8, 0xdd, 0x74, 0x1f, 0x4b, 0xbd, 0x8b, 0x8a,
	0x70, 0x3e, 0xb5, 0x66, 0x48, 0x03, 0xf6, 0x0e, 0x61, 0x35, 0x57, 0xb9, 0x86, 0xc1, 0x1d, 0x9e,
	0xe1, 0xf8, 0x98, 0x11, 0x69, 0xd9, 0x8e, 0x94, 0x9b, 0x1e, 0x87, 0xe9, 0xce, 0x55, 0x28, 0xdf,
	0x8c, 0xa1, 0x89, 0x0d, 0xbf, 0xe6, 0x42, 0x68, 0x41, 0x99, 0x2d, 0x0f, 0xb0, 0x54, 0xbb, 0x16,
}
