// Package target converts compact difficulty encodings into search targets.
package target

import (
	"math"
	"math/big"
)

const (
	mantissaMask = 0x007fffff
	signBit      = 0x00800000
)

// Max256 is the largest 256-bit target (2^256 - 1)
var Max256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func split(bits uint32) (exponent, mantissa uint32) {
	return bits >> 24, bits & mantissaMask
}

// Target64 converts a compact encoding into a 64-bit target. Exponents above
// 3 cannot be represented exactly: the result is the all-ones value shifted
// right by 8*(exponent-3), reaching 0 once the shift covers all 64 bits.
func Target64(bits uint32) uint64 {
	exponent, mantissa := split(bits)
	if exponent <= 3 {
		return uint64(mantissa >> (8 * (3 - exponent)))
	}
	shift := 8 * uint64(exponent-3)
	if shift >= 64 {
		return 0
	}
	return math.MaxUint64 >> shift
}

// Target256 converts a compact encoding into a little-endian 256-bit target.
// Mantissa bytes that would land past byte 31 are dropped.
func Target256(bits uint32) [32]byte {
	var out [32]byte
	exponent, mantissa := split(bits)

	offset := 0
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
	} else {
		offset = int(exponent - 3)
	}

	for i := 0; i < 3; i++ {
		if offset+i < len(out) {
			out[offset+i] = byte(mantissa >> (8 * i))
		}
	}
	return out
}

// Difficulty returns MaxUint64/target, or 0 for a zero target
func Difficulty(target uint64) float64 {
	if target == 0 {
		return 0
	}
	return float64(math.MaxUint64) / float64(target)
}

// Difficulty256 returns (2^256-1)/target, or 0 for a zero target
func Difficulty256(target [32]byte) float64 {
	t := ToBig(target)
	if t.Sign() == 0 {
		return 0
	}
	ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(Max256), new(big.Float).SetInt(t)).Float64()
	return ratio
}

// ToBig interprets a little-endian 256-bit buffer as an integer
func ToBig(target [32]byte) *big.Int {
	be := make([]byte, len(target))
	for i, b := range target {
		be[len(target)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

// FromBig writes an integer into a little-endian 256-bit buffer. Values that
// do not fit are truncated to their low 256 bits.
func FromBig(v *big.Int) [32]byte {
	var out [32]byte
	be := v.Bytes()
	for i := 0; i < len(be) && i < len(out); i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}

// Meets reports whether value is at or below the 64-bit target
func Meets(value, target uint64) bool {
	return value <= target
}

// CompactToBig converts the compact representation into an exact integer,
// honoring the sign bit.
func CompactToBig(compact uint32) *big.Int {
	exponent, mantissa := split(compact)

	var t *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		t = big.NewInt(int64(mantissa))
	} else {
		t = big.NewInt(int64(mantissa))
		t.Lsh(t, 8*(uint(exponent)-3))
	}

	if compact&signBit != 0 {
		t.Neg(t)
	}
	return t
}

// BigToCompact converts an integer to its compact representation
func BigToCompact(t *big.Int) uint32 {
	if t.Sign() == 0 {
		return 0
	}

	negative := t.Sign() < 0
	if negative {
		t = new(big.Int).Neg(t)
	}

	size := uint32(len(t.Bytes()))

	var compact uint32
	if size <= 3 {
		compact = uint32(t.Uint64()) << (8 * (3 - size))
	} else {
		compact = uint32(new(big.Int).Rsh(t, 8*(uint(size)-3)).Uint64())
	}

	if compact&signBit != 0 {
		compact >>= 8
		size++
	}

	compact |= size << 24
	if negative {
		compact |= signBit
	}
	return compact
}
