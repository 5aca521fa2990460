// Package target converts between compact difficulty bits, 256-bit share
// targets and floating point difficulty. Targets are 32 bytes, little-endian.
package target

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Algorithm selects the proof-of-work family. It changes the difficulty base
// and the granularity of integer comparisons.
type Algorithm int

const (
	SHA256d Algorithm = iota
	Scrypt
	NeoScrypt
)

func (a Algorithm) String() string {
	switch a {
	case Scrypt:
		return "scrypt"
	case NeoScrypt:
		return "neoscrypt"
	default:
		return "sha256d"
	}
}

// ScryptFamily reports whether a uses the scrypt difficulty base
func (a Algorithm) ScryptFamily() bool {
	return a == Scrypt || a == NeoScrypt
}

// ParseAlgorithm maps a configuration name to an Algorithm
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "", "sha256d", "sha256", "bitcoin":
		return SHA256d, nil
	case "scrypt":
		return Scrypt, nil
	case "neoscrypt":
		return NeoScrypt, nil
	default:
		return SHA256d, fmt.Errorf("unknown algorithm %q", name)
	}
}

const (
	// scrypt family minimum difficulty corresponds to nBits 0x1e0ffff0
	baseScrypt  = 110427941548649020598956093796432407239217743554726184882600387580788736.0
	baseSHA256d = 26959946667150639794667015087019630673637144422540572481103610249216.0

	baseScryptInt = uint64(0x0FFFFFFFFFFFFFFF)

	two64  = 18446744073709551616.0
	two128 = 340282366920938463463374607431768211456.0
	two192 = 6277101735386680763835789423207666416102355444464034512896.0
)

// Target is a 256-bit little-endian share or block target
type Target [32]byte

// ErrBitsRange is returned by BitsToTarget for exponents outside 3..32.
type ErrBitsRange struct {
	Bits uint32
}

func (e ErrBitsRange) Error() string {
	return fmt.Sprintf("invalid (out of bounds) block target 0x%08X", e.Bits)
}

// BitsToTarget expands compact bits. The sign bit is ignored. Out of range
// exponents yield the zero target together with ErrBitsRange.
func BitsToTarget(nbits uint32) (Target, error) {
	var t Target
	shift := int(nbits >> 24)
	nbits &= 0xFF7FFFFF

	if shift < 0x03 || shift > 0x20 {
		return t, ErrBitsRange{Bits: nbits}
	}

	shift -= 3
	t[shift] = byte(nbits)
	t[shift+1] = byte(nbits >> 8)
	t[shift+2] = byte(nbits >> 16)
	return t, nil
}

// Float returns the numeric value of t as a float64
func (t Target) Float() float64 {
	return float64(binary.LittleEndian.Uint64(t[24:32]))*two192 +
		float64(binary.LittleEndian.Uint64(t[16:24]))*two128 +
		float64(binary.LittleEndian.Uint64(t[8:16]))*two64 +
		float64(binary.LittleEndian.Uint64(t[0:8]))
}

// IsZero reports whether every byte of t is zero
func (t Target) IsZero() bool {
	return t == Target{}
}

// Diff divides the algorithm's base target by t. A zero target counts as 1.
// Hashes can be passed as targets to obtain a share difficulty.
func Diff(t Target, algo Algorithm) float64 {
	v := t.Float()
	if v == 0 {
		v = 1
	}
	if algo.ScryptFamily() {
		return baseScrypt / v
	}
	return baseSHA256d / v
}

// DiffInt is the integer difficulty used for block-solve comparisons.
// The scrypt family only looks at bytes 22..29; the top two bytes are
// expected to be zero.
func DiffInt(t Target, algo Algorithm) uint64 {
	if algo.ScryptFamily() {
		d := binary.LittleEndian.Uint64(t[22:30])
		if d == 0 {
			d = 1
		}
		return baseScryptInt / d
	}
	d := Diff(t, algo)
	if d >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(d)
}

// SetTarget builds a share target for a pool-assigned difficulty
func SetTarget(diff float64, algo Algorithm) Target {
	var t Target
	if algo.ScryptFamily() {
		diff /= 65536.0
	}

	k := 6
	for ; k > 0 && diff > 1.0; k-- {
		diff /= 4294967296.0
	}

	q := 4294901760.0 / diff
	if diff <= 0 || q >= two64 || (uint64(q) == 0 && k == 6) {
		for i := range t {
			t[i] = 0xFF
		}
		return t
	}

	m := uint64(q)
	binary.LittleEndian.PutUint32(t[k*4:], uint32(m))
	binary.LittleEndian.PutUint32(t[(k+1)*4:], uint32(m>>32))
	return t
}

// HashMeetsTarget compares two little-endian 256-bit values, hash <= target
func HashMeetsTarget(hash, t Target) bool {
	for i := 31; i >= 0; i-- {
		if hash[i] != t[i] {
			return hash[i] < t[i]
		}
	}
	return true
}

// IsBlock reports whether hash satisfies the network target encoded in nbits
func IsBlock(hash Target, nbits uint32, algo Algorithm) bool {
	bt, err := BitsToTarget(nbits)
	if err != nil {
		return false
	}
	return DiffInt(bt, algo) <= DiffInt(hash, algo)
}

// DecayTime folds add into the rolling value f. Large relative jumps are
// damped less so the average converges quickly after a regime change.
func DecayTime(f *float64, add float64) {
	ratio := 0.0
	if *f > 0 {
		ratio = add / *f
		if ratio > 1 {
			ratio = 1 / ratio
		}
	}
	if ratio > 0.63 {
		*f = (add*0.58 + *f) / 1.58
	} else {
		*f = (add + *f*0.58) / 1.58
	}
}

// RollingAverage applies the 0.63/1.63 law used for latency and pool utility
func RollingAverage(avg, sample float64) float64 {
	return (avg + sample*0.63) / 1.63
}

// Suffix formats a difficulty with an SI suffix, e.g. 1.25G
func Suffix(v float64) string {
	units := []string{"", "K", "M", "G", "T", "P", "E"}
	i := 0
	for v >= 1000 && i < len(units)-1 {
		v /= 1000
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f%s", v, units[i])
}
