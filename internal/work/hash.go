package work

import (
	"encoding/binary"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/scrypt"

	"github.com/bardlex/gominer/internal/target"
)

// Hasher computes the proof-of-work hash of a serialized header. The result
// is little-endian, directly comparable with a target.
type Hasher interface {
	Hash(header []byte) (target.Target, error)
	Name() string
}

// HasherFor returns the local validation hasher for algo
func HasherFor(algo target.Algorithm) (Hasher, error) {
	switch algo {
	case target.SHA256d:
		return SHA256d{}, nil
	case target.Scrypt:
		return Scrypt{}, nil
	default:
		return nil, fmt.Errorf("no local hasher for %s", algo)
	}
}

// SHA256d is double SHA-256
type SHA256d struct{}

// Name implements Hasher
func (SHA256d) Name() string { return "sha256d" }

// Hash implements Hasher
func (SHA256d) Hash(header []byte) (target.Target, error) {
	return DoubleSHA256(header), nil
}

// Scrypt is scrypt with N=1024, r=1, p=1 salted with the header itself
type Scrypt struct{}

// Name implements Hasher
func (Scrypt) Name() string { return "scrypt" }

// Hash implements Hasher
func (Scrypt) Hash(header []byte) (target.Target, error) {
	var out target.Target
	key, err := scrypt.Key(header, header, 1024, 1, 1, 32)
	if err != nil {
		return out, err
	}
	copy(out[:], key)
	return out, nil
}

// DoubleSHA256 returns sha256(sha256(b))
func DoubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// Midstate returns the SHA-256 state after the first 64 header bytes, as
// eight little-endian words. Hashing backends use it to skip the first block.
func Midstate(header []byte) ([32]byte, error) {
	var mid [32]byte
	if len(header) < 64 {
		return mid, fmt.Errorf("header too short for midstate: %d bytes", len(header))
	}

	d := sha256.New()
	d.Write(header[:64])
	m, ok := d.(interface{ MarshalBinary() ([]byte, error) })
	if !ok {
		return mid, fmt.Errorf("sha256 state is not exportable")
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return mid, err
	}
	// magic, then eight big-endian words
	const magicLen = 4
	for i := 0; i < 8; i++ {
		w := binary.BigEndian.Uint32(state[magicLen+i*4:])
		binary.LittleEndian.PutUint32(mid[i*4:], w)
	}
	return mid, nil
}
