package shared

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/minio/sha256-simd"
)

// Wire contract shared by miners and validators:
//
//   - digest = SHA-256(seed || nonce), over the raw bytes, no length prefixes,
//   - nonces produced by the solver are 8 bytes: a big-endian uint64 counter,
//   - a digest meets difficulty d when its first d bits, read MSB first starting at byte 0,
//     are all zero. Equivalently the digest, read as a big-endian unsigned 256-bit integer,
//     is strictly below 2^(256-d).
const (
	// SeedSize is the size of a challenge seed (256 bits of entropy).
	SeedSize = 32
	// DigestSize is the size of a PoW digest.
	DigestSize = sha256.Size
	// MaxNonceSize bounds the nonce carried in a solution.
	MaxNonceSize = 32
	// NonceSize is the size of nonces produced by EncodeNonce.
	NonceSize = 8

	// MaxDifficulty is the largest representable difficulty (all digest bits zero).
	MaxDifficulty Difficulty = DigestSize * 8
)

// Difficulty is the number of leading zero bits a digest must have.
type Difficulty uint

// DifficultyFromNibbles converts a count of leading zero hex digits to a Difficulty.
func DifficultyFromNibbles(nibbles uint) Difficulty {
	return Difficulty(nibbles * 4)
}

// Nibbles returns the difficulty expressed in leading zero hex digits.
func (d Difficulty) Nibbles() float64 {
	return float64(d) / 4
}

// Threshold returns 2^(256-d). A digest meets d iff it is strictly below the threshold.
func (d Difficulty) Threshold() *big.Int {
	if d > MaxDifficulty {
		d = MaxDifficulty
	}
	return new(big.Int).Lsh(big.NewInt(1), uint(MaxDifficulty-d))
}

// ExpectedHashes is the mean number of hashes needed to meet d.
func (d Difficulty) ExpectedHashes() float64 {
	return math.Ldexp(1, int(d))
}

func (d Difficulty) String() string {
	return fmt.Sprintf("%d bits", uint(d))
}

// UnmarshalFlag implements flags.Unmarshaler.
// It accepts a number of bits ("12") or a number of hex nibbles ("3n").
func (d *Difficulty) UnmarshalFlag(value string) error {
	parsed, err := ParseDifficulty(value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDifficulty parses "<bits>" or "<nibbles>n".
func ParseDifficulty(value string) (Difficulty, error) {
	value = strings.TrimSpace(value)
	nibbles := strings.HasSuffix(value, "n")
	value = strings.TrimSuffix(value, "n")
	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parsing difficulty %q: %w", value, err)
	}
	d := Difficulty(n)
	if nibbles {
		d = DifficultyFromNibbles(uint(n))
	}
	if d > MaxDifficulty {
		return 0, fmt.Errorf("difficulty %d exceeds %d bits", d, MaxDifficulty)
	}
	return d, nil
}

// EncodeNonce encodes a search counter as an 8-byte big-endian nonce.
func EncodeNonce(nonce uint64) []byte {
	b := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(b, nonce)
	return b
}

// Digest computes SHA-256(seed || nonce).
func Digest(seed, nonce []byte) []byte {
	h := sha256.New()
	h.Write(seed)
	h.Write(nonce)
	return h.Sum(nil)
}

// MeetsTarget reports whether digest satisfies difficulty d.
func MeetsTarget(digest []byte, d Difficulty) bool {
	return CheckLeadingZeroBits(digest, uint(d))
}

// CheckLeadingZeroBits checks if the first 'expected' bits of the byte array are all zero.
func CheckLeadingZeroBits(data []byte, expected uint) bool {
	if len(data)*8 < int(expected) {
		return false
	}
	for i := 0; i < int(expected/8); i++ {
		if data[i] != 0 {
			return false
		}
	}
	if expected%8 != 0 {
		if data[expected/8]>>(8-expected%8) != 0 {
			return false
		}
	}

	return true
}

type powHasher struct {
	h     hash.Hash
	input []byte
}

// NewPowHasher returns a hasher of seed || be64(nonce) that reuses its buffers.
// It is NOT safe for concurrent use; give each search goroutine its own.
func NewPowHasher(seed []byte) *powHasher {
	h := &powHasher{h: sha256.New(), input: make([]byte, 0, len(seed)+NonceSize)}
	h.input = append(h.input, seed...)
	h.input = append(h.input, make([]byte, NonceSize)...) // placeholder for nonce
	return h
}

func (p *powHasher) Hash(nonce uint64, output []byte) []byte {
	nonceBytes := p.input[len(p.input)-NonceSize:]
	binary.BigEndian.PutUint64(nonceBytes, nonce)

	p.h.Reset()
	p.h.Write(p.input)
	return p.h.Sum(output)
}

// checkEvery is the number of hashes between cancellation checks.
const checkEvery = 1024

// FindNonce searches nonces start, start+stride, start+2*stride, ... (mod 2^64)
// until one satisfies d or ctx is done.
func FindNonce(ctx context.Context, seed []byte, d Difficulty, start, stride uint64) (uint64, error) {
	nonce, _, err := SearchNonce(ctx, seed, d, start, stride)
	return nonce, err
}

// SearchNonce is FindNonce that also returns the number of hashes computed.
func SearchNonce(ctx context.Context, seed []byte, d Difficulty, start, stride uint64) (nonce, hashes uint64, err error) {
	if stride == 0 {
		stride = 1
	}
	var hash []byte
	p := NewPowHasher(seed)

	nonce = start
	for i := uint64(0); ; i++ {
		if i%checkEvery == 0 {
			select {
			case <-ctx.Done():
				return 0, i, ctx.Err()
			default:
			}
		}

		hash = p.Hash(nonce, hash[:0])
		if MeetsTarget(hash, d) {
			return nonce, i + 1, nil
		}
		nonce += stride
	}
}
