package remote

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBloomFilter is returned for a bloom filter whose parameters are
// inconsistent.
var ErrInvalidBloomFilter = errors.New("invalid bloom filter")

// BloomFilter is the probabilistic set of document names the server sends
// with an existence filter. It has no false negatives.
type BloomFilter struct {
	bitmap    []byte
	bitCount  uint64
	hashCount int
}

// NewBloomFilter validates and wraps a filter received from the server.
// padding is the number of unused high bits in the last byte.
func NewBloomFilter(bitmap []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, fmt.Errorf("%w: padding %d", ErrInvalidBloomFilter, padding)
	}
	if hashCount < 0 {
		return nil, fmt.Errorf("%w: hash count %d", ErrInvalidBloomFilter, hashCount)
	}
	if len(bitmap) > 0 && hashCount == 0 {
		return nil, fmt.Errorf("%w: hash count 0 with non-empty bitmap", ErrInvalidBloomFilter)
	}
	if len(bitmap) == 0 && padding != 0 {
		return nil, fmt.Errorf("%w: padding %d with empty bitmap", ErrInvalidBloomFilter, padding)
	}
	return &BloomFilter{
		bitmap:    append([]byte(nil), bitmap...),
		bitCount:  uint64(len(bitmap))*8 - uint64(padding),
		hashCount: hashCount,
	}, nil
}

// BitCount returns the number of usable bits.
func (f *BloomFilter) BitCount() int { return int(f.bitCount) }

// HashCount returns the number of hash functions.
func (f *BloomFilter) HashCount() int { return f.hashCount }

// Bitmap returns a copy of the underlying bits.
func (f *BloomFilter) Bitmap() []byte { return append([]byte(nil), f.bitmap...) }

// Padding returns the number of unused bits in the last byte.
func (f *BloomFilter) Padding() int { return len(f.bitmap)*8 - int(f.bitCount) }

func hashes(value string) (uint64, uint64) {
	sum := md5.Sum([]byte(value))
	return binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:])
}

// bitIndex is the ith double hash, computed with wrapping unsigned
// arithmetic.
func (f *BloomFilter) bitIndex(h1, h2 uint64, i int) uint64 {
	return (h1 + uint64(i)*h2) % f.bitCount
}

func (f *BloomFilter) isBitSet(index uint64) bool {
	return f.bitmap[index/8]&(1<<(index%8)) != 0
}

func (f *BloomFilter) setBit(index uint64) {
	f.bitmap[index/8] |= 1 << (index % 8)
}

// MightContain reports whether value may be in the set. A false result is
// definitive.
func (f *BloomFilter) MightContain(value string) bool {
	if f.bitCount == 0 {
		return false
	}
	h1, h2 := hashes(value)
	for i := 0; i < f.hashCount; i++ {
		if !f.isBitSet(f.bitIndex(h1, h2, i)) {
			return false
		}
	}
	return true
}

// Insert adds value to the filter.
func (f *BloomFilter) Insert(value string) {
	if f.bitCount == 0 {
		return
	}
	h1, h2 := hashes(value)
	for i := 0; i < f.hashCount; i++ {
		f.setBit(f.bitIndex(h1, h2, i))
	}
}

// Bounds for the rate BuildBloomFilter sizes for. A rate of zero would need
// an infinite bitmap.
const (
	MinFalsePositiveRate = 1e-6
	MaxFalsePositiveRate = 0.5
)

// BuildBloomFilter sizes a filter for values at the target false positive
// rate and inserts them. The rate is clamped to [MinFalsePositiveRate,
// MaxFalsePositiveRate].
func BuildBloomFilter(values []string, falsePositiveRate float64) *BloomFilter {
	if len(values) == 0 {
		return &BloomFilter{}
	}
	// NaN fails every comparison and lands on the minimum.
	if !(falsePositiveRate >= MinFalsePositiveRate) {
		falsePositiveRate = MinFalsePositiveRate
	}
	falsePositiveRate = min(falsePositiveRate, MaxFalsePositiveRate)
	n := float64(len(values))
	bits := uint64(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if bits == 0 {
		bits = 1
	}
	k := int(math.Round(float64(bits) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	f := &BloomFilter{
		bitmap:    make([]byte, (bits+7)/8),
		bitCount:  bits,
		hashCount: k,
	}
	for _, v := range values {
		f.Insert(v)
	}
	return f
}
