// Package epoch maps wall-clock time onto AdaptivePow epochs and epochs onto
// dataset sizes and seeds.
package epoch

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/sha3"
)

const (
	// DefaultBaseSize is the epoch-0 dataset size (1 GiB)
	DefaultBaseSize = uint64(1) << 30

	// DefaultEpochLength is the epoch length in seconds (180 days)
	DefaultEpochLength = uint64(180 * 24 * 60 * 60)

	// DefaultGrowthRate is the number of epochs per dataset doubling
	DefaultGrowthRate = uint32(4)

	// MaxDoublings caps dataset growth (1 TiB from the default base)
	MaxDoublings = 10

	// ItemBytes is the size of one cache or dataset item
	ItemBytes = 64

	// CacheRatio is the dataset-to-cache size ratio
	CacheRatio = 64

	// SeedSize is the seed length in bytes
	SeedSize = 32

	// sizeAlign keeps both the dataset and the cache a whole number of items
	sizeAlign = ItemBytes * CacheRatio
)

// Policy holds the sizing parameters of the dataset schedule
type Policy struct {
	BaseSize    uint64 `mapstructure:"base_size" json:"base_size"`
	EpochLength uint64 `mapstructure:"epoch_length" json:"epoch_length"`
	GrowthRate  uint32 `mapstructure:"growth_rate" json:"growth_rate"`
}

// DefaultPolicy is the production schedule
var DefaultPolicy = Policy{
	BaseSize:    DefaultBaseSize,
	EpochLength: DefaultEpochLength,
	GrowthRate:  DefaultGrowthRate,
}

// Validate checks that the policy produces whole cache and dataset items
func (p Policy) Validate() error {
	if p.BaseSize == 0 || p.BaseSize%sizeAlign != 0 {
		return fmt.Errorf("base size %d must be a positive multiple of %d", p.BaseSize, sizeAlign)
	}
	if p.BaseSize > math.MaxUint64>>MaxDoublings {
		return fmt.Errorf("base size %d overflows at %d doublings", p.BaseSize, MaxDoublings)
	}
	if p.EpochLength == 0 {
		return fmt.Errorf("epoch length must be positive")
	}
	if p.GrowthRate == 0 {
		return fmt.Errorf("growth rate must be positive")
	}
	return nil
}

// EpochOf returns the epoch containing timestamp. Timestamps at or before
// genesis are epoch 0.
func (p Policy) EpochOf(timestamp, genesis uint64) uint32 {
	if timestamp <= genesis || p.EpochLength == 0 {
		return 0
	}
	e := (timestamp - genesis) / p.EpochLength
	if e > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(e)
}

// Doublings returns how many times the base size has doubled by epoch
func (p Policy) Doublings(epoch uint32) uint32 {
	if p.GrowthRate == 0 {
		return 0
	}
	d := epoch / p.GrowthRate
	if d > MaxDoublings {
		d = MaxDoublings
	}
	return d
}

// DAGSize returns the dataset size in bytes for epoch
func (p Policy) DAGSize(epoch uint32) uint64 {
	return p.BaseSize << p.Doublings(epoch)
}

// MaxDAGSize is the largest dataset any epoch can request
func (p Policy) MaxDAGSize() uint64 {
	return p.BaseSize << MaxDoublings
}

// CacheSize returns the cache size in bytes for epoch
func (p Policy) CacheSize(epoch uint32) uint64 {
	return p.DAGSize(epoch) / CacheRatio
}

// DAGItems returns the number of 64-byte dataset items for epoch
func (p Policy) DAGItems(epoch uint32) uint64 {
	return p.DAGSize(epoch) / ItemBytes
}

// CacheItems returns the number of 64-byte cache items for epoch
func (p Policy) CacheItems(epoch uint32) uint64 {
	return p.CacheSize(epoch) / ItemBytes
}

// Seed returns the dataset seed for epoch: Keccak-256 over the
// little-endian epoch number.
func Seed(epoch uint32) [SeedSize]byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], epoch)

	h := sha3.NewLegacyKeccak256()
	h.Write(buf[:])

	var seed [SeedSize]byte
	copy(seed[:], h.Sum(nil))
	return seed
}

// SeedWords returns the seed as eight little-endian 32-bit words
func SeedWords(epoch uint32) [8]uint32 {
	seed := Seed(epoch)
	var words [8]uint32
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(seed[i*4:])
	}
	return words
}

// EpochOf uses DefaultPolicy
func EpochOf(timestamp, genesis uint64) uint32 {
	return DefaultPolicy.EpochOf(timestamp, genesis)
}

// DAGSize uses DefaultPolicy
func DAGSize(epoch uint32) uint64 {
	return DefaultPolicy.DAGSize(epoch)
}
