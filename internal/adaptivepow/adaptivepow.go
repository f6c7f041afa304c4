// Package adaptivepow implements the AdaptivePow mixing function on the host.
//
// The same arithmetic runs in the OpenCL and CUDA kernels under kernels/ and
// in the emulated compute device, so a nonce found on any device can be
// recomputed here from the light cache alone.
package adaptivepow

import (
	"encoding/binary"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	// WordsPerItem is the number of 32-bit words in a cache or dataset item
	WordsPerItem = 16

	// HeaderWords is the size of a search header in 32-bit words
	HeaderWords = 20

	// NonceWordLo and NonceWordHi hold the nonce inside the header
	NonceWordLo = 18
	NonceWordHi = 19

	// CacheRounds is the number of neighbour mixing rounds per cache item
	CacheRounds = 3

	// DatasetParents is the number of cache items folded into a dataset item
	DatasetParents = 64

	// Accesses is the number of dataset reads per hash
	Accesses = 64

	// DigestWords is the hash output size in 32-bit words
	DigestWords = 8

	// FNVPrime is the 32-bit FNV multiplier
	FNVPrime = 0x01000193

	// minParallelItems keeps tiny ranges on the calling goroutine
	minParallelItems = 4096
)

// Item is one 64-byte cache or dataset entry
type Item [WordsPerItem]uint32

// Digest is the 256-bit hash output
type Digest [DigestWords]uint32

// Lookup returns dataset item i
type Lookup func(i uint64) Item

func fnv(a, b uint32) uint32 {
	return (a * FNVPrime) ^ b
}

// fmix is the murmur3 32-bit finalizer
func fmix(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// CacheItem derives cache item i from the epoch seed words
func CacheItem(seed [8]uint32, i uint64) Item {
	lo, hi := uint32(i), uint32(i>>32)

	var w Item
	for k := range w {
		w[k] = seed[k&7] ^ fmix(lo*WordsPerItem+uint32(k)) ^ hi
	}

	for r := 0; r < CacheRounds; r++ {
		for k := range w {
			w[k] = fmix(fnv(w[k], w[(k+1)&(WordsPerItem-1)]))
		}
	}
	return w
}

// BuildCache generates items cache items as flat words
func BuildCache(seed [8]uint32, items uint64) []uint32 {
	cache := make([]uint32, items*WordsPerItem)
	parallelRange(items, func(lo, hi uint64) {
		for i := lo; i < hi; i++ {
			it := CacheItem(seed, i)
			copy(cache[i*WordsPerItem:], it[:])
		}
	})
	return cache
}

// LoadItem reads item i out of a flat word slice
func LoadItem(words []uint32, i uint64) Item {
	var it Item
	copy(it[:], words[i*WordsPerItem:(i+1)*WordsPerItem])
	return it
}

// DatasetItem derives dataset item i from the cache. It depends only on the
// cache, so any batching of the dataset produces identical contents.
func DatasetItem(cache []uint32, cacheItems, i uint64) Item {
	lo, hi := uint32(i), uint32(i>>32)

	mix := LoadItem(cache, i%cacheItems)
	mix[0] ^= lo
	mix[1] ^= hi
	for k := range mix {
		mix[k] = fmix(mix[k])
	}

	for p := uint32(0); p < DatasetParents; p++ {
		parent := uint64(fnv(lo^p, mix[p&(WordsPerItem-1)])) % cacheItems
		base := parent * WordsPerItem
		for k := range mix {
			mix[k] = fnv(mix[k], cache[base+uint64(k)])
		}
	}

	for k := range mix {
		mix[k] = fmix(mix[k])
	}
	return mix
}

// BuildDataset expands the cache into dagItems dataset items as flat words
func BuildDataset(cache []uint32, cacheItems, dagItems uint64) []uint32 {
	dag := make([]uint32, dagItems*WordsPerItem)
	parallelRange(dagItems, func(lo, hi uint64) {
		for i := lo; i < hi; i++ {
			it := DatasetItem(cache, cacheItems, i)
			copy(dag[i*WordsPerItem:], it[:])
		}
	})
	return dag
}

// Hash computes the digest of header with nonce written into words 18 and 19
func Hash(header [HeaderWords]uint32, nonce uint64, lookup Lookup, dagItems uint64) Digest {
	header[NonceWordLo] = uint32(nonce)
	header[NonceWordHi] = uint32(nonce >> 32)

	var s Item
	for k := range s {
		s[k] = fmix(fnv(header[k], header[16+(k&3)]))
	}

	for a := uint32(0); a < Accesses; a++ {
		idx := uint64(fnv(a^s[0], s[a&15]))<<32 | uint64(fnv(s[(a+1)&15], s[(a+7)&15]))
		it := lookup(idx % dagItems)
		for k := range s {
			s[k] = fnv(s[k], it[k])
		}
	}

	var out Digest
	for j := range out {
		out[j] = fmix(fnv(s[2*j], s[2*j+1]))
	}
	return out
}

// Uint64 is the value compared against a 64-bit target
func (d Digest) Uint64() uint64 {
	return uint64(d[0])<<32 | uint64(d[1])
}

// Bytes returns the digest as 32 little-endian bytes
func (d Digest) Bytes() [32]byte {
	var out [32]byte
	for i, w := range d {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// Meets reports whether the digest is at or below target
func Meets(d Digest, target uint64) bool {
	return d.Uint64() <= target
}

// parallelRange splits [0, n) across GOMAXPROCS goroutines
func parallelRange(n uint64, fn func(lo, hi uint64)) {
	workers := uint64(runtime.GOMAXPROCS(0))
	if n < minParallelItems || workers < 2 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	for lo := uint64(0); lo < n; lo += chunk {
		lo, hi := lo, lo+chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}
