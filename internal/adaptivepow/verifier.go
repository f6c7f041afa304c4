package adaptivepow

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tos-network/apow-miner/internal/epoch"
	"github.com/zeebo/blake3"
)

// cachedEpochs is how many light caches a verifier keeps
const cachedEpochs = 2

type lightCache struct {
	epoch       uint32
	words       []uint32
	items       uint64
	dagItems    uint64
	fingerprint [32]byte
}

// LightVerifier recomputes found nonces from the light cache, deriving each
// dataset item on demand instead of holding the full dataset.
type LightVerifier struct {
	policy epoch.Policy

	mu     sync.Mutex
	caches []*lightCache // most recent last
}

// NewLightVerifier creates a verifier for the given sizing policy
func NewLightVerifier(policy epoch.Policy) *LightVerifier {
	return &LightVerifier{policy: policy}
}

func (v *LightVerifier) cache(e uint32) *lightCache {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, c := range v.caches {
		if c.epoch == e {
			return c
		}
	}

	items := v.policy.CacheItems(e)
	words := BuildCache(epoch.SeedWords(e), items)
	c := &lightCache{
		epoch:       e,
		words:       words,
		items:       items,
		dagItems:    v.policy.DAGItems(e),
		fingerprint: Fingerprint(words),
	}

	v.caches = append(v.caches, c)
	if len(v.caches) > cachedEpochs {
		v.caches = v.caches[len(v.caches)-cachedEpochs:]
	}
	return c
}

// Compute returns the digest of header and nonce for epoch
func (v *LightVerifier) Compute(e uint32, header [HeaderWords]uint32, nonce uint64) Digest {
	c := v.cache(e)
	lookup := func(i uint64) Item {
		return DatasetItem(c.words, c.items, i)
	}
	return Hash(header, nonce, lookup, c.dagItems)
}

// Verify recomputes the nonce and checks it against target
func (v *LightVerifier) Verify(e uint32, header [HeaderWords]uint32, nonce, target uint64) (bool, error) {
	if v.policy.CacheItems(e) == 0 {
		return false, fmt.Errorf("epoch %d has an empty cache", e)
	}
	return Meets(v.Compute(e, header, nonce), target), nil
}

// CacheFingerprint returns the BLAKE3 fingerprint of the light cache for epoch
func (v *LightVerifier) CacheFingerprint(e uint32) [32]byte {
	return v.cache(e).fingerprint
}

// Fingerprint is the BLAKE3 digest of words in little-endian byte order
func Fingerprint(words []uint32) [32]byte {
	h := blake3.New()
	var buf [4096]byte
	for len(words) > 0 {
		n := len(words)
		if n > len(buf)/4 {
			n = len(buf) / 4
		}
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], words[i])
		}
		h.Write(buf[:n*4])
		words = words[n:]
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// FingerprintChunked computes the same digest as Fingerprint over a size-byte
// little-endian image fetched by read, holding at most chunk bytes at a time
func FingerprintChunked(size, chunk uint64, read func(offset uint64, dst []byte) error) ([32]byte, error) {
	var out [32]byte
	if chunk == 0 || chunk > size {
		chunk = size
	}

	h := blake3.New()
	buf := make([]byte, chunk)
	for off := uint64(0); off < size; off += chunk {
		n := chunk
		if size-off < n {
			n = size - off
		}
		if err := read(off, buf[:n]); err != nil {
			return out, fmt.Errorf("read at %d: %w", off, err)
		}
		h.Write(buf[:n])
	}

	copy(out[:], h.Sum(nil))
	return out, nil
}
