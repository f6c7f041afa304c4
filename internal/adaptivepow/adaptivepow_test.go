package adaptivepow

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tos-network/apow-miner/internal/epoch"
	"github.com/zeebo/blake3"
)

var testPolicy = epoch.Policy{BaseSize: 64 << 10, EpochLength: 100, GrowthRate: 4}

func testHeader() [HeaderWords]uint32 {
	var h [HeaderWords]uint32
	for i := range h {
		h[i] = uint32(i) * 0x9e3779b9
	}
	return h
}

func TestPrimitives(t *testing.T) {
	if fmix(0) != 0 {
		t.Error("fmix(0) should be 0")
	}
	if fnv(0, 7) != 7 {
		t.Error("fnv(0, b) should be b")
	}
	if fnv(1, 0) != FNVPrime {
		t.Error("fnv(1, 0) should be the prime")
	}
	if fmix(1) == fmix(2) {
		t.Error("fmix should separate neighbouring inputs")
	}
}

func TestCacheItem(t *testing.T) {
	seed := epoch.SeedWords(0)

	a := CacheItem(seed, 3)
	if a != CacheItem(seed, 3) {
		t.Fatal("CacheItem is not deterministic")
	}
	if a == CacheItem(seed, 4) {
		t.Error("different indexes produced the same item")
	}
	if a == CacheItem(epoch.SeedWords(1), 3) {
		t.Error("different seeds produced the same item")
	}
	if CacheItem(seed, 1<<32) == CacheItem(seed, 0) {
		t.Error("high index bits are ignored")
	}
}

func TestBuildCache(t *testing.T) {
	seed := epoch.SeedWords(2)
	cache := BuildCache(seed, 8)
	if len(cache) != 8*WordsPerItem {
		t.Fatalf("cache length = %d, want %d", len(cache), 8*WordsPerItem)
	}
	for i := uint64(0); i < 8; i++ {
		if LoadItem(cache, i) != CacheItem(seed, i) {
			t.Errorf("cache item %d mismatch", i)
		}
	}
}

func TestBuildDatasetMatchesItems(t *testing.T) {
	// Large enough to take the parallel path.
	const cacheItems, dagItems = 64, minParallelItems + 100

	cache := BuildCache(epoch.SeedWords(0), cacheItems)
	dag := BuildDataset(cache, cacheItems, dagItems)

	for _, i := range []uint64{0, 1, 63, 64, 1000, dagItems - 1} {
		if LoadItem(dag, i) != DatasetItem(cache, cacheItems, i) {
			t.Errorf("dataset item %d mismatch", i)
		}
	}
	if LoadItem(dag, 0) == LoadItem(dag, 64) {
		t.Error("items sharing a cache slot should still differ")
	}
}

func TestHash(t *testing.T) {
	items := testPolicy.CacheItems(0)
	dagItems := testPolicy.DAGItems(0)
	cache := BuildCache(epoch.SeedWords(0), items)
	dag := BuildDataset(cache, items, dagItems)
	lookup := func(i uint64) Item { return LoadItem(dag, i) }

	header := testHeader()
	d := Hash(header, 42, lookup, dagItems)
	if d != Hash(header, 42, lookup, dagItems) {
		t.Fatal("Hash is not deterministic")
	}
	if d == Hash(header, 43, lookup, dagItems) {
		t.Error("different nonces produced the same digest")
	}

	// Nonce words in the input header are overwritten.
	dirty := header
	dirty[NonceWordLo], dirty[NonceWordHi] = 0xffffffff, 0xffffffff
	if Hash(dirty, 42, lookup, dagItems) != d {
		t.Error("stale nonce words leaked into the digest")
	}

	other := header
	other[16]++
	if Hash(other, 42, lookup, dagItems) == d {
		t.Error("time word does not affect the digest")
	}
}

func TestDigestEncoding(t *testing.T) {
	d := Digest{0x01020304, 0x05060708, 9}
	if d.Uint64() != 0x0102030405060708 {
		t.Errorf("Uint64 = %x", d.Uint64())
	}
	b := d.Bytes()
	if binary.LittleEndian.Uint32(b[0:]) != 0x01020304 || b[8] != 9 {
		t.Errorf("Bytes = %x", b)
	}
	if !Meets(d, d.Uint64()) || Meets(d, d.Uint64()-1) {
		t.Error("Meets should compare value <= target")
	}
}

func TestLightVerifierMatchesFullDataset(t *testing.T) {
	v := NewLightVerifier(testPolicy)

	items := testPolicy.CacheItems(0)
	dagItems := testPolicy.DAGItems(0)
	cache := BuildCache(epoch.SeedWords(0), items)
	dag := BuildDataset(cache, items, dagItems)
	lookup := func(i uint64) Item { return LoadItem(dag, i) }

	header := testHeader()
	for nonce := uint64(0); nonce < 16; nonce++ {
		full := Hash(header, nonce, lookup, dagItems)
		if light := v.Compute(0, header, nonce); light != full {
			t.Fatalf("nonce %d: light %x, full %x", nonce, light, full)
		}

		ok, err := v.Verify(0, header, nonce, full.Uint64())
		if err != nil || !ok {
			t.Errorf("nonce %d: Verify at its own value = %v, %v", nonce, ok, err)
		}
		if full.Uint64() > 0 {
			if ok, _ := v.Verify(0, header, nonce, full.Uint64()-1); ok {
				t.Errorf("nonce %d: Verify accepted a target below the digest", nonce)
			}
		}
	}

	if v.CacheFingerprint(0) != Fingerprint(cache) {
		t.Error("cache fingerprint mismatch")
	}
}

func TestLightVerifierEviction(t *testing.T) {
	v := NewLightVerifier(testPolicy)
	header := testHeader()

	v.Compute(0, header, 1)
	v.Compute(1, header, 1)
	v.Compute(1, header, 2)
	if got := cachedEpochList(v); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("cached epochs = %v, want [0 1]", got)
	}

	v.Compute(5, header, 1)
	if got := cachedEpochList(v); len(got) != 2 || got[0] != 1 || got[1] != 5 {
		t.Fatalf("cached epochs = %v, want [1 5]", got)
	}
}

func cachedEpochList(v *LightVerifier) []uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]uint32, len(v.caches))
	for i, c := range v.caches {
		out[i] = c.epoch
	}
	return out
}

func TestLightVerifierEmptyCache(t *testing.T) {
	v := NewLightVerifier(epoch.Policy{})
	if _, err := v.Verify(0, testHeader(), 0, 1); err == nil {
		t.Error("expected an error for an empty cache")
	}
}

func TestFingerprint(t *testing.T) {
	words := make([]uint32, 3000)
	for i := range words {
		words[i] = uint32(i * 7)
	}

	raw := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(raw[i*4:], w)
	}
	want := blake3.Sum256(raw)

	if got := Fingerprint(words); got != want {
		t.Errorf("Fingerprint = %x, want %x", got, want)
	}

	words[2999]++
	if Fingerprint(words) == want {
		t.Error("fingerprint ignored the last word")
	}
}

func TestFingerprintChunked(t *testing.T) {
	raw := make([]byte, 12000)
	for i := range raw {
		raw[i] = byte(i * 13)
	}
	want := blake3.Sum256(raw)

	for _, chunk := range []uint64{0, 4, 1000, 4096, 12000, 1 << 20} {
		var largest int
		read := func(off uint64, dst []byte) error {
			if len(dst) > largest {
				largest = len(dst)
			}
			copy(dst, raw[off:])
			return nil
		}
		got, err := FingerprintChunked(uint64(len(raw)), chunk, read)
		if err != nil {
			t.Fatalf("chunk %d: %v", chunk, err)
		}
		if got != want {
			t.Errorf("chunk %d: fingerprint %x, want %x", chunk, got, want)
		}
		if chunk > 0 && uint64(largest) > chunk {
			t.Errorf("chunk %d: read %d bytes at once", chunk, largest)
		}
	}

	boom := errors.New("readback failed")
	_, err := FingerprintChunked(64, 16, func(off uint64, dst []byte) error {
		if off == 32 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want readback error", err)
	}
}
