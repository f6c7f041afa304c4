package epoch

import (
	"math"
	"testing"
)

func TestEpochOf(t *testing.T) {
	genesis := uint64(1700000000)
	tests := []struct {
		name      string
		timestamp uint64
		want      uint32
	}{
		{"before genesis", genesis - 1, 0},
		{"at genesis", genesis, 0},
		{"zero timestamp", 0, 0},
		{"first second", genesis + 1, 0},
		{"end of epoch 0", genesis + DefaultEpochLength - 1, 0},
		{"start of epoch 1", genesis + DefaultEpochLength, 1},
		{"epoch 7", genesis + 7*DefaultEpochLength + 12345, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EpochOf(tt.timestamp, genesis); got != tt.want {
				t.Errorf("EpochOf(%d) = %d, want %d", tt.timestamp, got, tt.want)
			}
		})
	}
}

func TestEpochOfNeverNegative(t *testing.T) {
	for _, genesis := range []uint64{0, 1, 1 << 40, math.MaxUint64} {
		for _, ts := range []uint64{0, 1, genesis} {
			if ts <= genesis && EpochOf(ts, genesis) != 0 {
				t.Errorf("EpochOf(%d, %d) should be 0", ts, genesis)
			}
		}
	}
}

func TestEpochOfMonotonic(t *testing.T) {
	p := Policy{BaseSize: 4096, EpochLength: 10, GrowthRate: 2}
	prev := uint32(0)
	for ts := uint64(0); ts < 1000; ts += 3 {
		e := p.EpochOf(ts, 100)
		if e < prev {
			t.Fatalf("epoch went backwards at %d: %d < %d", ts, e, prev)
		}
		prev = e
	}
}

func TestEpochOfSaturates(t *testing.T) {
	p := Policy{BaseSize: 4096, EpochLength: 1, GrowthRate: 1}
	if got := p.EpochOf(math.MaxUint64, 0); got != math.MaxUint32 {
		t.Errorf("EpochOf saturation = %d, want MaxUint32", got)
	}
}

func TestDAGSize(t *testing.T) {
	tests := []struct {
		epoch uint32
		want  uint64
	}{
		{0, 1 << 30},
		{3, 1 << 30},
		{4, 2 << 30},
		{8, 4 << 30},
		{39, 512 << 30},
		{40, 1024 << 30},
		{41, 1024 << 30},
		{math.MaxUint32, 1024 << 30},
	}

	for _, tt := range tests {
		if got := DAGSize(tt.epoch); got != tt.want {
			t.Errorf("DAGSize(%d) = %d, want %d", tt.epoch, got, tt.want)
		}
	}
}

func TestDAGSizeMonotonicAndBounded(t *testing.T) {
	limit := DefaultBaseSize << MaxDoublings
	if DefaultPolicy.MaxDAGSize() != limit {
		t.Fatalf("MaxDAGSize = %d, want %d", DefaultPolicy.MaxDAGSize(), limit)
	}

	prev := uint64(0)
	for e := uint32(0); e < 200; e++ {
		size := DAGSize(e)
		if size < prev {
			t.Fatalf("DAGSize decreased at epoch %d", e)
		}
		if size > limit {
			t.Fatalf("DAGSize(%d) = %d exceeds cap %d", e, size, limit)
		}
		prev = size
	}
}

func TestCacheAndItems(t *testing.T) {
	p := Policy{BaseSize: 64 * 1024, EpochLength: 100, GrowthRate: 1}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if got := p.DAGItems(0); got != 1024 {
		t.Errorf("DAGItems(0) = %d, want 1024", got)
	}
	if got := p.CacheSize(0); got != 1024 {
		t.Errorf("CacheSize(0) = %d, want 1024", got)
	}
	if got := p.CacheItems(0); got != 16 {
		t.Errorf("CacheItems(0) = %d, want 16", got)
	}
	if got := p.DAGItems(1); got != 2048 {
		t.Errorf("DAGItems(1) = %d, want 2048", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default", DefaultPolicy, false},
		{"small aligned", Policy{BaseSize: 4096, EpochLength: 1, GrowthRate: 1}, false},
		{"zero base", Policy{BaseSize: 0, EpochLength: 1, GrowthRate: 1}, true},
		{"unaligned base", Policy{BaseSize: 5000, EpochLength: 1, GrowthRate: 1}, true},
		{"zero epoch length", Policy{BaseSize: 4096, EpochLength: 0, GrowthRate: 1}, true},
		{"zero growth", Policy{BaseSize: 4096, EpochLength: 1, GrowthRate: 0}, true},
		{"overflow", Policy{BaseSize: 1 << 60, EpochLength: 1, GrowthRate: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSeed(t *testing.T) {
	a := Seed(0)
	b := Seed(0)
	if a != b {
		t.Fatal("Seed is not deterministic")
	}

	seen := make(map[[SeedSize]byte]uint32)
	for e := uint32(0); e < 256; e++ {
		s := Seed(e)
		if prev, ok := seen[s]; ok {
			t.Fatalf("Seed(%d) collides with Seed(%d)", e, prev)
		}
		seen[s] = e
	}

	var zero [SeedSize]byte
	if Seed(0) == zero {
		t.Error("Seed(0) should not be all zeros")
	}
}

func TestSeedWords(t *testing.T) {
	seed := Seed(42)
	words := SeedWords(42)
	for i, w := range words {
		b := seed[i*4 : i*4+4]
		want := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		if w != want {
			t.Errorf("word %d = %08x, want %08x", i, w, want)
		}
	}
}
