package miner

import (
	"testing"
)

func TestJobHeader(t *testing.T) {
	job := &Job{ID: "h", Time: 1700000000, Bits: 0x1d00ffff}
	for i := range job.PrevHash {
		job.PrevHash[i] = byte(i)
		job.MerkleRoot[i] = byte(0x80 + i)
	}

	h := job.Header()
	if h[0] != 0x03020100 || h[7] != 0x1f1e1d1c {
		t.Errorf("prev hash words = %#x %#x", h[0], h[7])
	}
	if h[8] != 0x83828180 || h[15] != 0x9f9e9d9c {
		t.Errorf("merkle words = %#x %#x", h[8], h[15])
	}
	if h[16] != 1700000000 || h[17] != 0x1d00ffff {
		t.Errorf("time/bits = %d %#x", h[16], h[17])
	}
	if h[18] != 0 || h[19] != 0 {
		t.Error("nonce words should be zero")
	}
}

func TestJobEffectiveTarget(t *testing.T) {
	tests := []struct {
		job  Job
		want uint64
	}{
		{Job{Bits: 0x03123456}, 0x123456},
		{Job{Bits: 0x05123456}, ^uint64(0) >> 16},
		{Job{Bits: 0x05123456, Target: 42}, 42},
		{Job{Bits: 0x20123456}, 0},
	}
	for _, tt := range tests {
		if got := tt.job.EffectiveTarget(); got != tt.want {
			t.Errorf("EffectiveTarget(%#x, %d) = %#x, want %#x", tt.job.Bits, tt.job.Target, got, tt.want)
		}
	}
}

func TestResultQueue(t *testing.T) {
	q := newResultQueue(3)
	for i := uint64(1); i <= 5; i++ {
		dropped := q.push(Result{Nonce: i})
		if want := i > 3; dropped != want {
			t.Errorf("push %d dropped = %v, want %v", i, dropped, want)
		}
	}
	if q.len() != 3 {
		t.Fatalf("len = %d", q.len())
	}
	for want := uint64(3); want <= 5; want++ {
		r, ok := q.pop()
		if !ok || r.Nonce != want {
			t.Errorf("pop = %d, %v; want %d", r.Nonce, ok, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("pop from empty queue")
	}
}
