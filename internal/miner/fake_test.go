package miner

import (
	"github.com/tos-network/apow-miner/internal/epoch"
	"github.com/tos-network/apow-miner/internal/gpu"
)

var testPolicy = epoch.Policy{BaseSize: 64 << 10, EpochLength: 100, GrowthRate: 4}

type fakeBackend struct {
	kind    gpu.Kind
	devices []gpu.Device
	initErr error
	inits   []int
	handle  *fakeHandle
}

func (b *fakeBackend) Kind() gpu.Kind       { return b.kind }
func (b *fakeBackend) Policy() epoch.Policy { return testPolicy }

func (b *fakeBackend) Devices() ([]gpu.Device, error) {
	return append([]gpu.Device(nil), b.devices...), nil
}

func (b *fakeBackend) Init(localIndex int, e uint32) (gpu.Handle, error) {
	b.inits = append(b.inits, localIndex)
	if b.initErr != nil {
		return nil, b.initErr
	}
	if b.handle == nil {
		b.handle = &fakeHandle{batch: 1024}
	}
	b.handle.dev = b.devices[localIndex]
	b.handle.epoch = e
	return b.handle, nil
}

// fakeHandle replays queued search outcomes; once they run out every
// batch misses
type fakeHandle struct {
	dev       gpu.Device
	epoch     uint32
	ready     bool
	batch     uint64
	genErr    error
	genCalls  []uint32
	outcomes  []gpu.SearchResult
	searchErr error
	starts    []uint64
	targets   []uint64
	closes    int
	// fingerprint is reported as the device cache fingerprint
	fingerprint [32]byte
}

func (h *fakeHandle) GenerateDAG(e uint32) error {
	h.genCalls = append(h.genCalls, e)
	h.ready = false
	h.epoch = e
	if h.genErr != nil {
		return h.genErr
	}
	h.ready = true
	return nil
}

func (h *fakeHandle) Search(header *gpu.Header, target, start uint64) (gpu.SearchResult, error) {
	h.starts = append(h.starts, start)
	h.targets = append(h.targets, target)
	if h.searchErr != nil {
		return gpu.SearchResult{HashCount: h.batch}, h.searchErr
	}
	if len(h.outcomes) == 0 {
		return gpu.SearchResult{HashCount: h.batch}, nil
	}
	r := h.outcomes[0]
	h.outcomes = h.outcomes[1:]
	r.HashCount = h.batch
	return r, nil
}

func (h *fakeHandle) Close() error {
	h.closes++
	return nil
}

func (h *fakeHandle) Device() gpu.Device { return h.dev }
func (h *fakeHandle) DatasetReady() bool { return h.ready }
func (h *fakeHandle) Epoch() uint32      { return h.epoch }
func (h *fakeHandle) DAGSize() uint64    { return testPolicy.DAGSize(h.epoch) }

func (h *fakeHandle) CacheFingerprint() [32]byte { return h.fingerprint }

func twoDevices(kind gpu.Kind) *fakeBackend {
	return &fakeBackend{
		kind: kind,
		devices: []gpu.Device{
			{Name: kind.String() + "-0", Memory: 8 << 30, Available: true},
			{Name: kind.String() + "-1", Memory: 4 << 30, Available: true},
		},
	}
}

type fakeVerifier struct {
	ok    bool
	err   error
	calls int
}

func (v *fakeVerifier) Verify(uint32, [gpu.HeaderWords]uint32, uint64, uint64) (bool, error) {
	v.calls++
	return v.ok, v.err
}
