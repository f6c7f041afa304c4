package miner

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tos-network/apow-miner/internal/adaptivepow"
	"github.com/tos-network/apow-miner/internal/epoch"
	"github.com/tos-network/apow-miner/internal/gpu"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newReadyContext(t *testing.T, opts Options) (*Context, *fakeBackend) {
	t.Helper()
	b := twoDevices(gpu.OpenCL)
	if opts.Policy.BaseSize == 0 {
		opts.Policy = testPolicy
	}
	c, err := New([]gpu.Backend{b}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.GenerateDAG(); err != nil {
		t.Fatalf("GenerateDAG: %v", err)
	}
	return c, b
}

func TestNewRejectsUnknownDevice(t *testing.T) {
	b := twoDevices(gpu.OpenCL)
	_, err := New([]gpu.Backend{b}, Options{DeviceID: 5, Policy: testPolicy})
	if err == nil {
		t.Fatal("expected error for device 5 of 2")
	}
	if !errors.Is(err, gpu.ErrDeviceNotFound) || !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("error %v should wrap ErrDeviceNotFound and ErrInvalidDevice", err)
	}
	if Classify(err) != ClassConfiguration {
		t.Errorf("Classify = %v, want configuration", Classify(err))
	}
	if len(b.inits) != 0 {
		t.Errorf("backend initialized %d times for an invalid id", len(b.inits))
	}
}

func TestNewOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"negative device", Options{DeviceID: -1, Policy: testPolicy}},
		{"small queue", Options{ResultQueue: 1, Policy: testPolicy}},
		{"bad policy", Options{Policy: epoch.Policy{BaseSize: 1000, EpochLength: 100, GrowthRate: 4}}},
		{"policy differs from backend", Options{Policy: epoch.Policy{BaseSize: 128 << 10, EpochLength: 100, GrowthRate: 4}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := twoDevices(gpu.OpenCL)
			_, err := New([]gpu.Backend{b}, tt.opts)
			if Classify(err) != ClassConfiguration {
				t.Errorf("Classify(%v) = %v, want configuration", err, Classify(err))
			}
			if len(b.inits) != 0 {
				t.Error("backend should not be initialized")
			}
		})
	}
}

func TestNewTakesBackendPolicy(t *testing.T) {
	b := twoDevices(gpu.OpenCL)
	c, err := New([]gpu.Backend{b}, Options{Epoch: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Policy() != testPolicy {
		t.Errorf("policy = %+v, want the backend's %+v", c.Policy(), testPolicy)
	}
	if got := c.Stats().DAGSize; got != testPolicy.DAGSize(4) {
		t.Errorf("dag size = %d, want %d", got, testPolicy.DAGSize(4))
	}
}

func TestNewMapsGlobalID(t *testing.T) {
	cl := twoDevices(gpu.OpenCL)
	cu := twoDevices(gpu.CUDA)

	c, err := New([]gpu.Backend{cl, cu}, Options{DeviceID: 3, Policy: testPolicy})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(cl.inits) != 0 {
		t.Errorf("opencl inits = %v, want none", cl.inits)
	}
	if len(cu.inits) != 1 || cu.inits[0] != 1 {
		t.Errorf("cuda inits = %v, want [1]", cu.inits)
	}
	d := c.Device()
	if d.ID != 3 || d.LocalIndex != 1 || d.Kind != gpu.CUDA || d.Name != "cuda-1" {
		t.Errorf("device = %+v", d)
	}
}

func TestNewInitFailure(t *testing.T) {
	b := twoDevices(gpu.OpenCL)
	b.initErr = fmt.Errorf("%w: out of memory", gpu.ErrBufferAllocation)

	_, err := New([]gpu.Backend{b}, Options{Policy: testPolicy})
	if !errors.Is(err, gpu.ErrBufferAllocation) {
		t.Fatalf("error = %v, want ErrBufferAllocation", err)
	}
	if Classify(err) != ClassResource {
		t.Errorf("Classify = %v, want resource", Classify(err))
	}
}

func TestDatasetLifecycle(t *testing.T) {
	b := twoDevices(gpu.OpenCL)
	c, err := New([]gpu.Backend{b}, Options{Epoch: 2, Policy: testPolicy})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.DatasetReady() {
		t.Fatal("dataset ready before generation")
	}
	if err := c.GenerateDAG(); err != nil {
		t.Fatalf("GenerateDAG: %v", err)
	}
	if !c.DatasetReady() {
		t.Fatal("dataset not ready after generation")
	}

	err = c.GenerateDAG()
	if !errors.Is(err, ErrDatasetReady) || Classify(err) != ClassPrecondition {
		t.Errorf("second GenerateDAG = %v, want precondition ErrDatasetReady", err)
	}
	if got := b.handle.genCalls; len(got) != 1 || got[0] != 2 {
		t.Errorf("handle generations = %v, want [2]", got)
	}
}

func TestDatasetFingerprintCheck(t *testing.T) {
	reference := adaptivepow.NewLightVerifier(testPolicy).CacheFingerprint(1)

	tests := []struct {
		name        string
		verify      bool
		fingerprint [32]byte
		wantErr     error
	}{
		{"matching cache", true, reference, nil},
		{"diverging cache", true, [32]byte{1}, ErrDatasetMismatch},
		{"verification off", false, [32]byte{1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := twoDevices(gpu.OpenCL)
			b.handle = &fakeHandle{batch: 16, fingerprint: tt.fingerprint}
			c, err := New([]gpu.Backend{b}, Options{Epoch: 1, Verify: tt.verify})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			err = c.GenerateDAG()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GenerateDAG = %v, want %v", err, tt.wantErr)
			}
			if c.DatasetReady() != (tt.wantErr == nil) {
				t.Errorf("ready = %v", c.DatasetReady())
			}
			if tt.wantErr != nil && Classify(err) != ClassDispatch {
				t.Errorf("Classify = %v, want dispatch", Classify(err))
			}
		})
	}
}

func TestGenerateDAGFailure(t *testing.T) {
	b := twoDevices(gpu.OpenCL)
	b.handle = &fakeHandle{batch: 16, genErr: fmt.Errorf("%w: dataset", gpu.ErrBufferAllocation)}
	c, err := New([]gpu.Backend{b}, Options{Policy: testPolicy})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.GenerateDAG()
	if Classify(err) != ClassResource {
		t.Errorf("Classify = %v, want resource", Classify(err))
	}
	if c.DatasetReady() {
		t.Error("dataset ready after failed generation")
	}
}

func TestSubmitBeforeReady(t *testing.T) {
	b := twoDevices(gpu.OpenCL)
	c, err := New([]gpu.Backend{b}, Options{StartNonce: 7, Policy: testPolicy})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	found, err := c.SubmitJob(&Job{ID: "early"})
	if found || !errors.Is(err, gpu.ErrDatasetNotReady) {
		t.Fatalf("SubmitJob = %v, %v; want ErrDatasetNotReady", found, err)
	}
	if Classify(err) != ClassPrecondition {
		t.Errorf("Classify = %v, want precondition", Classify(err))
	}
	if len(b.handle.starts) != 0 {
		t.Error("search dispatched without a dataset")
	}
	s := c.Stats()
	if s.NonceCursor != 7 || s.Hashes != 0 || s.Batches != 0 {
		t.Errorf("stats mutated: %+v", s)
	}
}

func TestSubmitAdvancesNonce(t *testing.T) {
	c, b := newReadyContext(t, Options{StartNonce: 1000})
	job := &Job{ID: "j1", Target: 1}

	for i := 0; i < 2; i++ {
		found, err := c.SubmitJob(job)
		if err != nil || found {
			t.Fatalf("SubmitJob %d = %v, %v", i, found, err)
		}
	}

	if got := b.handle.starts; len(got) != 2 || got[0] != 1000 || got[1] != 2024 {
		t.Errorf("search starts = %v, want [1000 2024]", got)
	}
	s := c.Stats()
	if s.NonceCursor != 1000+2*1024 {
		t.Errorf("cursor = %d, want %d", s.NonceCursor, 1000+2*1024)
	}
	if s.Hashes != 2*1024 || s.Batches != 2 {
		t.Errorf("hashes = %d batches = %d", s.Hashes, s.Batches)
	}
	if _, ok := c.GetResult(); ok {
		t.Error("result queued for a miss")
	}
}

func TestSubmitDerivesTarget(t *testing.T) {
	c, b := newReadyContext(t, Options{})

	if _, err := c.SubmitJob(&Job{ID: "bits", Bits: 0x03123456}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, err := c.SubmitJob(&Job{ID: "explicit", Bits: 0x03123456, Target: 99}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if got := b.handle.targets; got[0] != 0x123456 || got[1] != 99 {
		t.Errorf("targets = %#x, want [0x123456 0x63]", got)
	}
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	c, b := newReadyContext(t, Options{})
	long := make([]byte, MaxJobIDLength+1)
	for i := range long {
		long[i] = 'x'
	}

	for _, job := range []*Job{nil, {ID: string(long)}} {
		_, err := c.SubmitJob(job)
		if !errors.Is(err, ErrInvalidJob) || Classify(err) != ClassConfiguration {
			t.Errorf("SubmitJob = %v, want configuration ErrInvalidJob", err)
		}
	}
	if len(b.handle.starts) != 0 {
		t.Error("invalid job dispatched")
	}
}

func TestSubmitFailedDispatchCharged(t *testing.T) {
	c, b := newReadyContext(t, Options{})
	b.handle.searchErr = fmt.Errorf("%w: launch", gpu.ErrDispatch)

	found, err := c.SubmitJob(&Job{ID: "f"})
	if found || Classify(err) != ClassDispatch {
		t.Fatalf("SubmitJob = %v, %v; want dispatch error", found, err)
	}
	s := c.Stats()
	if s.NonceCursor != 1024 || s.Hashes != 1024 || s.FailedBatches != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestResultConsumption(t *testing.T) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	c, b := newReadyContext(t, Options{Epoch: 1, Clock: clock.Now})
	b.handle.outcomes = []gpu.SearchResult{{Found: true, Nonce: 0xdeadbeef}}

	found, err := c.SubmitJob(&Job{ID: "block-42", Target: 500})
	if err != nil || !found {
		t.Fatalf("SubmitJob = %v, %v", found, err)
	}

	r, ok := c.GetResult()
	if !ok {
		t.Fatal("no result")
	}
	want := Result{Found: true, Nonce: 0xdeadbeef, JobID: "block-42", Epoch: 1, Target: 500, Time: clock.now}
	if r != want {
		t.Errorf("result = %+v, want %+v", r, want)
	}
	if _, ok := c.GetResult(); ok {
		t.Error("result delivered twice")
	}
	if s := c.Stats(); s.Solutions != 1 || s.PendingResults != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestResultQueueDropsOldest(t *testing.T) {
	c, b := newReadyContext(t, Options{ResultQueue: 2})
	b.handle.outcomes = []gpu.SearchResult{
		{Found: true, Nonce: 1},
		{Found: true, Nonce: 2},
		{Found: true, Nonce: 3},
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := c.SubmitJob(&Job{ID: id}); err != nil {
			t.Fatalf("SubmitJob(%s): %v", id, err)
		}
	}

	s := c.Stats()
	if s.DroppedResults != 1 || s.PendingResults != 2 || s.Solutions != 3 {
		t.Errorf("stats = %+v", s)
	}
	for _, want := range []string{"b", "c"} {
		r, ok := c.GetResult()
		if !ok || r.JobID != want {
			t.Errorf("GetResult = %+v, %v; want job %s", r, ok, want)
		}
	}
}

func TestHostVerification(t *testing.T) {
	tests := []struct {
		name     string
		verifier *fakeVerifier
		found    bool
	}{
		{"accepted", &fakeVerifier{ok: true}, true},
		{"rejected", &fakeVerifier{ok: false}, false},
		{"error", &fakeVerifier{ok: true, err: errors.New("no cache")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, b := newReadyContext(t, Options{Verifier: tt.verifier})
			b.handle.outcomes = []gpu.SearchResult{{Found: true, Nonce: 9}}

			found, err := c.SubmitJob(&Job{ID: "v"})
			if err != nil {
				t.Fatalf("SubmitJob: %v", err)
			}
			if found != tt.found {
				t.Errorf("found = %v, want %v", found, tt.found)
			}
			if tt.verifier.calls != 1 {
				t.Errorf("verifier calls = %d", tt.verifier.calls)
			}
			s := c.Stats()
			if tt.found && (s.Solutions != 1 || s.PendingResults != 1) {
				t.Errorf("stats = %+v", s)
			}
			if !tt.found && (s.InvalidSolutions != 1 || s.PendingResults != 0) {
				t.Errorf("stats = %+v", s)
			}
		})
	}
}

func TestUpdateEpoch(t *testing.T) {
	c, b := newReadyContext(t, Options{Epoch: 0})

	if err := c.UpdateEpoch(4); err != nil {
		t.Fatalf("UpdateEpoch: %v", err)
	}
	s := c.Stats()
	if s.Epoch != 4 || !s.DatasetReady || s.DAGSize != testPolicy.DAGSize(4) {
		t.Errorf("stats after switch = %+v", s)
	}
	if s.DAGSize != 2*testPolicy.DAGSize(0) {
		t.Errorf("dag size %d, want double of %d", s.DAGSize, testPolicy.DAGSize(0))
	}

	b.handle.genErr = fmt.Errorf("%w: dataset", gpu.ErrBufferAllocation)
	if err := c.UpdateEpoch(8); Classify(err) != ClassResource {
		t.Errorf("UpdateEpoch = %v, want resource error", err)
	}
	if c.DatasetReady() || c.Epoch() != 8 {
		t.Errorf("ready = %v epoch = %d after failed switch", c.DatasetReady(), c.Epoch())
	}
	if _, err := c.SubmitJob(&Job{ID: "x"}); !errors.Is(err, gpu.ErrDatasetNotReady) {
		t.Errorf("SubmitJob after failed switch = %v", err)
	}

	b.handle.genErr = nil
	if err := c.GenerateDAG(); err != nil {
		t.Errorf("GenerateDAG retry: %v", err)
	}
	if got := b.handle.genCalls; len(got) != 4 || got[3] != 8 {
		t.Errorf("generations = %v", got)
	}
}

func TestStatsHashrate(t *testing.T) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	c, _ := newReadyContext(t, Options{Clock: clock.Now})

	if s := c.Stats(); s.Hashrate != 0 || s.Uptime != 0 {
		t.Errorf("fresh stats = %+v", s)
	}
	for i := 0; i < 5; i++ {
		if _, err := c.SubmitJob(&Job{ID: "r"}); err != nil {
			t.Fatalf("SubmitJob: %v", err)
		}
	}
	clock.Advance(10 * time.Second)

	c.RecordShare(true)
	c.RecordShare(true)
	c.RecordShare(false)

	s := c.Stats()
	if s.Uptime != 10*time.Second {
		t.Errorf("uptime = %v", s.Uptime)
	}
	if s.Hashrate != 512 {
		t.Errorf("hashrate = %v, want 512", s.Hashrate)
	}
	if s.Accepted != 2 || s.Rejected != 1 {
		t.Errorf("shares = %d/%d", s.Accepted, s.Rejected)
	}
	if s.DeviceName != "opencl-0" || s.Backend != "opencl" {
		t.Errorf("device = %s/%s", s.DeviceName, s.Backend)
	}
}

func TestShutdown(t *testing.T) {
	c, b := newReadyContext(t, Options{})

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if b.handle.closes != 1 {
		t.Errorf("closes = %d", b.handle.closes)
	}
	if c.DatasetReady() {
		t.Error("ready after shutdown")
	}

	checks := map[string]error{
		"Shutdown":    c.Shutdown(),
		"GenerateDAG": c.GenerateDAG(),
		"UpdateEpoch": c.UpdateEpoch(1),
	}
	_, checks["SubmitJob"] = c.SubmitJob(&Job{ID: "late"})
	for name, err := range checks {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("%s after shutdown = %v, want ErrClosed", name, err)
		}
	}
	if b.handle.closes != 1 {
		t.Errorf("handle closed %d times", b.handle.closes)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ClassNone},
		{gpu.ErrNoDevices, ClassConfiguration},
		{gpu.ErrUnsupported, ClassConfiguration},
		{fmt.Errorf("x: %w", gpu.ErrProgramBuild), ClassResource},
		{gpu.ErrKernelSourceNotFound, ClassResource},
		{gpu.ErrReleased, ClassPrecondition},
		{fmt.Errorf("%w: %w", gpu.ErrDispatch, errors.New("CL_OUT_OF_RESOURCES")), ClassDispatch},
		{errors.New("other"), ClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if ClassDispatch.String() != "dispatch" || ErrorClass(99).String() != "unknown" {
		t.Error("class names")
	}
}
