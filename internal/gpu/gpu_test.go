package gpu

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tos-network/apow-miner/internal/epoch"
)

type listBackend struct {
	kind  Kind
	names []string
	err   error
}

func (b *listBackend) Kind() Kind           { return b.kind }
func (b *listBackend) Policy() epoch.Policy { return epoch.DefaultPolicy }

func (b *listBackend) Devices() ([]Device, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]Device, len(b.names))
	for i, n := range b.names {
		out[i] = Device{Name: n, Available: true}
	}
	return out, nil
}

func (b *listBackend) Init(int, uint32) (Handle, error) { return nil, errors.New("unused") }

func TestEnumerateOrdering(t *testing.T) {
	cl := &listBackend{kind: OpenCL, names: []string{"cl0", "cl1"}}
	cu := &listBackend{kind: CUDA, names: []string{"cu0"}}

	devs, err := Enumerate(cl, cu)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}

	want := []struct {
		name  string
		kind  Kind
		local int
	}{
		{"cl0", OpenCL, 0},
		{"cl1", OpenCL, 1},
		{"cu0", CUDA, 0},
	}
	if len(devs) != len(want) {
		t.Fatalf("got %d devices, want %d", len(devs), len(want))
	}
	for i, w := range want {
		d := devs[i]
		if d.ID != i || d.Name != w.name || d.Kind != w.kind || d.LocalIndex != w.local {
			t.Errorf("device %d = %+v, want %+v", i, d, w)
		}
		if d.KindName != w.kind.String() {
			t.Errorf("device %d kind name = %q", i, d.KindName)
		}
	}
}

func TestEnumerateErrors(t *testing.T) {
	if _, err := Enumerate(); !errors.Is(err, ErrNoDevices) {
		t.Errorf("empty enumerate err = %v, want ErrNoDevices", err)
	}

	broken := &listBackend{kind: CUDA, err: errors.New("driver missing")}
	if _, err := Enumerate(broken); !errors.Is(err, ErrNoDevices) {
		t.Errorf("broken enumerate err = %v, want ErrNoDevices", err)
	}

	cl := &listBackend{kind: OpenCL, names: []string{"cl0"}}
	devs, err := Enumerate(broken, cl)
	if err != nil || len(devs) != 1 || devs[0].ID != 0 {
		t.Errorf("partial enumerate = %v, %v", devs, err)
	}
}

func TestResolve(t *testing.T) {
	cl := &listBackend{kind: OpenCL, names: []string{"cl0", "cl1"}}
	cu := &listBackend{kind: CUDA, names: []string{"cu0", "cu1"}}
	backends := []Backend{cl, cu}

	b, d, err := Resolve(backends, 3)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b != cu || d.LocalIndex != 1 || d.Name != "cu1" {
		t.Errorf("Resolve(3) = %v, %+v", b.Kind(), d)
	}

	for _, id := range []int{-1, 4, 5} {
		if _, _, err := Resolve(backends, id); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("Resolve(%d) err = %v, want ErrDeviceNotFound", id, err)
		}
	}
}

func TestBatchPlan(t *testing.T) {
	tests := []struct {
		total, size uint64
		want        []Batch
	}{
		{0, 4, nil},
		{8, 4, []Batch{{0, 4}, {4, 4}}},
		{10, 4, []Batch{{0, 4}, {4, 4}, {8, 2}}},
		{3, 4, []Batch{{0, 3}}},
		{3, 0, []Batch{{0, 3}}},
	}

	for _, tt := range tests {
		got := BatchPlan(tt.total, tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("BatchPlan(%d, %d) = %v, want %v", tt.total, tt.size, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("BatchPlan(%d, %d)[%d] = %v, want %v", tt.total, tt.size, i, got[i], tt.want[i])
			}
		}
	}
}

func TestShouldReport(t *testing.T) {
	var points []int
	for i := 0; i < 25; i++ {
		if ShouldReport(i, 25, 10) {
			points = append(points, i)
		}
	}
	want := []int{0, 10, 20, 24}
	if len(points) != len(want) {
		t.Fatalf("progress points = %v, want %v", points, want)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Fatalf("progress points = %v, want %v", points, want)
		}
	}
}

func TestLoadKernelSource(t *testing.T) {
	dir := t.TempDir()
	second := filepath.Join(dir, "second.cl")
	third := filepath.Join(dir, "third.cl")
	if err := os.WriteFile(second, []byte("__kernel void a() {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(third, []byte("__kernel void b() {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, src, err := LoadKernelSource([]string{filepath.Join(dir, "missing.cl"), dir, second, third})
	if err != nil {
		t.Fatalf("LoadKernelSource: %v", err)
	}
	if path != second || string(src) != "__kernel void a() {}" {
		t.Errorf("loaded %s = %q, want the first readable file", path, src)
	}

	if _, _, err := LoadKernelSource([]string{filepath.Join(dir, "nope.cl")}); !errors.Is(err, ErrKernelSourceNotFound) {
		t.Errorf("err = %v, want ErrKernelSourceNotFound", err)
	}
}

func TestHeaderBytes(t *testing.T) {
	var h Header
	h[0] = 0x04030201
	h[19] = 0xdeadbeef

	b := h.Bytes()
	if len(b) != HeaderBytes {
		t.Fatalf("len = %d, want %d", len(b), HeaderBytes)
	}
	if b[0] != 1 || b[3] != 4 {
		t.Errorf("word 0 not little-endian: %x", b[:4])
	}
	if binary.LittleEndian.Uint32(b[76:]) != 0xdeadbeef {
		t.Errorf("word 19 = %x", b[76:])
	}
}

func TestOptions(t *testing.T) {
	o := Options{}.WithDefaults()
	if o.Policy != epoch.DefaultPolicy || o.SearchBatch != DefaultSearchBatch ||
		o.DAGBatch != DefaultDAGBatch || o.LocalSize != DefaultLocalSize || o.ProgressEvery != DefaultProgressEvery {
		t.Errorf("defaults = %+v", o)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("default options invalid: %v", err)
	}

	bad := Options{SearchBatch: 1000, LocalSize: 256}.WithDefaults()
	if err := bad.Validate(); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("err = %v, want ErrInvalidOptions", err)
	}

	var got []Progress
	o.Progress = func(p Progress) { got = append(got, p) }
	o.Report(Progress{ItemsDone: 1, ItemsTotal: 4})
	if len(got) != 1 || got[0].Percent() != 25 {
		t.Errorf("progress = %+v", got)
	}
	Options{}.Report(Progress{}) // no callback
}

func TestKindString(t *testing.T) {
	if OpenCL.String() != "opencl" || CUDA.String() != "cuda" {
		t.Error("unexpected kind names")
	}
	if k, err := ParseKind("cuda"); err != nil || k != CUDA {
		t.Errorf("ParseKind(cuda) = %v, %v", k, err)
	}
	if _, err := ParseKind("metal"); err == nil {
		t.Error("ParseKind(metal) should fail")
	}
}
