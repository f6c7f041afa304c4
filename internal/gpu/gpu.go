// Package gpu defines the compute backend contract shared by the OpenCL and
// CUDA implementations, along with device enumeration, kernel source
// resolution and DAG batch planning.
package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/tos-network/apow-miner/internal/epoch"
)

// Kind identifies a native compute API
type Kind int

const (
	OpenCL Kind = iota
	CUDA
)

func (k Kind) String() string {
	switch k {
	case OpenCL:
		return "opencl"
	case CUDA:
		return "cuda"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config name onto a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "opencl", "OpenCL":
		return OpenCL, nil
	case "cuda", "CUDA":
		return CUDA, nil
	default:
		return 0, fmt.Errorf("unknown backend kind %q", s)
	}
}

// Device is a capability snapshot taken at enumeration time
type Device struct {
	ID           int    `json:"id"`
	LocalIndex   int    `json:"local_index"`
	Name         string `json:"name"`
	Memory       uint64 `json:"memory"`
	FreeMemory   uint64 `json:"free_memory"`
	ComputeUnits int    `json:"compute_units"`
	MaxThreads   int    `json:"max_threads"`
	Kind         Kind   `json:"-"`
	KindName     string `json:"kind"`
	Available    bool   `json:"available"`
}

// HeaderWords is the header length in 32-bit words
const HeaderWords = 20

// HeaderBytes is the header length uploaded to a device
const HeaderBytes = HeaderWords * 4

// Header is the search input: words 0-7 previous hash, 8-15 merkle root,
// 16 time, 17 compact bits, 18-19 nonce (filled per thread on the device).
type Header [HeaderWords]uint32

// Bytes returns the little-endian upload image of the header
func (h *Header) Bytes() []byte {
	out := make([]byte, HeaderBytes)
	for i, w := range h {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// SearchResult is the outcome of one search batch
type SearchResult struct {
	Found     bool
	Nonce     uint64
	HashCount uint64
}

// Backend is one native compute API
type Backend interface {
	Kind() Kind
	// Policy is the sizing policy every handle of this backend generates with
	Policy() epoch.Policy
	// Devices enumerates this backend's devices in its own order, with
	// LocalIndex set and ID left for Enumerate to assign.
	Devices() ([]Device, error)
	// Init acquires a device, builds the program and allocates buffers sized
	// for epoch. Any failure releases everything acquired so far.
	Init(localIndex int, epoch uint32) (Handle, error)
}

// Handle owns the device resources of one initialized backend
type Handle interface {
	// GenerateDAG builds the dataset for epoch, clearing readiness first and
	// resizing the dataset buffer when the size changed.
	GenerateDAG(epoch uint32) error
	// Search runs one batch starting at startNonce. HashCount is always the
	// batch size, found or not.
	Search(header *Header, target uint64, startNonce uint64) (SearchResult, error)
	// Close releases all device resources. Calling it again is a no-op.
	Close() error

	Device() Device
	DatasetReady() bool
	Epoch() uint32
	DAGSize() uint64
	// CacheFingerprint is the fingerprint of the cache behind the current
	// dataset, zero until a generation completes
	CacheFingerprint() [32]byte
}

// Progress is reported while a dataset is generated
type Progress struct {
	Epoch       uint32
	Batch       int
	Batches     int
	ItemsDone   uint64
	ItemsTotal  uint64
	CacheItems  uint64
	Fingerprint [32]byte
	Done        bool
}

// Percent returns the completed share in [0, 100]
func (p Progress) Percent() float64 {
	if p.ItemsTotal == 0 {
		return 100
	}
	return 100 * float64(p.ItemsDone) / float64(p.ItemsTotal)
}

const (
	// DefaultSearchBatch is the number of nonces per search call (8192 x 256)
	DefaultSearchBatch = 8192 * 256

	// DefaultDAGBatch is the number of dataset items per generation launch
	DefaultDAGBatch = 1 << 20

	// DefaultLocalSize is the work-group / block size
	DefaultLocalSize = 256

	// DefaultProgressEvery reports progress every Nth DAG batch
	DefaultProgressEvery = 10

	// ResultSlots is the number of nonces the results buffer can hold
	ResultSlots = 16

	// ResultWords is the results buffer size in 32-bit words (lo, hi pairs)
	ResultWords = ResultSlots * 2

	// ReadbackChunk bounds host memory used when reading a device buffer back
	ReadbackChunk = 4 << 20
)

// Options configures a backend
type Options struct {
	Policy        epoch.Policy
	SearchBatch   uint64
	DAGBatch      uint64
	LocalSize     int
	ProgressEvery int
	Progress      func(Progress)
	KernelPaths   []string
}

// WithDefaults fills unset fields
func (o Options) WithDefaults() Options {
	if o.Policy == (epoch.Policy{}) {
		o.Policy = epoch.DefaultPolicy
	}
	if o.SearchBatch == 0 {
		o.SearchBatch = DefaultSearchBatch
	}
	if o.DAGBatch == 0 {
		o.DAGBatch = DefaultDAGBatch
	}
	if o.LocalSize <= 0 {
		o.LocalSize = DefaultLocalSize
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = DefaultProgressEvery
	}
	return o
}

// Validate rejects option combinations no device could run
func (o Options) Validate() error {
	if err := o.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if o.SearchBatch%uint64(o.LocalSize) != 0 {
		return fmt.Errorf("%w: search batch %d is not a multiple of local size %d",
			ErrInvalidOptions, o.SearchBatch, o.LocalSize)
	}
	return nil
}

// Report calls the progress callback if one is set
func (o Options) Report(p Progress) {
	if o.Progress != nil {
		o.Progress(p)
	}
}
