package opencl

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tos-network/apow-miner/internal/adaptivepow"
	"github.com/tos-network/apow-miner/internal/epoch"
	"github.com/tos-network/apow-miner/internal/gpu"
	"github.com/tos-network/apow-miner/internal/util"
)

// BuildOptions are passed to the OpenCL compiler
const BuildOptions = "-cl-mad-enable -cl-fast-relaxed-math"

const (
	kernelCache  = "generate_cache"
	kernelDAG    = "generate_dag"
	kernelSearch = "adaptivepow_search"
)

// DefaultKernelPaths are searched in order for adaptivepow.cl
var DefaultKernelPaths = []string{
	"adaptivepow.cl",
	"kernels/adaptivepow.cl",
	"../kernels/adaptivepow.cl",
	"/usr/local/share/apow-miner/adaptivepow.cl",
	"/usr/share/apow-miner/adaptivepow.cl",
}

// Backend is the OpenCL implementation of gpu.Backend
type Backend struct {
	api  API
	opts gpu.Options
}

// New creates a backend on api. Unset options take the package defaults.
func New(api API, opts gpu.Options) *Backend {
	opts = opts.WithDefaults()
	if len(opts.KernelPaths) == 0 {
		opts.KernelPaths = DefaultKernelPaths
	}
	return &Backend{api: api, opts: opts}
}

// Policy is the sizing policy datasets are generated with
func (b *Backend) Policy() epoch.Policy {
	return b.opts.Policy
}

func (b *Backend) Kind() gpu.Kind {
	return gpu.OpenCL
}

// Devices enumerates GPU devices across all platforms
func (b *Backend) Devices() ([]gpu.Device, error) {
	ids, err := b.api.Devices()
	if err != nil {
		return nil, err
	}

	out := make([]gpu.Device, 0, len(ids))
	for i, id := range ids {
		info, err := b.api.DeviceInfo(id)
		if err != nil {
			util.Warnf("OpenCL device %d: %v", i, err)
			info = DeviceInfo{Name: fmt.Sprintf("OpenCL device %d", i)}
		}
		out = append(out, gpu.Device{
			LocalIndex:   i,
			Name:         info.Name,
			Memory:       info.GlobalMem,
			FreeMemory:   info.FreeMem,
			ComputeUnits: info.ComputeUnits,
			MaxThreads:   info.ComputeUnits * info.MaxWorkGroup,
			Kind:         gpu.OpenCL,
			KindName:     gpu.OpenCL.String(),
			Available:    info.Available,
		})
	}
	return out, nil
}

// Init acquires device localIndex and allocates buffers for epoch
func (b *Backend) Init(localIndex int, e uint32) (gpu.Handle, error) {
	if err := b.opts.Validate(); err != nil {
		return nil, err
	}

	ids, err := b.api.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gpu.ErrNoDevices, err)
	}
	if localIndex < 0 || localIndex >= len(ids) {
		return nil, fmt.Errorf("%w: opencl index %d, %d devices", gpu.ErrDeviceNotFound, localIndex, len(ids))
	}

	h := &handle{
		api:     b.api,
		opts:    b.opts,
		id:      ids[localIndex],
		epoch:   e,
		dagSize: b.opts.Policy.DAGSize(e),
	}
	if info, err := b.api.DeviceInfo(h.id); err == nil {
		h.dev = gpu.Device{
			LocalIndex:   localIndex,
			Name:         info.Name,
			Memory:       info.GlobalMem,
			FreeMemory:   info.FreeMem,
			ComputeUnits: info.ComputeUnits,
			MaxThreads:   info.ComputeUnits * info.MaxWorkGroup,
			Kind:         gpu.OpenCL,
			KindName:     gpu.OpenCL.String(),
			Available:    info.Available,
		}
	}

	if err := h.init(); err != nil {
		h.release()
		return nil, err
	}

	util.Infof("OpenCL initialized: device %d (%s), epoch %d, DAG %s",
		localIndex, h.dev.Name, e, util.HumanBytes(h.dagSize))
	return h, nil
}

type handle struct {
	api  API
	opts gpu.Options
	id   DeviceID
	dev  gpu.Device

	ctx     Context
	queue   Queue
	program Program

	cacheKernel  Kernel
	dagKernel    Kernel
	searchKernel Kernel

	dag     Mem
	header  Mem
	results Mem
	count   Mem

	epoch   uint32
	dagSize uint64
	cacheFP [32]byte
	ready   bool
	closed  bool
}

func (h *handle) init() error {
	var err error

	if h.ctx, err = h.api.CreateContext(h.id); err != nil {
		return fmt.Errorf("%w: %w", gpu.ErrContextCreation, err)
	}
	if h.queue, err = h.api.CreateQueue(h.ctx, h.id); err != nil {
		return fmt.Errorf("%w: %w", gpu.ErrQueueCreation, err)
	}

	path, src, err := gpu.LoadKernelSource(h.opts.KernelPaths)
	if err != nil {
		return err
	}

	program, buildLog, err := h.api.BuildProgram(h.ctx, h.id, src, BuildOptions)
	h.program = program
	if err != nil {
		util.Errorf("OpenCL build of %s failed:\n%s", path, buildLog)
		return fmt.Errorf("%w: %s: %w", gpu.ErrProgramBuild, path, err)
	}
	util.Debugf("OpenCL program %s built: %s", path, buildLog)

	kernels := []struct {
		name string
		dst  *Kernel
	}{
		{kernelSearch, &h.searchKernel},
		{kernelDAG, &h.dagKernel},
		{kernelCache, &h.cacheKernel},
	}
	for _, k := range kernels {
		if *k.dst, err = h.api.CreateKernel(h.program, k.name); err != nil {
			return fmt.Errorf("%w: %s: %w", gpu.ErrKernelCreation, k.name, err)
		}
	}

	if h.dag, err = h.api.CreateBuffer(h.ctx, MemReadOnly, h.dagSize); err != nil {
		return fmt.Errorf("%w: dataset (%s): %w", gpu.ErrBufferAllocation, util.HumanBytes(h.dagSize), err)
	}

	buffers := []struct {
		name  string
		flags MemFlags
		size  uint64
		dst   *Mem
	}{
		{"header", MemReadOnly, gpu.HeaderBytes, &h.header},
		{"results", MemWriteOnly, gpu.ResultWords * 4, &h.results},
		{"result count", MemReadWrite, 4, &h.count},
	}
	for _, buf := range buffers {
		if *buf.dst, err = h.api.CreateBuffer(h.ctx, buf.flags, buf.size); err != nil {
			return fmt.Errorf("%w: %s: %w", gpu.ErrBufferAllocation, buf.name, err)
		}
	}
	return nil
}

func (h *handle) Device() gpu.Device { return h.dev }
func (h *handle) DatasetReady() bool { return h.ready }
func (h *handle) Epoch() uint32      { return h.epoch }
func (h *handle) DAGSize() uint64    { return h.dagSize }

func (h *handle) CacheFingerprint() [32]byte { return h.cacheFP }

// GenerateDAG builds the cache and then the dataset in batches
func (h *handle) GenerateDAG(e uint32) error {
	if h.closed {
		return gpu.ErrReleased
	}
	h.ready = false
	h.cacheFP = [32]byte{}

	policy := h.opts.Policy
	size := policy.DAGSize(e)
	if h.dag == 0 || size != h.dagSize {
		if h.dag != 0 {
			if err := h.api.ReleaseMem(h.dag); err != nil {
				util.Warnf("OpenCL release of dataset buffer: %v", err)
			}
			h.dag = 0
		}
		dag, err := h.api.CreateBuffer(h.ctx, MemReadOnly, size)
		if err != nil {
			return fmt.Errorf("%w: dataset (%s): %w", gpu.ErrBufferAllocation, util.HumanBytes(size), err)
		}
		h.dag = dag
	}
	h.epoch, h.dagSize = e, size

	cacheItems, dagItems := policy.CacheItems(e), policy.DAGItems(e)
	util.Infof("Generating DAG for epoch %d: %d items, cache %d items", e, dagItems, cacheItems)

	cache, err := h.api.CreateBuffer(h.ctx, MemReadWrite, policy.CacheSize(e))
	if err != nil {
		return fmt.Errorf("%w: cache: %w", gpu.ErrBufferAllocation, err)
	}
	defer h.api.ReleaseMem(cache)

	seedBuf, err := h.api.CreateBuffer(h.ctx, MemReadOnly, epoch.SeedSize)
	if err != nil {
		return fmt.Errorf("%w: seed: %w", gpu.ErrBufferAllocation, err)
	}
	defer h.api.ReleaseMem(seedBuf)

	seed := epoch.Seed(e)
	if err := h.api.EnqueueWrite(h.queue, seedBuf, 0, seed[:]); err != nil {
		return fmt.Errorf("%w: seed upload: %w", gpu.ErrDispatch, err)
	}

	local := uint64(h.opts.LocalSize)
	if err := h.setArgs(h.cacheKernel, seedBuf, cache, cacheItems); err != nil {
		return err
	}
	if err := h.api.EnqueueNDRange(h.queue, h.cacheKernel, 0, roundUp(cacheItems, local), local); err != nil {
		return fmt.Errorf("%w: %s: %w", gpu.ErrDispatch, kernelCache, err)
	}
	if err := h.api.Finish(h.queue); err != nil {
		return fmt.Errorf("%w: %s: %w", gpu.ErrDispatch, kernelCache, err)
	}

	if err := h.setArgs(h.dagKernel, cache, cacheItems, h.dag, dagItems); err != nil {
		return err
	}

	plan := gpu.BatchPlan(dagItems, h.opts.DAGBatch)
	for i, batch := range plan {
		if err := h.api.EnqueueNDRange(h.queue, h.dagKernel, batch.Offset, roundUp(batch.Size, local), local); err != nil {
			return fmt.Errorf("%w: %s batch %d/%d: %w", gpu.ErrDispatch, kernelDAG, i+1, len(plan), err)
		}
		if err := h.api.Finish(h.queue); err != nil {
			return fmt.Errorf("%w: %s batch %d/%d: %w", gpu.ErrDispatch, kernelDAG, i+1, len(plan), err)
		}
		if gpu.ShouldReport(i, len(plan), h.opts.ProgressEvery) {
			h.opts.Report(gpu.Progress{
				Epoch:      e,
				Batch:      i + 1,
				Batches:    len(plan),
				ItemsDone:  batch.Offset + batch.Size,
				ItemsTotal: dagItems,
				CacheItems: cacheItems,
			})
		}
	}

	fp, err := adaptivepow.FingerprintChunked(policy.CacheSize(e), gpu.ReadbackChunk, func(off uint64, dst []byte) error {
		return h.api.EnqueueRead(h.queue, cache, off, dst)
	})
	if err != nil {
		return fmt.Errorf("%w: cache readback: %w", gpu.ErrDispatch, err)
	}

	h.cacheFP = fp
	h.ready = true
	h.opts.Report(gpu.Progress{
		Epoch:       e,
		Batch:       len(plan),
		Batches:     len(plan),
		ItemsDone:   dagItems,
		ItemsTotal:  dagItems,
		CacheItems:  cacheItems,
		Fingerprint: fp,
		Done:        true,
	})
	util.Infof("DAG for epoch %d complete (cache fingerprint %x)", e, fp[:8])
	return nil
}

// Search runs one batch. The batch is charged even when the launch fails.
func (h *handle) Search(header *gpu.Header, target, startNonce uint64) (gpu.SearchResult, error) {
	if h.closed {
		return gpu.SearchResult{}, gpu.ErrReleased
	}
	if !h.ready {
		return gpu.SearchResult{}, gpu.ErrDatasetNotReady
	}

	res := gpu.SearchResult{HashCount: h.opts.SearchBatch}
	if err := h.api.EnqueueWrite(h.queue, h.header, 0, header.Bytes()); err != nil {
		return res, fmt.Errorf("%w: header upload: %w", gpu.ErrDispatch, err)
	}
	if err := h.api.EnqueueWrite(h.queue, h.count, 0, make([]byte, 4)); err != nil {
		return res, fmt.Errorf("%w: result count reset: %w", gpu.ErrDispatch, err)
	}

	dagItems := h.dagSize / epoch.ItemBytes
	if err := h.setArgs(h.searchKernel, h.dag, startNonce, h.header, target, dagItems, h.results, h.count); err != nil {
		return res, err
	}
	if err := h.api.EnqueueNDRange(h.queue, h.searchKernel, 0, h.opts.SearchBatch, uint64(h.opts.LocalSize)); err != nil {
		return res, fmt.Errorf("%w: %s: %w", gpu.ErrDispatch, kernelSearch, err)
	}
	if err := h.api.Finish(h.queue); err != nil {
		return res, fmt.Errorf("%w: %s: %w", gpu.ErrDispatch, kernelSearch, err)
	}

	var count [4]byte
	if err := h.api.EnqueueRead(h.queue, h.count, 0, count[:]); err != nil {
		return res, fmt.Errorf("%w: result count readback: %w", gpu.ErrDispatch, err)
	}
	if binary.LittleEndian.Uint32(count[:]) == 0 {
		return res, nil
	}

	results := make([]byte, gpu.ResultWords*4)
	if err := h.api.EnqueueRead(h.queue, h.results, 0, results); err != nil {
		return res, fmt.Errorf("%w: results readback: %w", gpu.ErrDispatch, err)
	}
	res.Found = true
	res.Nonce = decodeNonce(results)
	return res, nil
}

// Close releases everything. Later calls are no-ops.
func (h *handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.ready = false
	return h.release()
}

// release frees whatever has been acquired, in dependency order
func (h *handle) release() error {
	var errs []error
	for _, k := range []*Kernel{&h.searchKernel, &h.dagKernel, &h.cacheKernel} {
		if *k != 0 {
			errs = append(errs, h.api.ReleaseKernel(*k))
			*k = 0
		}
	}
	for _, m := range []*Mem{&h.dag, &h.header, &h.results, &h.count} {
		if *m != 0 {
			errs = append(errs, h.api.ReleaseMem(*m))
			*m = 0
		}
	}
	if h.program != 0 {
		errs = append(errs, h.api.ReleaseProgram(h.program))
		h.program = 0
	}
	if h.queue != 0 {
		errs = append(errs, h.api.ReleaseQueue(h.queue))
		h.queue = 0
	}
	if h.ctx != 0 {
		errs = append(errs, h.api.ReleaseContext(h.ctx))
		h.ctx = 0
	}
	return errors.Join(errs...)
}

func (h *handle) setArgs(k Kernel, args ...any) error {
	for i, a := range args {
		if err := h.api.SetKernelArg(k, i, a); err != nil {
			return fmt.Errorf("%w: argument %d: %w", gpu.ErrDispatch, i, err)
		}
	}
	return nil
}

func roundUp(n, multiple uint64) uint64 {
	return (n + multiple - 1) / multiple * multiple
}

// decodeNonce reads the first lo/hi slot of the results buffer
func decodeNonce(results []byte) uint64 {
	lo := binary.LittleEndian.Uint32(results[0:])
	hi := binary.LittleEndian.Uint32(results[4:])
	return uint64(hi)<<32 | uint64(lo)
}
