package cuda

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tos-network/apow-miner/internal/adaptivepow"
	"github.com/tos-network/apow-miner/internal/epoch"
	"github.com/tos-network/apow-miner/internal/gpu"
	"github.com/tos-network/apow-miner/internal/util"
)

const (
	kernelCache  = "generate_cache"
	kernelDAG    = "generate_dag"
	kernelSearch = "adaptivepow_search"
)

// DefaultModulePaths are searched in order for the PTX image built by `make ptx`
var DefaultModulePaths = []string{
	"adaptivepow.ptx",
	"kernels/adaptivepow.ptx",
	"../kernels/adaptivepow.ptx",
	"/usr/local/share/apow-miner/adaptivepow.ptx",
	"/usr/share/apow-miner/adaptivepow.ptx",
}

// EmulatedModulePaths point at the CUDA C source, which only the emulated
// driver accepts in place of PTX.
var EmulatedModulePaths = []string{
	"adaptivepow.cu",
	"kernels/adaptivepow.cu",
	"../kernels/adaptivepow.cu",
	"/usr/local/share/apow-miner/adaptivepow.cu",
}

// Backend is the CUDA implementation of gpu.Backend
type Backend struct {
	api  API
	opts gpu.Options
}

// New creates a backend on api. Unset options take the package defaults.
func New(api API, opts gpu.Options) *Backend {
	opts = opts.WithDefaults()
	if len(opts.KernelPaths) == 0 {
		opts.KernelPaths = DefaultModulePaths
	}
	return &Backend{api: api, opts: opts}
}

// Policy is the sizing policy datasets are generated with
func (b *Backend) Policy() epoch.Policy {
	return b.opts.Policy
}

func (b *Backend) Kind() gpu.Kind {
	return gpu.CUDA
}

func (b *Backend) describe(ordinal int) (Device, gpu.Device, error) {
	d, err := b.api.DeviceGet(ordinal)
	if err != nil {
		return 0, gpu.Device{}, err
	}
	attrs, err := b.api.DeviceAttributes(d)
	if err != nil {
		return d, gpu.Device{}, err
	}
	return d, gpu.Device{
		LocalIndex:   ordinal,
		Name:         attrs.Name,
		Memory:       attrs.TotalMem,
		FreeMemory:   attrs.TotalMem,
		ComputeUnits: attrs.MultiProcessors,
		MaxThreads:   attrs.MultiProcessors * attrs.MaxThreadsPerMP,
		Kind:         gpu.CUDA,
		KindName:     gpu.CUDA.String(),
		Available:    true,
	}, nil
}

// Devices enumerates devices in driver ordinal order
func (b *Backend) Devices() ([]gpu.Device, error) {
	n, err := b.api.DeviceCount()
	if err != nil {
		return nil, err
	}

	out := make([]gpu.Device, 0, n)
	for i := 0; i < n; i++ {
		_, dev, err := b.describe(i)
		if err != nil {
			util.Warnf("CUDA device %d: %v", i, err)
			dev = gpu.Device{LocalIndex: i, Name: fmt.Sprintf("CUDA device %d", i), Kind: gpu.CUDA, KindName: gpu.CUDA.String()}
		}
		out = append(out, dev)
	}
	return out, nil
}

// Init acquires device localIndex and allocates buffers for epoch
func (b *Backend) Init(localIndex int, e uint32) (gpu.Handle, error) {
	if err := b.opts.Validate(); err != nil {
		return nil, err
	}

	n, err := b.api.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gpu.ErrNoDevices, err)
	}
	if localIndex < 0 || localIndex >= n {
		return nil, fmt.Errorf("%w: cuda ordinal %d, %d devices", gpu.ErrDeviceNotFound, localIndex, n)
	}

	d, dev, err := b.describe(localIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gpu.ErrDeviceNotFound, err)
	}

	h := &handle{
		api:     b.api,
		opts:    b.opts,
		device:  d,
		dev:     dev,
		epoch:   e,
		dagSize: b.opts.Policy.DAGSize(e),
	}
	if err := h.init(); err != nil {
		h.release()
		return nil, err
	}

	if free, _, err := b.api.MemGetInfo(h.ctx); err == nil {
		h.dev.FreeMemory = free
	}
	util.Infof("CUDA initialized: device %d (%s), epoch %d, DAG %s",
		localIndex, h.dev.Name, e, util.HumanBytes(h.dagSize))
	return h, nil
}

type handle struct {
	api    API
	opts   gpu.Options
	device Device
	dev    gpu.Device

	ctx    Context
	module Module

	cacheFn  Function
	dagFn    Function
	searchFn Function

	dag     DevicePtr
	header  DevicePtr
	results DevicePtr
	count   DevicePtr

	epoch   uint32
	dagSize uint64
	cacheFP [32]byte
	ready   bool
	closed  bool
}

func (h *handle) init() error {
	var err error

	if h.ctx, err = h.api.CtxCreate(h.device); err != nil {
		return fmt.Errorf("%w: %w", gpu.ErrContextCreation, err)
	}

	path, image, err := gpu.LoadKernelSource(h.opts.KernelPaths)
	if err != nil {
		return err
	}

	module, jitLog, err := h.api.ModuleLoadData(h.ctx, image)
	h.module = module
	if err != nil {
		util.Errorf("CUDA module load of %s failed:\n%s", path, jitLog)
		return fmt.Errorf("%w: %s: %w", gpu.ErrProgramBuild, path, err)
	}
	util.Debugf("CUDA module %s loaded: %s", path, jitLog)

	functions := []struct {
		name string
		dst  *Function
	}{
		{kernelSearch, &h.searchFn},
		{kernelDAG, &h.dagFn},
		{kernelCache, &h.cacheFn},
	}
	for _, f := range functions {
		if *f.dst, err = h.api.ModuleGetFunction(h.module, f.name); err != nil {
			return fmt.Errorf("%w: %s: %w", gpu.ErrKernelCreation, f.name, err)
		}
	}

	if h.dag, err = h.api.MemAlloc(h.ctx, h.dagSize); err != nil {
		return fmt.Errorf("%w: dataset (%s): %w", gpu.ErrBufferAllocation, util.HumanBytes(h.dagSize), err)
	}

	buffers := []struct {
		name string
		size uint64
		dst  *DevicePtr
	}{
		{"header", gpu.HeaderBytes, &h.header},
		{"results", gpu.ResultWords * 4, &h.results},
		{"result count", 4, &h.count},
	}
	for _, buf := range buffers {
		if *buf.dst, err = h.api.MemAlloc(h.ctx, buf.size); err != nil {
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

func (h *handle) grid(items uint64) uint32 {
	local := uint64(h.opts.LocalSize)
	return uint32((items + local - 1) / local)
}

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
			if err := h.api.MemFree(h.dag); err != nil {
				util.Warnf("CUDA free of dataset buffer: %v", err)
			}
			h.dag = 0
		}
		dag, err := h.api.MemAlloc(h.ctx, size)
		if err != nil {
			return fmt.Errorf("%w: dataset (%s): %w", gpu.ErrBufferAllocation, util.HumanBytes(size), err)
		}
		h.dag = dag
	}
	h.epoch, h.dagSize = e, size

	cacheItems, dagItems := policy.CacheItems(e), policy.DAGItems(e)
	util.Infof("Generating DAG for epoch %d: %d items, cache %d items", e, dagItems, cacheItems)

	cache, err := h.api.MemAlloc(h.ctx, policy.CacheSize(e))
	if err != nil {
		return fmt.Errorf("%w: cache: %w", gpu.ErrBufferAllocation, err)
	}
	defer h.api.MemFree(cache)

	seedPtr, err := h.api.MemAlloc(h.ctx, epoch.SeedSize)
	if err != nil {
		return fmt.Errorf("%w: seed: %w", gpu.ErrBufferAllocation, err)
	}
	defer h.api.MemFree(seedPtr)

	seed := epoch.Seed(e)
	if err := h.api.MemcpyHtoD(seedPtr, seed[:]); err != nil {
		return fmt.Errorf("%w: seed upload: %w", gpu.ErrDispatch, err)
	}

	block := uint32(h.opts.LocalSize)
	if err := h.api.LaunchKernel(h.cacheFn, h.grid(cacheItems), block, seedPtr, cache, cacheItems); err != nil {
		return fmt.Errorf("%w: %s: %w", gpu.ErrDispatch, kernelCache, err)
	}
	if err := h.api.CtxSynchronize(h.ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", gpu.ErrDispatch, kernelCache, err)
	}

	plan := gpu.BatchPlan(dagItems, h.opts.DAGBatch)
	for i, batch := range plan {
		err := h.api.LaunchKernel(h.dagFn, h.grid(batch.Size), block, cache, cacheItems, h.dag, dagItems, batch.Offset)
		if err == nil {
			err = h.api.CtxSynchronize(h.ctx)
		}
		if err != nil {
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
		return h.api.MemcpyDtoH(dst, cache+DevicePtr(off))
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
	if err := h.api.MemcpyHtoD(h.header, header.Bytes()); err != nil {
		return res, fmt.Errorf("%w: header upload: %w", gpu.ErrDispatch, err)
	}
	if err := h.api.MemsetD32(h.count, 0, 1); err != nil {
		return res, fmt.Errorf("%w: result count reset: %w", gpu.ErrDispatch, err)
	}

	dagItems := h.dagSize / epoch.ItemBytes
	err := h.api.LaunchKernel(h.searchFn, h.grid(h.opts.SearchBatch), uint32(h.opts.LocalSize),
		h.dag, startNonce, h.header, target, dagItems, h.results, h.count)
	if err == nil {
		err = h.api.CtxSynchronize(h.ctx)
	}
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", gpu.ErrDispatch, kernelSearch, err)
	}

	var count [4]byte
	if err := h.api.MemcpyDtoH(count[:], h.count); err != nil {
		return res, fmt.Errorf("%w: result count readback: %w", gpu.ErrDispatch, err)
	}
	if binary.LittleEndian.Uint32(count[:]) == 0 {
		return res, nil
	}

	results := make([]byte, gpu.ResultWords*4)
	if err := h.api.MemcpyDtoH(results, h.results); err != nil {
		return res, fmt.Errorf("%w: results readback: %w", gpu.ErrDispatch, err)
	}
	res.Found = true
	res.Nonce = uint64(binary.LittleEndian.Uint32(results[4:]))<<32 | uint64(binary.LittleEndian.Uint32(results[0:]))
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

// release frees buffers, then the module, then the context. Functions are
// owned by the module.
func (h *handle) release() error {
	var errs []error
	h.searchFn, h.dagFn, h.cacheFn = 0, 0, 0
	for _, p := range []*DevicePtr{&h.dag, &h.header, &h.results, &h.count} {
		if *p != 0 {
			errs = append(errs, h.api.MemFree(*p))
			*p = 0
		}
	}
	if h.module != 0 {
		errs = append(errs, h.api.ModuleUnload(h.module))
		h.module = 0
	}
	if h.ctx != 0 {
		errs = append(errs, h.api.CtxDestroy(h.ctx))
		h.ctx = 0
	}
	return errors.Join(errs...)
}
