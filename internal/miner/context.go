// Package miner drives one GPU device through the dataset and search lifecycle.
package miner

import (
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/apow-miner/internal/adaptivepow"
	"github.com/tos-network/apow-miner/internal/epoch"
	"github.com/tos-network/apow-miner/internal/gpu"
	"github.com/tos-network/apow-miner/internal/util"
)

const (
	DefaultResultQueue = 16
	MinResultQueue     = 2
)

// Verifier recomputes a candidate on the host before it is reported
type Verifier interface {
	Verify(epoch uint32, header [gpu.HeaderWords]uint32, nonce, target uint64) (bool, error)
}

// cacheFingerprinter is implemented by verifiers that can fingerprint the
// cache they verify against
type cacheFingerprinter interface {
	CacheFingerprint(epoch uint32) [32]byte
}

// Options configures a Context
type Options struct {
	DeviceID int
	Epoch    uint32
	// Policy, when set, must match the policy of the device's backend
	Policy epoch.Policy
	// StartNonce seeds the nonce cursor
	StartNonce  uint64
	ResultQueue int
	// Verify enables host-side recomputation of every found nonce
	Verify   bool
	Verifier Verifier
	Clock    func() time.Time
}

// Result is a verified candidate waiting for the consumer
type Result struct {
	Found  bool      `json:"found"`
	Nonce  uint64    `json:"nonce"`
	JobID  string    `json:"jobId"`
	Epoch  uint32    `json:"epoch"`
	Target uint64    `json:"target"`
	Time   time.Time `json:"time"`
}

// Stats is a point-in-time snapshot of a Context
type Stats struct {
	DeviceID         int           `json:"deviceId"`
	DeviceName       string        `json:"deviceName"`
	Backend          string        `json:"backend"`
	Epoch            uint32        `json:"epoch"`
	DAGSize          uint64        `json:"dagSize"`
	DatasetReady     bool          `json:"datasetReady"`
	Hashes           uint64        `json:"hashes"`
	Hashrate         float64       `json:"hashrate"`
	Uptime           time.Duration `json:"uptime"`
	NonceCursor      uint64        `json:"nonceCursor"`
	Batches          uint64        `json:"batches"`
	FailedBatches    uint64        `json:"failedBatches"`
	Solutions        uint64        `json:"solutions"`
	InvalidSolutions uint64        `json:"invalidSolutions"`
	DroppedResults   uint64        `json:"droppedResults"`
	PendingResults   int           `json:"pendingResults"`
	Accepted         uint64        `json:"accepted"`
	Rejected         uint64        `json:"rejected"`
	// Temperature and Power are not read from the device yet and stay zero
	Temperature float64 `json:"temperature"`
	Power       float64 `json:"power"`
}

// Context owns one initialized device handle. Methods are safe for
// concurrent use but serialize on the device.
type Context struct {
	mu       sync.Mutex
	handle   gpu.Handle
	backend  gpu.Backend
	device   gpu.Device
	policy   epoch.Policy
	verify   bool
	verifier Verifier
	clock    func() time.Time

	epoch   uint32
	ready   bool
	closed  bool
	cursor  uint64
	started time.Time
	results *resultQueue

	hashes        uint64
	batches       uint64
	failedBatches uint64
	solutions     uint64
	invalid       uint64
	dropped       uint64
	accepted      uint64
	rejected      uint64
}

// New resolves DeviceID across backends and initializes it for opts.Epoch.
// The dataset is not generated; call GenerateDAG before submitting jobs.
func New(backends []gpu.Backend, opts Options) (*Context, error) {
	if opts.Policy != (epoch.Policy{}) {
		if err := opts.Policy.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", gpu.ErrInvalidOptions, err)
		}
	}
	if opts.ResultQueue == 0 {
		opts.ResultQueue = DefaultResultQueue
	}
	if opts.ResultQueue < MinResultQueue {
		return nil, fmt.Errorf("%w: result queue %d below %d", gpu.ErrInvalidOptions, opts.ResultQueue, MinResultQueue)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DeviceID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDevice, opts.DeviceID)
	}

	backend, device, err := gpu.Resolve(backends, opts.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}

	// The device generates with its backend's policy; verification and
	// reported sizes must use the same one
	policy := backend.Policy()
	if opts.Policy != (epoch.Policy{}) && opts.Policy != policy {
		return nil, fmt.Errorf("%w: sizing policy %+v differs from the %s backend's %+v",
			gpu.ErrInvalidOptions, opts.Policy, device.KindName, policy)
	}
	if opts.Verify && opts.Verifier == nil {
		opts.Verifier = adaptivepow.NewLightVerifier(policy)
	}

	util.Infof("Initializing %s device %d (%s) for epoch %d", device.KindName, device.ID, device.Name, opts.Epoch)
	handle, err := backend.Init(device.LocalIndex, opts.Epoch)
	if err != nil {
		return nil, fmt.Errorf("init device %d: %w", device.ID, err)
	}
	// the handle knows memory figures after allocation; identity stays global
	hd := handle.Device()
	hd.ID, hd.LocalIndex, hd.Kind, hd.KindName = device.ID, device.LocalIndex, device.Kind, device.KindName
	device = hd

	return &Context{
		handle:   handle,
		backend:  backend,
		device:   device,
		policy:   policy,
		verify:   opts.Verify || opts.Verifier != nil,
		verifier: opts.Verifier,
		clock:    opts.Clock,
		epoch:    opts.Epoch,
		cursor:   opts.StartNonce,
		started:  opts.Clock(),
		results:  newResultQueue(opts.ResultQueue),
	}, nil
}

// GenerateDAG builds the dataset for the current epoch
func (c *Context) GenerateDAG() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.ready {
		return fmt.Errorf("%w: epoch %d", ErrDatasetReady, c.epoch)
	}
	return c.generateLocked()
}

func (c *Context) generateLocked() error {
	start := c.clock()
	if err := c.handle.GenerateDAG(c.epoch); err != nil {
		util.Errorf("Dataset generation for epoch %d failed: %v", c.epoch, err)
		return fmt.Errorf("generate dataset for epoch %d: %w", c.epoch, err)
	}
	if err := c.checkFingerprintLocked(); err != nil {
		util.Errorf("Dataset for epoch %d rejected: %v", c.epoch, err)
		return err
	}
	c.ready = true
	util.Infof("Dataset for epoch %d ready (%s) in %v",
		c.epoch, util.HumanBytes(c.policy.DAGSize(c.epoch)), c.clock().Sub(start))
	return nil
}

// checkFingerprintLocked compares the device cache with the verifier's.
// A device that built a different cache would fail every verification.
func (c *Context) checkFingerprintLocked() error {
	if !c.verify {
		return nil
	}
	fv, ok := c.verifier.(cacheFingerprinter)
	if !ok {
		return nil
	}
	device, host := c.handle.CacheFingerprint(), fv.CacheFingerprint(c.epoch)
	if device != host {
		return fmt.Errorf("%w: epoch %d device %x host %x", ErrDatasetMismatch, c.epoch, device[:8], host[:8])
	}
	return nil
}

// DatasetReady reports whether jobs can be submitted
func (c *Context) DatasetReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// SubmitJob runs one search batch for job starting at the nonce cursor.
// It reports whether a verified result was queued. The cursor advances by
// the batch size whether or not the dispatch succeeded.
func (c *Context) SubmitJob(job *Job) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	if !c.ready {
		return false, fmt.Errorf("%w: epoch %d", gpu.ErrDatasetNotReady, c.epoch)
	}

	header := job.Header()
	tgt := job.EffectiveTarget()
	start := c.cursor

	res, err := c.handle.Search(&header, tgt, start)
	c.hashes += res.HashCount
	c.cursor += res.HashCount
	c.batches++
	if err != nil {
		c.failedBatches++
		return false, fmt.Errorf("search job %s at nonce %d: %w", job.ID, start, err)
	}
	if !res.Found {
		return false, nil
	}

	if c.verify {
		ok, verr := c.verifier.Verify(c.epoch, header, res.Nonce, tgt)
		if verr != nil || !ok {
			c.invalid++
			util.Warnf("Device %d reported nonce %#x for job %s that failed host verification: %v",
				c.device.ID, res.Nonce, job.ID, verr)
			return false, nil
		}
	}

	c.solutions++
	if c.results.push(Result{
		Found:  true,
		Nonce:  res.Nonce,
		JobID:  job.ID,
		Epoch:  c.epoch,
		Target: tgt,
		Time:   c.clock(),
	}) {
		c.dropped++
		util.Warnf("Result queue full, dropped oldest result")
	}
	util.Infof("Solution found for job %s: nonce %#x", job.ID, res.Nonce)
	return true, nil
}

// GetResult pops the oldest queued result
func (c *Context) GetResult() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results.pop()
}

// UpdateEpoch switches to e and regenerates the dataset synchronously.
// On failure the context stays on e with no dataset.
func (c *Context) UpdateEpoch(e uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	prev := c.epoch
	c.epoch = e
	c.ready = false
	util.Infof("Switching device %d from epoch %d to %d", c.device.ID, prev, e)
	return c.generateLocked()
}

// RecordShare counts the outcome of a submission made by the caller
func (c *Context) RecordShare(accepted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if accepted {
		c.accepted++
	} else {
		c.rejected++
	}
}

// Stats returns a snapshot of the counters
func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	uptime := c.clock().Sub(c.started)
	var rate float64
	if uptime > 0 {
		rate = float64(c.hashes) / uptime.Seconds()
	}
	return Stats{
		DeviceID:         c.device.ID,
		DeviceName:       c.device.Name,
		Backend:          c.device.KindName,
		Epoch:            c.epoch,
		DAGSize:          c.policy.DAGSize(c.epoch),
		DatasetReady:     c.ready,
		Hashes:           c.hashes,
		Hashrate:         rate,
		Uptime:           uptime,
		NonceCursor:      c.cursor,
		Batches:          c.batches,
		FailedBatches:    c.failedBatches,
		Solutions:        c.solutions,
		InvalidSolutions: c.invalid,
		DroppedResults:   c.dropped,
		PendingResults:   c.results.len(),
		Accepted:         c.accepted,
		Rejected:         c.rejected,
	}
}

// Shutdown releases the device. Every later call fails with ErrClosed.
func (c *Context) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.closed = true
	c.ready = false
	util.Infof("Releasing device %d", c.device.ID)
	return c.handle.Close()
}

// Policy is the sizing policy of the device's backend
func (c *Context) Policy() epoch.Policy {
	return c.policy
}

func (c *Context) Device() gpu.Device {
	return c.device
}

func (c *Context) Epoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Context) NonceCursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// SetNonceCursor moves the cursor, e.g. when a new job resets the nonce space
func (c *Context) SetNonceCursor(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = n
}
