// Package engine runs a miner context on its own goroutine and connects it
// to storage, notifications, APM and the API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/apow-miner/internal/epoch"
	"github.com/tos-network/apow-miner/internal/gpu"
	"github.com/tos-network/apow-miner/internal/miner"
	"github.com/tos-network/apow-miner/internal/newrelic"
	"github.com/tos-network/apow-miner/internal/notify"
	"github.com/tos-network/apow-miner/internal/storage"
	"github.com/tos-network/apow-miner/internal/util"
)

const (
	// DefaultStatsInterval is how often the idle loop republishes stats
	DefaultStatsInterval = 5 * time.Second

	// DefaultSampleInterval is how often stats samples are stored
	DefaultSampleInterval = time.Minute

	// DefaultHashrateWindow bounds stored samples
	DefaultHashrateWindow = 24 * time.Hour

	// RegenerateBackoff is the wait before retrying a failed dataset
	RegenerateBackoff = 30 * time.Second

	// DispatchBackoff is the pause after a failed search batch
	DispatchBackoff = time.Second

	shareQueueSize  = 1024
	recentSolutions = 100
	recentSamples   = 1440
)

// State describes what the mining loop is doing
type State string

const (
	StateStarting   State = "starting"
	StateGenerating State = "generating"
	StateWaiting    State = "waiting"
	StateMining     State = "mining"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

var ErrNotRunning = errors.New("engine not running")

// Options configures an Engine. Store, Notifier and Agent are optional.
type Options struct {
	Name     string
	Miner    *miner.Context
	Devices  []gpu.Device
	Policy   epoch.Policy
	Store    storage.Store
	Notifier *notify.Notifier
	Agent    *newrelic.Agent
	// OnResult is called on the mining goroutine for every verified result
	OnResult func(miner.Result)

	AutoEpoch bool
	// Genesis is the unix time epoch 0 starts at
	Genesis uint64

	StatsInterval  time.Duration
	SampleInterval time.Duration
	HashrateWindow time.Duration
	Clock          func() time.Time
}

// Snapshot is the published view of the engine, safe to read concurrently
type Snapshot struct {
	miner.Stats
	Name        string `json:"name"`
	State       State  `json:"state"`
	JobID       string `json:"jobId"`
	AutoEpoch   bool   `json:"autoEpoch"`
	Fingerprint string `json:"datasetFingerprint"`
	// DatasetProgress is the completed share of the last dataset build, 0-100
	DatasetProgress float64   `json:"datasetProgress"`
	LastError       string    `json:"lastError,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type shareOutcome struct {
	jobID    string
	nonce    string
	accepted bool
}

// Engine owns a miner.Context. Only the mining goroutine touches the device.
type Engine struct {
	opts Options
	mc   *miner.Context

	state   atomic.Value // State
	lastErr atomic.Value // string
	snap    atomic.Pointer[Snapshot]

	jobMu   sync.Mutex
	pending *miner.Job
	jobChan chan struct{}

	shareChan chan shareOutcome

	fpMu         sync.Mutex
	fingerprints map[uint32][32]byte
	progress     atomic.Uint64 // float64 bits

	memMu     sync.Mutex
	solutions []*storage.Solution
	samples   []*storage.StatsSample
	datasets  map[uint32]*storage.DatasetRecord

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine around an initialized context
func New(opts Options) (*Engine, error) {
	if opts.Miner == nil {
		return nil, fmt.Errorf("engine needs a miner context")
	}
	if opts.Policy == (epoch.Policy{}) {
		opts.Policy = opts.Miner.Policy()
	} else if opts.Policy != opts.Miner.Policy() {
		return nil, fmt.Errorf("%w: engine policy %+v differs from the device's %+v",
			gpu.ErrInvalidOptions, opts.Policy, opts.Miner.Policy())
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.HashrateWindow <= 0 {
		opts.HashrateWindow = DefaultHashrateWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Name == "" {
		opts.Name = "apow-miner"
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:         opts,
		mc:           opts.Miner,
		jobChan:      make(chan struct{}, 1),
		shareChan:    make(chan shareOutcome, shareQueueSize),
		fingerprints: make(map[uint32][32]byte),
		datasets:     make(map[uint32]*storage.DatasetRecord),
		ctx:          ctx,
		cancel:       cancel,
	}
	e.state.Store(StateStarting)
	e.lastErr.Store("")
	e.publish(nil)
	return e, nil
}

// ObserveProgress receives backend progress; completed reports carry the
// cache fingerprint recorded with the dataset
func (e *Engine) ObserveProgress(p gpu.Progress) {
	e.progress.Store(math.Float64bits(p.Percent()))
	if !p.Done {
		return
	}
	e.fpMu.Lock()
	e.fingerprints[p.Epoch] = p.Fingerprint
	e.fpMu.Unlock()
}

func (e *Engine) fingerprint(ep uint32) string {
	e.fpMu.Lock()
	defer e.fpMu.Unlock()
	fp, ok := e.fingerprints[ep]
	if !ok {
		return ""
	}
	return util.BytesToHex(fp[:])
}

// Start generates the dataset for the starting epoch and launches the loops.
// A dataset failure is returned; the engine does not start.
func (e *Engine) Start() error {
	util.Infof("Starting engine %s on device %d", e.opts.Name, e.mc.Device().ID)

	if e.opts.AutoEpoch {
		if want := e.wallEpoch(); want != e.mc.Epoch() {
			if err := e.switchEpoch(want); err != nil {
				return err
			}
		}
	}
	if !e.mc.DatasetReady() {
		if err := e.generate(e.mc.Epoch(), e.mc.GenerateDAG); err != nil {
			return err
		}
	}
	e.setState(StateWaiting)
	e.publish(nil)

	e.running.Store(true)

	e.wg.Add(1)
	go e.mineLoop()

	e.wg.Add(1)
	go e.sampleLoop()

	util.Info("Engine started")
	return nil
}

// Stop halts the loops and releases the device
func (e *Engine) Stop() error {
	util.Info("Stopping engine...")
	e.running.Store(false)
	e.cancel()
	e.wg.Wait()

	err := e.mc.Shutdown()
	if errors.Is(err, miner.ErrClosed) {
		err = nil
	}
	if e.opts.Notifier != nil {
		e.opts.Notifier.Wait()
	}
	e.setState(StateStopped)
	e.publish(nil)
	util.Info("Engine stopped")
	return err
}

// SubmitJob replaces the pending job. The mining loop picks up the latest
// job between batches; older pending jobs are discarded.
func (e *Engine) SubmitJob(job *miner.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	e.jobMu.Lock()
	e.pending = job
	e.jobMu.Unlock()

	select {
	case e.jobChan <- struct{}{}:
	default:
	}
	return nil
}

// takeJob returns the pending job, if any, and clears it
func (e *Engine) takeJob() *miner.Job {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	job := e.pending
	e.pending = nil
	return job
}

// RecordShare forwards the job source's verdict on a solution to the
// mining goroutine. nonce is empty or the 16-digit hex form solutions are
// stored under.
func (e *Engine) RecordShare(jobID, nonce string, accepted bool) error {
	if nonce != "" && !util.ValidateNonce(nonce) {
		return fmt.Errorf("invalid nonce %q: want 16 hex digits", nonce)
	}
	if !e.running.Load() {
		return ErrNotRunning
	}
	select {
	case e.shareChan <- shareOutcome{jobID: jobID, nonce: nonce, accepted: accepted}:
		return nil
	default:
		return fmt.Errorf("share queue full")
	}
}

// Snapshot returns the latest published stats with the live dataset progress
func (e *Engine) Snapshot() Snapshot {
	s := *e.snap.Load()
	s.DatasetProgress = math.Float64frombits(e.progress.Load())
	return s
}

// Devices returns the devices enumerated at startup
func (e *Engine) Devices() []gpu.Device {
	return e.opts.Devices
}

// RecentSolutions returns the newest solutions from the store, or from
// memory when no store is configured
func (e *Engine) RecentSolutions(limit int64) ([]*storage.Solution, error) {
	if e.opts.Store != nil {
		return e.opts.Store.RecentSolutions(limit)
	}

	e.memMu.Lock()
	defer e.memMu.Unlock()
	out := make([]*storage.Solution, 0, len(e.solutions))
	for i := len(e.solutions) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		s := *e.solutions[i]
		out = append(out, &s)
	}
	return out, nil
}

// Dataset returns the generation record for epoch ep, from the store or
// from memory when no store is configured
func (e *Engine) Dataset(ep uint32) (*storage.DatasetRecord, error) {
	if e.opts.Store != nil {
		return e.opts.Store.Dataset(ep)
	}

	e.memMu.Lock()
	defer e.memMu.Unlock()
	rec, ok := e.datasets[ep]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *rec
	return &c, nil
}

// HashrateHistory returns stats samples within window, oldest first
func (e *Engine) HashrateHistory(window time.Duration) ([]*storage.StatsSample, error) {
	since := e.opts.Clock().Add(-window)
	if e.opts.Store != nil {
		return e.opts.Store.Samples(since)
	}

	e.memMu.Lock()
	defer e.memMu.Unlock()
	var out []*storage.StatsSample
	for _, s := range e.samples {
		if s.Timestamp >= since.Unix() {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (e *Engine) setState(s State) {
	e.state.Store(s)
}

func (e *Engine) setError(err error) {
	if err == nil {
		e.lastErr.Store("")
		return
	}
	e.lastErr.Store(err.Error())
}

// publish stores a fresh snapshot. job is the job being mined, if any.
func (e *Engine) publish(job *miner.Job) {
	s := &Snapshot{
		Stats:     e.mc.Stats(),
		Name:      e.opts.Name,
		State:     e.state.Load().(State),
		AutoEpoch: e.opts.AutoEpoch,
		LastError: e.lastErr.Load().(string),
		UpdatedAt: e.opts.Clock(),
	}
	s.Fingerprint = e.fingerprint(s.Epoch)
	if job != nil {
		s.JobID = job.ID
	} else if prev := e.snap.Load(); prev != nil {
		s.JobID = prev.JobID
	}
	e.snap.Store(s)
}

func (e *Engine) wallEpoch() uint32 {
	return e.opts.Policy.EpochOf(uint64(e.opts.Clock().Unix()), e.opts.Genesis)
}

// generate runs a dataset build for ep and records the outcome
func (e *Engine) generate(ep uint32, build func() error) error {
	e.setState(StateGenerating)
	e.publish(nil)

	size := e.opts.Policy.DAGSize(ep)
	start := e.opts.Clock()
	e.progress.Store(0)

	var err error
	if e.opts.Agent != nil {
		err = e.opts.Agent.TraceDatasetGeneration(ep, size, build)
	} else {
		err = build()
	}
	if err != nil {
		e.setState(StateFailed)
		e.setError(err)
		e.publish(nil)
		if e.opts.Notifier != nil {
			e.opts.Notifier.NotifyDatasetFailure(ep, err)
		}
		return err
	}
	e.setError(nil)

	rec := &storage.DatasetRecord{
		Epoch:       ep,
		DeviceID:    e.mc.Device().ID,
		Size:        size,
		CacheItems:  e.opts.Policy.CacheItems(ep),
		Fingerprint: e.fingerprint(ep),
		Seconds:     e.opts.Clock().Sub(start).Seconds(),
		Timestamp:   e.opts.Clock().Unix(),
	}
	e.memMu.Lock()
	e.datasets[ep] = rec
	e.memMu.Unlock()

	if e.opts.Store != nil {
		if err := e.opts.Store.WriteDataset(rec); err != nil {
			util.Warnf("Failed to store dataset record: %v", err)
		}
	}
	return nil
}

// switchEpoch moves the context to ep and regenerates its dataset
func (e *Engine) switchEpoch(ep uint32) error {
	from := e.mc.Epoch()
	util.Infof("Epoch changed from %d to %d", from, ep)

	err := e.generate(ep, func() error { return e.mc.UpdateEpoch(ep) })
	if err != nil {
		return err
	}
	if e.opts.Notifier != nil {
		e.opts.Notifier.NotifyEpochSwitch(from, ep, e.opts.Policy.DAGSize(ep))
	}
	if e.opts.Agent != nil {
		e.opts.Agent.RecordEpochSwitch(from, ep)
	}
	return nil
}

// sleep waits for d or cancellation and reports whether to keep going
func (e *Engine) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// mineLoop owns the device: epoch tracking, job intake, search batches
// and result handling all happen here
func (e *Engine) mineLoop() {
	defer e.wg.Done()

	var (
		job         *miner.Job
		retryAt     time.Time
		lastPublish time.Time
	)

	for {
		if e.ctx.Err() != nil {
			return
		}

		e.drainShares()

		if e.opts.AutoEpoch {
			if want := e.wallEpoch(); want != e.mc.Epoch() {
				if err := e.switchEpoch(want); err != nil {
					util.Errorf("Epoch switch to %d failed: %v", want, err)
					retryAt = e.opts.Clock().Add(RegenerateBackoff)
				}
			}
		}

		if !e.mc.DatasetReady() {
			if e.opts.Clock().Before(retryAt) {
				if !e.sleep(time.Second) {
					return
				}
				continue
			}
			if err := e.generate(e.mc.Epoch(), e.mc.GenerateDAG); err != nil {
				util.Errorf("Dataset regeneration failed: %v", err)
				retryAt = e.opts.Clock().Add(RegenerateBackoff)
				continue
			}
		}

		if next := e.takeJob(); next != nil {
			if job == nil || job.ID != next.ID {
				util.Infof("New job %s", next.ID)
			}
			if next.StartNonce != nil {
				e.mc.SetNonceCursor(*next.StartNonce)
			}
			job = next
		}

		if job == nil {
			e.setState(StateWaiting)
			e.publish(nil)
			select {
			case <-e.ctx.Done():
				return
			case <-e.jobChan:
			case <-time.After(e.opts.StatsInterval):
			}
			continue
		}

		e.setState(StateMining)
		found, err := e.mc.SubmitJob(job)
		if err != nil {
			e.handleSearchError(job, err)
			if miner.Classify(err) == miner.ClassConfiguration {
				job = nil
			} else if !e.sleep(DispatchBackoff) {
				return
			}
		} else {
			e.setError(nil)
		}

		if found {
			for r, ok := e.mc.GetResult(); ok; r, ok = e.mc.GetResult() {
				e.handleResult(r)
			}
		}

		if now := e.opts.Clock(); found || now.Sub(lastPublish) >= e.opts.StatsInterval || err != nil {
			e.publish(job)
			lastPublish = now
		}
	}
}

func (e *Engine) handleSearchError(job *miner.Job, err error) {
	e.setError(err)
	switch miner.Classify(err) {
	case miner.ClassConfiguration:
		util.Errorf("Dropping job %s: %v", job.ID, err)
	case miner.ClassDispatch:
		util.Warnf("Search batch failed: %v", err)
	default:
		util.Errorf("Search failed: %v", err)
	}
}

// handleResult fans a verified result out to every sink
func (e *Engine) handleResult(r miner.Result) {
	dev := e.mc.Device()
	sol := &storage.Solution{
		JobID:     r.JobID,
		Nonce:     util.NonceToHex(r.Nonce),
		Epoch:     r.Epoch,
		Target:    r.Target,
		DeviceID:  dev.ID,
		Device:    dev.Name,
		Timestamp: r.Time.Unix(),
		Status:    storage.SolutionPending,
	}

	e.memMu.Lock()
	e.solutions = append(e.solutions, sol)
	if len(e.solutions) > recentSolutions {
		e.solutions = e.solutions[len(e.solutions)-recentSolutions:]
	}
	e.memMu.Unlock()

	if e.opts.Store != nil {
		if err := e.opts.Store.WriteSolution(sol); err != nil {
			util.Warnf("Failed to store solution: %v", err)
		}
	}
	if e.opts.Notifier != nil {
		e.opts.Notifier.NotifySolution(sol)
	}
	if e.opts.Agent != nil {
		e.opts.Agent.RecordSolution(sol)
	}
	if e.opts.OnResult != nil {
		e.opts.OnResult(r)
	}
}

// drainShares applies queued share outcomes without blocking
func (e *Engine) drainShares() {
	for {
		select {
		case s := <-e.shareChan:
			e.applyShare(s)
		default:
			return
		}
	}
}

func (e *Engine) applyShare(s shareOutcome) {
	e.mc.RecordShare(s.accepted)

	status := storage.SolutionAccepted
	if !s.accepted {
		status = storage.SolutionRejected
	}

	if s.nonce != "" {
		id := storage.SolutionID(s.jobID, s.nonce)
		e.memMu.Lock()
		for _, sol := range e.solutions {
			if sol.ID() == id {
				sol.Status = status
			}
		}
		e.memMu.Unlock()

		if e.opts.Store != nil {
			if err := e.opts.Store.SetSolutionStatus(id, status); err != nil {
				util.Warnf("Failed to update solution %s: %v", id, err)
			}
		}
	}
	if e.opts.Agent != nil {
		e.opts.Agent.RecordShareOutcome(s.jobID, s.accepted)
	}
	e.publish(nil)
}

// sampleLoop stores periodic stats samples from the published snapshot
func (e *Engine) sampleLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.storeSample()
		}
	}
}

func (e *Engine) storeSample() {
	snap := e.Snapshot()
	now := e.opts.Clock()
	sample := &storage.StatsSample{
		Timestamp: now.Unix(),
		DeviceID:  snap.DeviceID,
		Epoch:     snap.Epoch,
		Hashrate:  snap.Hashrate,
		Hashes:    snap.Hashes,
		Solutions: snap.Solutions,
		Invalid:   snap.InvalidSolutions,
		Accepted:  snap.Accepted,
		Rejected:  snap.Rejected,
	}

	e.memMu.Lock()
	e.samples = append(e.samples, sample)
	if len(e.samples) > recentSamples {
		e.samples = e.samples[len(e.samples)-recentSamples:]
	}
	e.memMu.Unlock()

	if e.opts.Store != nil {
		if err := e.opts.Store.WriteSample(sample); err != nil {
			util.Warnf("Failed to store stats sample: %v", err)
		}
		if err := e.opts.Store.PurgeSamples(now.Add(-e.opts.HashrateWindow)); err != nil {
			util.Warnf("Failed to purge stats samples: %v", err)
		}
	}
	if e.opts.Agent != nil {
		e.opts.Agent.UpdateMinerMetrics(&snap.Stats)
	}
}

// BenchJob returns a synthetic job whose target nothing meets, so every
// batch runs to completion
func BenchJob(now time.Time) *miner.Job {
	job := &miner.Job{
		ID:     "bench",
		Time:   uint32(now.Unix()),
		Target: 0,
		Bits:   0,
	}
	copy(job.PrevHash[:], "apow-miner benchmark header")
	return job
}
