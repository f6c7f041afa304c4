package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/tos-network/apow-miner/internal/gpu"
	"github.com/tos-network/apow-miner/internal/util"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// dagProgress renders each dataset generation as a progress bar and
// forwards every report to the observers
type dagProgress struct {
	mu        sync.Mutex
	p         *mpb.Progress
	bar       *mpb.Bar
	epoch     uint32
	observers []func(gpu.Progress)
}

func newDAGProgress() *dagProgress {
	return &dagProgress{}
}

func (d *dagProgress) observe(fn func(gpu.Progress)) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

func (d *dagProgress) report(p gpu.Progress) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bar != nil && d.epoch != p.Epoch {
		d.finishLocked(false)
	}
	if d.bar == nil {
		d.epoch = p.Epoch
		d.p = mpb.New(mpb.WithWidth(60), mpb.WithOutput(os.Stderr))
		d.bar = d.p.AddBar(int64(p.ItemsTotal),
			mpb.PrependDecorators(
				decor.Name(fmt.Sprintf("DAG epoch %d: ", p.Epoch)),
				decor.Percentage(decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!"),
			),
		)
	}
	d.bar.SetCurrent(int64(p.ItemsDone))

	if p.Done {
		d.finishLocked(true)
		util.Infof("Dataset for epoch %d ready (%d items), cache fingerprint %s",
			p.Epoch, p.ItemsTotal, util.BytesToHex(p.Fingerprint[:8]))
	}

	for _, fn := range d.observers {
		fn(p)
	}
}

// finishLocked completes or aborts the current bar and stops rendering
func (d *dagProgress) finishLocked(complete bool) {
	if complete {
		d.bar.SetTotal(-1, true)
	} else {
		d.bar.Abort(false)
	}
	d.p.Wait()
	d.p, d.bar = nil, nil
}

// wait stops a bar left behind by a failed generation
func (d *dagProgress) wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bar != nil {
		d.finishLocked(false)
	}
}
