// Package newrelic provides New Relic APM integration for the miner.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/apow-miner/internal/config"
	"github.com/tos-network/apow-miner/internal/miner"
	"github.com/tos-network/apow-miner/internal/storage"
	"github.com/tos-network/apow-miner/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets transaction from context
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordSolution records a verified solution event
func (a *Agent) RecordSolution(s *storage.Solution) {
	a.RecordCustomEvent("SolutionFound", map[string]interface{}{
		"jobId":    s.JobID,
		"nonce":    s.Nonce,
		"epoch":    s.Epoch,
		"deviceId": s.DeviceID,
		"device":   s.Device,
	})
}

// RecordShareOutcome records what the job source did with a solution
func (a *Agent) RecordShareOutcome(jobID string, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	a.RecordCustomEvent("ShareOutcome", map[string]interface{}{
		"jobId":  jobID,
		"status": status,
	})
}

// RecordEpochSwitch records a dataset epoch change
func (a *Agent) RecordEpochSwitch(from, to uint32) {
	a.RecordCustomEvent("EpochSwitch", map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

// TraceDatasetGeneration runs generate inside a transaction and records
// its duration and dataset size
func (a *Agent) TraceDatasetGeneration(epoch uint32, size uint64, generate func() error) error {
	txn := a.StartTransaction("DatasetGeneration")
	if txn != nil {
		txn.AddAttribute("epoch", epoch)
		txn.AddAttribute("size", size)
		defer txn.End()
	}

	start := time.Now()
	err := generate()
	a.NoticeError(txn, err)

	a.RecordCustomMetric("Custom/Dataset/Seconds", time.Since(start).Seconds())
	a.RecordCustomMetric("Custom/Dataset/Bytes", float64(size))
	return err
}

// UpdateMinerMetrics records the periodic counters of one device
func (a *Agent) UpdateMinerMetrics(s *miner.Stats) {
	a.RecordCustomMetric("Custom/Miner/Hashrate", s.Hashrate)
	a.RecordCustomMetric("Custom/Miner/Epoch", float64(s.Epoch))
	a.RecordCustomMetric("Custom/Miner/Solutions", float64(s.Solutions))
	a.RecordCustomMetric("Custom/Miner/InvalidSolutions", float64(s.InvalidSolutions))
	a.RecordCustomMetric("Custom/Miner/DroppedResults", float64(s.DroppedResults))
	a.RecordCustomMetric("Custom/Miner/FailedBatches", float64(s.FailedBatches))
}
