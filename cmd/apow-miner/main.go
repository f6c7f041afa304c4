// apow-miner - AdaptivePow GPU miner host engine
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/tos-network/apow-miner/internal/api"
	"github.com/tos-network/apow-miner/internal/config"
	"github.com/tos-network/apow-miner/internal/engine"
	"github.com/tos-network/apow-miner/internal/gpu"
	"github.com/tos-network/apow-miner/internal/miner"
	"github.com/tos-network/apow-miner/internal/newrelic"
	"github.com/tos-network/apow-miner/internal/notify"
	"github.com/tos-network/apow-miner/internal/profiling"
	"github.com/tos-network/apow-miner/internal/storage"
	"github.com/tos-network/apow-miner/internal/util"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	listDevices := flag.Bool("list-devices", false, "List devices of the configured backends and exit")
	bench := flag.Duration("bench", 0, "Mine a synthetic job for this long, report the hashrate and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("apow-miner %s\n", Version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	progress := newDAGProgress()
	backends, err := buildBackends(cfg, progress.report)
	if err != nil {
		util.Fatalf("Failed to set up backends: %v", err)
	}

	devices, err := gpu.Enumerate(backends...)
	if *listDevices {
		if err != nil {
			util.Fatalf("Failed to enumerate devices: %v", err)
		}
		printDevices(devices)
		return
	}
	if err != nil {
		util.Fatalf("Failed to enumerate devices: %v", err)
	}

	util.Infof("apow-miner %s starting with %d device(s)", Version, len(devices))
	for _, d := range devices {
		util.Infof("  #%d %s [%s] %s, %d compute units", d.ID, d.Name, d.KindName, util.HumanBytes(d.Memory), d.ComputeUnits)
	}

	startEpoch := cfg.Miner.Epoch
	if cfg.Miner.AutoEpoch {
		startEpoch = cfg.Sizing.EpochOf(uint64(time.Now().Unix()), cfg.Miner.Genesis)
	}

	mc, err := miner.New(backends, miner.Options{
		DeviceID:    cfg.Miner.DeviceID,
		Epoch:       startEpoch,
		Policy:      cfg.Sizing,
		StartNonce:  cfg.Miner.StartNonce,
		ResultQueue: cfg.Miner.ResultQueue,
		Verify:      cfg.Miner.Verify,
	})
	if err != nil {
		util.Fatalf("Failed to initialize device %d (%s): %v", cfg.Miner.DeviceID, miner.Classify(err), err)
	}

	// Storage is optional
	store, err := storage.Open(&cfg.Storage)
	if err != nil {
		util.Fatalf("Failed to open %s storage: %v", cfg.Storage.Driver, err)
	}
	if store != nil {
		defer store.Close()
	}

	notifier := notify.NewNotifier(&cfg.Notify, cfg.Miner.Name)

	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}
	defer agent.Stop()

	var profiler *profiling.Server
	if cfg.Profiling.Enabled {
		profiler = profiling.NewServer(&cfg.Profiling)
		if err := profiler.Start(); err != nil {
			util.Warnf("Failed to start profiling server: %v", err)
			profiler = nil
		}
	}

	var apiServer *api.Server

	eng, err := engine.New(engine.Options{
		Name:     cfg.Miner.Name,
		Miner:    mc,
		Devices:  devices,
		Policy:   cfg.Sizing,
		Store:    store,
		Notifier: notifier,
		Agent:    agent,
		OnResult: func(r miner.Result) {
			util.Infof("Solution found: job %s nonce %s", r.JobID, util.NonceToHex(r.Nonce))
			if apiServer != nil {
				apiServer.BroadcastResult(r)
			}
		},
		AutoEpoch:      cfg.Miner.AutoEpoch,
		Genesis:        cfg.Miner.Genesis,
		StatsInterval:  cfg.Stats.Interval,
		SampleInterval: cfg.Stats.SampleInterval,
		HashrateWindow: cfg.Storage.HashrateWindow,
	})
	if err != nil {
		util.Fatalf("Failed to create engine: %v", err)
	}
	progress.observe(eng.ObserveProgress)

	if cfg.API.Enabled && *bench == 0 {
		apiServer = api.NewServer(&cfg.API, eng)
	}

	if err := eng.Start(); err != nil {
		progress.wait()
		eng.Stop()
		util.Fatalf("Failed to start engine (%s): %v", miner.Classify(err), err)
	}
	progress.wait()

	if *bench > 0 {
		runBenchmark(eng, *bench)
		eng.Stop()
		return
	}

	if apiServer != nil {
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	quit := make(chan struct{})
	go logStats(eng, cfg.Stats.Interval*12, quit)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Miner started. Submit jobs through the API. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")
	close(quit)

	// Graceful shutdown
	if apiServer != nil {
		apiServer.Stop()
	}
	if err := eng.Stop(); err != nil {
		util.Warnf("Device release failed: %v", err)
	}
	if profiler != nil {
		profiler.Stop()
	}

	util.Info("Miner stopped")
}

func printDevices(devices []gpu.Device) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBACKEND\tINDEX\tNAME\tMEMORY\tFREE\tCU\tAVAILABLE")
	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%d\t%v\n",
			d.ID, d.KindName, d.LocalIndex, d.Name,
			util.HumanBytes(d.Memory), util.HumanBytes(d.FreeMemory), d.ComputeUnits, d.Available)
	}
	w.Flush()
}

// runBenchmark mines a job nothing can satisfy and reports the rate
func runBenchmark(eng *engine.Engine, d time.Duration) {
	util.Infof("Benchmarking for %s...", d)
	if err := eng.SubmitJob(engine.BenchJob(time.Now())); err != nil {
		util.Fatalf("Failed to submit benchmark job: %v", err)
	}

	start := eng.Snapshot()
	time.Sleep(d)
	end := eng.Snapshot()

	hashes := end.Hashes - start.Hashes
	rate := float64(hashes) / d.Seconds()
	fmt.Printf("%s [%s] epoch %d: %d hashes in %s, %s\n",
		end.DeviceName, end.Backend, end.Epoch, hashes, d, util.HumanHashrate(rate))
}

func logStats(eng *engine.Engine, every time.Duration, quit chan struct{}) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			s := eng.Snapshot()
			util.Infof("%s | epoch %d | %s | solutions %d (accepted %d, rejected %d, invalid %d)",
				s.State, s.Epoch, util.HumanHashrate(s.Hashrate),
				s.Solutions, s.Accepted, s.Rejected, s.InvalidSolutions)
		}
	}
}
