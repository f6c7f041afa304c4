package main

import (
	"errors"
	"fmt"

	"github.com/tos-network/apow-miner/internal/config"
	"github.com/tos-network/apow-miner/internal/gpu"
	"github.com/tos-network/apow-miner/internal/gpu/cuda"
	"github.com/tos-network/apow-miner/internal/gpu/emu"
	"github.com/tos-network/apow-miner/internal/gpu/opencl"
	"github.com/tos-network/apow-miner/internal/util"
)

// buildBackends creates one backend per configured kind. In auto mode a
// kind whose native runtime is missing falls back to emulated devices.
func buildBackends(cfg *config.Config, progress func(gpu.Progress)) ([]gpu.Backend, error) {
	base := gpu.Options{
		Policy:        cfg.Sizing,
		SearchBatch:   cfg.GPU.SearchBatch,
		DAGBatch:      cfg.GPU.DAGBatch,
		LocalSize:     cfg.GPU.LocalSize,
		ProgressEvery: cfg.GPU.ProgressEvery,
		Progress:      progress,
	}

	var backends []gpu.Backend
	for _, name := range cfg.GPU.Backends {
		opts := base
		switch name {
		case "opencl":
			native, nativeErr := opencl.NewNativeAPI()
			useNative, err := pickNative(cfg, name, nativeErr)
			if err != nil {
				return nil, err
			}
			var api opencl.API = native
			if !useNative {
				devs, err := emulatedDevices(cfg, name)
				if err != nil {
					return nil, err
				}
				api = opencl.NewEmulatedAPI(devs...)
			}
			// the emulator compiles the same OpenCL C source
			opts.KernelPaths = cfg.GPU.KernelPaths
			backends = append(backends, opencl.New(api, opts))

		case "cuda":
			native, nativeErr := cuda.NewNativeAPI()
			useNative, err := pickNative(cfg, name, nativeErr)
			if err != nil {
				return nil, err
			}
			var api cuda.API = native
			opts.KernelPaths = cfg.GPU.ModulePaths
			if !useNative {
				devs, err := emulatedDevices(cfg, name)
				if err != nil {
					return nil, err
				}
				api = cuda.NewEmulatedAPI(devs...)
				opts.KernelPaths = cuda.EmulatedModulePaths
			}
			backends = append(backends, cuda.New(api, opts))

		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
	}
	return backends, nil
}

// pickNative decides between the native runtime and the emulator for the
// configured gpu.mode
func pickNative(cfg *config.Config, name string, nativeErr error) (bool, error) {
	if !cfg.UsesEmulation() {
		if nativeErr != nil {
			return false, fmt.Errorf("%s: %w", name, nativeErr)
		}
		return true, nil
	}
	if cfg.GPU.Mode == "emulated" {
		return false, nil
	}

	if nativeErr == nil {
		return true, nil
	}
	if errors.Is(nativeErr, gpu.ErrUnsupported) {
		util.Infof("No native %s runtime in this build, using emulated devices", name)
	} else {
		util.Warnf("Native %s runtime unavailable (%v), using emulated devices", name, nativeErr)
	}
	return false, nil
}

// emulatedDevices builds the configured emulated devices, or one sized
// after the host when none are configured
func emulatedDevices(cfg *config.Config, name string) ([]*emu.Device, error) {
	specs := cfg.GPU.Emulated
	if len(specs) == 0 {
		spec, err := emu.HostSpec("emulated-" + name)
		if err != nil {
			return nil, err
		}
		specs = []emu.Spec{spec}
	}

	devs := make([]*emu.Device, 0, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("emulated-%s-%d", name, i)
		}
		devs = append(devs, emu.NewDevice(spec))
	}
	return devs, nil
}
