package miner

import (
	"errors"

	"github.com/tos-network/apow-miner/internal/gpu"
)

var (
	ErrDatasetReady  = errors.New("dataset already generated for this epoch")
	ErrClosed        = errors.New("miner context shut down")
	ErrInvalidJob    = errors.New("invalid job")
	ErrInvalidDevice = errors.New("invalid device id")
	// ErrDatasetMismatch means the device cache differs from the host reference
	ErrDatasetMismatch = errors.New("device dataset does not match host reference")
)

// ErrorClass groups failures by how a caller should react to them
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassConfiguration errors are fatal and not worth retrying as is
	ClassConfiguration
	// ClassResource errors may go away with a smaller configuration or another device
	ClassResource
	// ClassPrecondition errors are fixed by calling operations in the right order
	ClassPrecondition
	// ClassDispatch errors are device launch failures; the batch was still charged
	ClassDispatch
	ClassUnknown
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConfiguration:
		return "configuration"
	case ClassResource:
		return "resource"
	case ClassPrecondition:
		return "precondition"
	case ClassDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

var classes = []struct {
	class ErrorClass
	errs  []error
}{
	{ClassConfiguration, []error{ErrInvalidDevice, ErrInvalidJob, gpu.ErrNoDevices, gpu.ErrDeviceNotFound, gpu.ErrInvalidOptions, gpu.ErrUnsupported}},
	{ClassResource, []error{gpu.ErrContextCreation, gpu.ErrQueueCreation, gpu.ErrKernelSourceNotFound, gpu.ErrProgramBuild, gpu.ErrKernelCreation, gpu.ErrBufferAllocation}},
	{ClassPrecondition, []error{ErrDatasetReady, ErrClosed, gpu.ErrDatasetNotReady, gpu.ErrReleased}},
	{ClassDispatch, []error{gpu.ErrDispatch, ErrDatasetMismatch}},
}

// Classify maps an error returned by this package or a backend to its class
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return ClassUnknown
}
