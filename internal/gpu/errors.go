package gpu

import "errors"

// Stage errors let callers tell a missing device from an out-of-memory
// device from a kernel that does not compile.
var (
	ErrNoDevices            = errors.New("no compute devices")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrInvalidOptions       = errors.New("invalid backend options")
	ErrContextCreation      = errors.New("context creation failed")
	ErrQueueCreation        = errors.New("command queue creation failed")
	ErrKernelSourceNotFound = errors.New("kernel source not found")
	ErrProgramBuild         = errors.New("program build failed")
	ErrKernelCreation       = errors.New("kernel creation failed")
	ErrBufferAllocation     = errors.New("buffer allocation failed")
	ErrDatasetNotReady      = errors.New("dataset not ready")
	ErrDispatch             = errors.New("kernel dispatch failed")
	ErrReleased             = errors.New("handle released")
	ErrUnsupported          = errors.New("backend not compiled in")
)
