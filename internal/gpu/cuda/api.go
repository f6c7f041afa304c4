// Package cuda runs AdaptivePow on NVIDIA devices through the CUDA driver API.
package cuda

import "fmt"

// Object handles. Zero means "not acquired".
type (
	Device    int
	Context   uintptr
	Module    uintptr
	Function  uintptr
	DevicePtr uint64
)

// DeviceAttrs is the subset of device attributes the miner uses
type DeviceAttrs struct {
	Name               string
	TotalMem           uint64
	MultiProcessors    int
	MaxThreadsPerBlock int
	MaxThreadsPerMP    int
}

// API is the CUDA driver API surface the backend is written against
type API interface {
	DeviceCount() (int, error)
	DeviceGet(ordinal int) (Device, error)
	DeviceAttributes(d Device) (DeviceAttrs, error)

	CtxCreate(d Device) (Context, error)
	CtxSynchronize(ctx Context) error
	CtxDestroy(ctx Context) error

	// ModuleLoadData loads a PTX image and returns the JIT log, also on failure
	ModuleLoadData(ctx Context, image []byte) (Module, string, error)
	ModuleGetFunction(m Module, name string) (Function, error)
	ModuleUnload(m Module) error

	MemAlloc(ctx Context, size uint64) (DevicePtr, error)
	MemFree(p DevicePtr) error
	MemGetInfo(ctx Context) (free, total uint64, err error)
	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyDtoH(dst []byte, src DevicePtr) error
	MemsetD32(dst DevicePtr, value uint32, count uint64) error

	// LaunchKernel accepts DevicePtr, uint32 and uint64 parameters
	LaunchKernel(f Function, grid, block uint32, params ...any) error
}

// Result codes of the driver API
const (
	Success             = 0
	ErrorInvalidValue   = 1
	ErrorOutOfMemory    = 2
	ErrorNotInitialized = 3
	ErrorNoDevice       = 100
	ErrorInvalidDevice  = 101
	ErrorInvalidImage   = 200
	ErrorInvalidContext = 201
	ErrorInvalidPTX     = 218
	ErrorInvalidHandle  = 400
	ErrorNotFound       = 500
	ErrorLaunchOutOfRes = 701
	ErrorLaunchTimeout  = 702
	ErrorLaunchFailed   = 719
)

var resultNames = map[int]string{
	ErrorInvalidValue:   "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:    "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized: "CUDA_ERROR_NOT_INITIALIZED",
	ErrorNoDevice:       "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:  "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidImage:   "CUDA_ERROR_INVALID_IMAGE",
	ErrorInvalidContext: "CUDA_ERROR_INVALID_CONTEXT",
	ErrorInvalidPTX:     "CUDA_ERROR_INVALID_PTX",
	ErrorInvalidHandle:  "CUDA_ERROR_INVALID_HANDLE",
	ErrorNotFound:       "CUDA_ERROR_NOT_FOUND",
	ErrorLaunchOutOfRes: "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
	ErrorLaunchTimeout:  "CUDA_ERROR_LAUNCH_TIMEOUT",
	ErrorLaunchFailed:   "CUDA_ERROR_LAUNCH_FAILED",
}

// Error is a failed driver API call
type Error struct {
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	name, ok := resultNames[e.Code]
	if !ok {
		name = "CUDA_ERROR_UNKNOWN"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%d): %v", e.Op, name, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Op, name, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}
