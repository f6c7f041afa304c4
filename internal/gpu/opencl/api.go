// Package opencl runs AdaptivePow on OpenCL devices.
package opencl

import "fmt"

// Object handles. Zero means "not acquired".
type (
	DeviceID uintptr
	Context  uintptr
	Queue    uintptr
	Program  uintptr
	Kernel   uintptr
	Mem      uintptr
)

// MemFlags mirrors cl_mem_flags
type MemFlags uint64

const (
	MemReadWrite MemFlags = 1 << 0
	MemWriteOnly MemFlags = 1 << 1
	MemReadOnly  MemFlags = 1 << 2
)

// DeviceInfo is the subset of clGetDeviceInfo the miner uses
type DeviceInfo struct {
	Name         string
	Vendor       string
	GlobalMem    uint64
	FreeMem      uint64
	MaxAlloc     uint64
	ComputeUnits int
	MaxWorkGroup int
	Available    bool
}

// API is the OpenCL host API surface the backend is written against
type API interface {
	// Devices lists GPU devices across all platforms in platform order
	Devices() ([]DeviceID, error)
	DeviceInfo(id DeviceID) (DeviceInfo, error)

	CreateContext(id DeviceID) (Context, error)
	CreateQueue(ctx Context, id DeviceID) (Queue, error)
	// BuildProgram compiles source and returns the build log, also on failure
	BuildProgram(ctx Context, id DeviceID, src []byte, options string) (Program, string, error)
	CreateKernel(p Program, name string) (Kernel, error)
	CreateBuffer(ctx Context, flags MemFlags, size uint64) (Mem, error)

	// SetKernelArg accepts a Mem, uint32 or uint64
	SetKernelArg(k Kernel, index int, value any) error
	EnqueueWrite(q Queue, m Mem, offset uint64, data []byte) error
	EnqueueRead(q Queue, m Mem, offset uint64, dst []byte) error
	EnqueueNDRange(q Queue, k Kernel, offset, global, local uint64) error
	Finish(q Queue) error

	ReleaseKernel(k Kernel) error
	ReleaseMem(m Mem) error
	ReleaseProgram(p Program) error
	ReleaseQueue(q Queue) error
	ReleaseContext(ctx Context) error
}

// Status codes returned by the OpenCL runtime
const (
	Success                    = 0
	DeviceNotFound             = -1
	DeviceNotAvailable         = -2
	MemObjectAllocationFailure = -4
	OutOfResources             = -5
	OutOfHostMemory            = -6
	BuildProgramFailure        = -11
	InvalidValue               = -30
	InvalidDevice              = -33
	InvalidContext             = -34
	InvalidCommandQueue        = -36
	InvalidMemObject           = -38
	InvalidProgram             = -44
	InvalidKernelName          = -46
	InvalidKernel              = -48
	InvalidArgIndex            = -49
	InvalidArgValue            = -50
	InvalidKernelArgs          = -52
	InvalidWorkGroupSize       = -54
	InvalidGlobalOffset        = -56
	InvalidBufferSize          = -61
	InvalidGlobalWorkSize      = -63
)

var statusNames = map[int32]string{
	DeviceNotFound:             "CL_DEVICE_NOT_FOUND",
	DeviceNotAvailable:         "CL_DEVICE_NOT_AVAILABLE",
	MemObjectAllocationFailure: "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	OutOfResources:             "CL_OUT_OF_RESOURCES",
	OutOfHostMemory:            "CL_OUT_OF_HOST_MEMORY",
	BuildProgramFailure:        "CL_BUILD_PROGRAM_FAILURE",
	InvalidValue:               "CL_INVALID_VALUE",
	InvalidDevice:              "CL_INVALID_DEVICE",
	InvalidContext:             "CL_INVALID_CONTEXT",
	InvalidCommandQueue:        "CL_INVALID_COMMAND_QUEUE",
	InvalidMemObject:           "CL_INVALID_MEM_OBJECT",
	InvalidProgram:             "CL_INVALID_PROGRAM",
	InvalidKernelName:          "CL_INVALID_KERNEL_NAME",
	InvalidKernel:              "CL_INVALID_KERNEL",
	InvalidArgIndex:            "CL_INVALID_ARG_INDEX",
	InvalidArgValue:            "CL_INVALID_ARG_VALUE",
	InvalidKernelArgs:          "CL_INVALID_KERNEL_ARGS",
	InvalidWorkGroupSize:       "CL_INVALID_WORK_GROUP_SIZE",
	InvalidGlobalOffset:        "CL_INVALID_GLOBAL_OFFSET",
	InvalidBufferSize:          "CL_INVALID_BUFFER_SIZE",
	InvalidGlobalWorkSize:      "CL_INVALID_GLOBAL_WORK_SIZE",
}

// Error is a failed OpenCL call
type Error struct {
	Op     string
	Status int32
	Err    error
}

func (e *Error) Error() string {
	name, ok := statusNames[e.Status]
	if !ok {
		name = "CL_UNKNOWN_ERROR"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%d): %v", e.Op, name, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Op, name, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Err
}
