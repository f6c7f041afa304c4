//go:build cuda && cgo

package cuda

/*
#cgo linux LDFLAGS: -L/usr/local/cuda/lib64 -L/usr/lib/x86_64-linux-gnu -lcuda
#cgo CFLAGS: -I/usr/local/cuda/include

#include <cuda.h>
#include <stdlib.h>
#include <string.h>

#define APOW_LOG_SIZE 8192

static CUresult apow_load_module(CUmodule *mod, const void *image, char *log) {
	CUjit_option opts[2] = { CU_JIT_ERROR_LOG_BUFFER, CU_JIT_ERROR_LOG_BUFFER_SIZE_BYTES };
	void *vals[2] = { log, (void *)(size_t)APOW_LOG_SIZE };
	return cuModuleLoadDataEx(mod, image, 2, opts, vals);
}

static CUresult apow_launch(CUfunction f, unsigned int grid, unsigned int block, void **params) {
	return cuLaunchKernel(f, grid, 1, 1, block, 1, 1, 0, NULL, params, NULL);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

var initOnce sync.Once
var initErr error

// NativeAPI calls the CUDA driver (libcuda)
type NativeAPI struct{}

// NewNativeAPI initializes the driver once per process
func NewNativeAPI() (API, error) {
	initOnce.Do(func() {
		initErr = check("cuInit", C.cuInit(0))
	})
	if initErr != nil {
		return nil, initErr
	}
	return NativeAPI{}, nil
}

func check(op string, r C.CUresult) error {
	if r == C.CUDA_SUCCESS {
		return nil
	}
	return &Error{Op: op, Code: int(r)}
}

func (NativeAPI) DeviceCount() (int, error) {
	var n C.int
	if err := check("cuDeviceGetCount", C.cuDeviceGetCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (NativeAPI) DeviceGet(ordinal int) (Device, error) {
	var d C.CUdevice
	if err := check("cuDeviceGet", C.cuDeviceGet(&d, C.int(ordinal))); err != nil {
		return 0, err
	}
	return Device(d), nil
}

func attribute(d C.CUdevice, attr C.CUdevice_attribute) int {
	var v C.int
	if C.cuDeviceGetAttribute(&v, attr, d) != C.CUDA_SUCCESS {
		return 0
	}
	return int(v)
}

func (NativeAPI) DeviceAttributes(d Device) (DeviceAttrs, error) {
	dev := C.CUdevice(d)

	var name [256]C.char
	if err := check("cuDeviceGetName", C.cuDeviceGetName(&name[0], C.int(len(name)), dev)); err != nil {
		return DeviceAttrs{}, err
	}
	var total C.size_t
	if err := check("cuDeviceTotalMem", C.cuDeviceTotalMem_v2(&total, dev)); err != nil {
		return DeviceAttrs{}, err
	}

	return DeviceAttrs{
		Name:               C.GoString(&name[0]),
		TotalMem:           uint64(total),
		MultiProcessors:    attribute(dev, C.CU_DEVICE_ATTRIBUTE_MULTIPROCESSOR_COUNT),
		MaxThreadsPerBlock: attribute(dev, C.CU_DEVICE_ATTRIBUTE_MAX_THREADS_PER_BLOCK),
		MaxThreadsPerMP:    attribute(dev, C.CU_DEVICE_ATTRIBUTE_MAX_THREADS_PER_MULTIPROCESSOR),
	}, nil
}

func cuCtx(ctx Context) C.CUcontext {
	return C.CUcontext(unsafe.Pointer(uintptr(ctx)))
}

// current binds ctx to the calling OS thread
func current(ctx Context) error {
	return check("cuCtxSetCurrent", C.cuCtxSetCurrent(cuCtx(ctx)))
}

func (NativeAPI) CtxCreate(d Device) (Context, error) {
	var ctx C.CUcontext
	if err := check("cuCtxCreate", C.cuCtxCreate_v2(&ctx, C.CU_CTX_SCHED_BLOCKING_SYNC, C.CUdevice(d))); err != nil {
		return 0, err
	}
	return Context(uintptr(unsafe.Pointer(ctx))), nil
}

func (NativeAPI) CtxSynchronize(ctx Context) error {
	if err := current(ctx); err != nil {
		return err
	}
	return check("cuCtxSynchronize", C.cuCtxSynchronize())
}

func (NativeAPI) CtxDestroy(ctx Context) error {
	return check("cuCtxDestroy", C.cuCtxDestroy_v2(cuCtx(ctx)))
}

func (NativeAPI) ModuleLoadData(ctx Context, image []byte) (Module, string, error) {
	if err := current(ctx); err != nil {
		return 0, "", err
	}

	// The image must be NUL terminated PTX.
	cimage := C.CString(string(image))
	defer C.free(unsafe.Pointer(cimage))
	clog := (*C.char)(C.calloc(C.APOW_LOG_SIZE, 1))
	defer C.free(unsafe.Pointer(clog))

	var mod C.CUmodule
	r := C.apow_load_module(&mod, unsafe.Pointer(cimage), clog)
	log := C.GoString(clog)
	if err := check("cuModuleLoadData", r); err != nil {
		return 0, log, err
	}
	return Module(uintptr(unsafe.Pointer(mod))), log, nil
}

func (NativeAPI) ModuleGetFunction(m Module, name string) (Function, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var fn C.CUfunction
	if err := check("cuModuleGetFunction", C.cuModuleGetFunction(&fn, C.CUmodule(unsafe.Pointer(uintptr(m))), cname)); err != nil {
		return 0, err
	}
	return Function(uintptr(unsafe.Pointer(fn))), nil
}

func (NativeAPI) ModuleUnload(m Module) error {
	return check("cuModuleUnload", C.cuModuleUnload(C.CUmodule(unsafe.Pointer(uintptr(m)))))
}

func (NativeAPI) MemAlloc(ctx Context, size uint64) (DevicePtr, error) {
	if err := current(ctx); err != nil {
		return 0, err
	}
	var p C.CUdeviceptr
	if err := check("cuMemAlloc", C.cuMemAlloc_v2(&p, C.size_t(size))); err != nil {
		return 0, err
	}
	return DevicePtr(p), nil
}

func (NativeAPI) MemFree(p DevicePtr) error {
	return check("cuMemFree", C.cuMemFree_v2(C.CUdeviceptr(p)))
}

func (NativeAPI) MemGetInfo(ctx Context) (uint64, uint64, error) {
	if err := current(ctx); err != nil {
		return 0, 0, err
	}
	var free, total C.size_t
	if err := check("cuMemGetInfo", C.cuMemGetInfo_v2(&free, &total)); err != nil {
		return 0, 0, err
	}
	return uint64(free), uint64(total), nil
}

func (NativeAPI) MemcpyHtoD(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return check("cuMemcpyHtoD", C.cuMemcpyHtoD_v2(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))))
}

func (NativeAPI) MemcpyDtoH(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	return check("cuMemcpyDtoH", C.cuMemcpyDtoH_v2(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst))))
}

func (NativeAPI) MemsetD32(dst DevicePtr, value uint32, count uint64) error {
	return check("cuMemsetD32", C.cuMemsetD32_v2(C.CUdeviceptr(dst), C.uint(value), C.size_t(count)))
}

// LaunchKernel copies each parameter into C memory, since the driver reads
// parameters through an array of pointers.
func (NativeAPI) LaunchKernel(f Function, grid, block uint32, params ...any) error {
	n := len(params)
	values := C.calloc(C.size_t(n), 8)
	defer C.free(values)
	ptrs := (*[1 << 10]unsafe.Pointer)(C.calloc(C.size_t(n), C.size_t(unsafe.Sizeof(uintptr(0)))))
	defer C.free(unsafe.Pointer(ptrs))

	for i, p := range params {
		slot := unsafe.Add(values, i*8)
		switch v := p.(type) {
		case DevicePtr:
			*(*C.CUdeviceptr)(slot) = C.CUdeviceptr(v)
		case uint64:
			*(*C.ulonglong)(slot) = C.ulonglong(v)
		case uint32:
			*(*C.uint)(slot) = C.uint(v)
		default:
			return &Error{Op: "cuLaunchKernel", Code: ErrorInvalidValue, Err: fmt.Errorf("parameter %d has type %T", i, p)}
		}
		ptrs[i] = slot
	}

	return check("cuLaunchKernel", C.apow_launch(C.CUfunction(unsafe.Pointer(uintptr(f))),
		C.uint(grid), C.uint(block), &ptrs[0]))
}
