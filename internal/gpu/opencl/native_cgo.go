//go:build opencl && cgo

package opencl

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120 -DCL_USE_DEPRECATED_OPENCL_1_2_APIS

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>

static cl_int apow_set_mem_arg(cl_kernel k, cl_uint i, cl_mem m) {
	return clSetKernelArg(k, i, sizeof(cl_mem), &m);
}

static cl_int apow_set_uint_arg(cl_kernel k, cl_uint i, cl_uint v) {
	return clSetKernelArg(k, i, sizeof(cl_uint), &v);
}

static cl_int apow_set_ulong_arg(cl_kernel k, cl_uint i, cl_ulong v) {
	return clSetKernelArg(k, i, sizeof(cl_ulong), &v);
}

static cl_int apow_ndrange(cl_command_queue q, cl_kernel k, size_t offset, size_t global, size_t local) {
	size_t off = offset, g = global, l = local;
	return clEnqueueNDRangeKernel(q, k, 1, offset ? &off : NULL, &g, local ? &l : NULL, 0, NULL, NULL);
}

static cl_program apow_build(cl_context ctx, cl_device_id dev, const char *src, size_t len,
                             const char *options, cl_int *status) {
	cl_program p = clCreateProgramWithSource(ctx, 1, &src, &len, status);
	if (*status != CL_SUCCESS) {
		return NULL;
	}
	*status = clBuildProgram(p, 1, &dev, options, NULL, NULL);
	return p;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

const maxPlatforms, maxDevices = 8, 16

// NativeAPI calls the system OpenCL ICD loader
type NativeAPI struct{}

// NewNativeAPI returns the OpenCL runtime binding
func NewNativeAPI() (API, error) {
	return NativeAPI{}, nil
}

func check(op string, status C.cl_int) error {
	if status == C.CL_SUCCESS {
		return nil
	}
	return &Error{Op: op, Status: int32(status)}
}

func (NativeAPI) Devices() ([]DeviceID, error) {
	var platforms [maxPlatforms]C.cl_platform_id
	var n C.cl_uint
	if err := check("clGetPlatformIDs", C.clGetPlatformIDs(maxPlatforms, &platforms[0], &n)); err != nil {
		return nil, err
	}

	var out []DeviceID
	for p := 0; p < int(n); p++ {
		var devs [maxDevices]C.cl_device_id
		var count C.cl_uint
		if C.clGetDeviceIDs(platforms[p], C.CL_DEVICE_TYPE_GPU, maxDevices, &devs[0], &count) != C.CL_SUCCESS {
			continue
		}
		for d := 0; d < int(count); d++ {
			out = append(out, DeviceID(uintptr(unsafe.Pointer(devs[d]))))
		}
	}
	return out, nil
}

func deviceString(id C.cl_device_id, param C.cl_device_info) string {
	var buf [256]C.char
	if C.clGetDeviceInfo(id, param, C.size_t(len(buf)), unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return C.GoString(&buf[0])
}

func (NativeAPI) DeviceInfo(id DeviceID) (DeviceInfo, error) {
	dev := C.cl_device_id(unsafe.Pointer(uintptr(id)))

	var (
		globalMem, maxAlloc C.cl_ulong
		units               C.cl_uint
		group               C.size_t
		available           C.cl_bool
	)
	if err := check("clGetDeviceInfo", C.clGetDeviceInfo(dev, C.CL_DEVICE_GLOBAL_MEM_SIZE,
		C.size_t(unsafe.Sizeof(globalMem)), unsafe.Pointer(&globalMem), nil)); err != nil {
		return DeviceInfo{}, err
	}
	C.clGetDeviceInfo(dev, C.CL_DEVICE_MAX_MEM_ALLOC_SIZE, C.size_t(unsafe.Sizeof(maxAlloc)), unsafe.Pointer(&maxAlloc), nil)
	C.clGetDeviceInfo(dev, C.CL_DEVICE_MAX_COMPUTE_UNITS, C.size_t(unsafe.Sizeof(units)), unsafe.Pointer(&units), nil)
	C.clGetDeviceInfo(dev, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(group)), unsafe.Pointer(&group), nil)
	C.clGetDeviceInfo(dev, C.CL_DEVICE_AVAILABLE, C.size_t(unsafe.Sizeof(available)), unsafe.Pointer(&available), nil)

	return DeviceInfo{
		Name:         deviceString(dev, C.CL_DEVICE_NAME),
		Vendor:       deviceString(dev, C.CL_DEVICE_VENDOR),
		GlobalMem:    uint64(globalMem),
		FreeMem:      uint64(globalMem), // OpenCL 1.2 has no portable free-memory query
		MaxAlloc:     uint64(maxAlloc),
		ComputeUnits: int(units),
		MaxWorkGroup: int(group),
		Available:    available == C.CL_TRUE,
	}, nil
}

func (NativeAPI) CreateContext(id DeviceID) (Context, error) {
	dev := C.cl_device_id(unsafe.Pointer(uintptr(id)))
	var status C.cl_int
	ctx := C.clCreateContext(nil, 1, &dev, nil, nil, &status)
	if err := check("clCreateContext", status); err != nil {
		return 0, err
	}
	return Context(uintptr(unsafe.Pointer(ctx))), nil
}

func (NativeAPI) CreateQueue(ctx Context, id DeviceID) (Queue, error) {
	var status C.cl_int
	q := C.clCreateCommandQueue(C.cl_context(unsafe.Pointer(uintptr(ctx))), C.cl_device_id(unsafe.Pointer(uintptr(id))), 0, &status)
	if err := check("clCreateCommandQueue", status); err != nil {
		return 0, err
	}
	return Queue(uintptr(unsafe.Pointer(q))), nil
}

func (NativeAPI) BuildProgram(ctx Context, id DeviceID, src []byte, options string) (Program, string, error) {
	csrc := C.CString(string(src))
	defer C.free(unsafe.Pointer(csrc))
	copts := C.CString(options)
	defer C.free(unsafe.Pointer(copts))

	dev := C.cl_device_id(unsafe.Pointer(uintptr(id)))
	var status C.cl_int
	p := C.apow_build(C.cl_context(unsafe.Pointer(uintptr(ctx))), dev, csrc, C.size_t(len(src)), copts, &status)
	if p == nil {
		return 0, "", check("clCreateProgramWithSource", status)
	}

	var logSize C.size_t
	C.clGetProgramBuildInfo(p, dev, C.CL_PROGRAM_BUILD_LOG, 0, nil, &logSize)
	log := ""
	if logSize > 1 {
		buf := C.malloc(logSize)
		defer C.free(buf)
		C.clGetProgramBuildInfo(p, dev, C.CL_PROGRAM_BUILD_LOG, logSize, buf, nil)
		log = C.GoString((*C.char)(buf))
	}

	return Program(uintptr(unsafe.Pointer(p))), log, check("clBuildProgram", status)
}

func (NativeAPI) CreateKernel(p Program, name string) (Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var status C.cl_int
	k := C.clCreateKernel(C.cl_program(unsafe.Pointer(uintptr(p))), cname, &status)
	if err := check("clCreateKernel", status); err != nil {
		return 0, err
	}
	return Kernel(uintptr(unsafe.Pointer(k))), nil
}

func (NativeAPI) CreateBuffer(ctx Context, flags MemFlags, size uint64) (Mem, error) {
	var status C.cl_int
	m := C.clCreateBuffer(C.cl_context(unsafe.Pointer(uintptr(ctx))), C.cl_mem_flags(flags), C.size_t(size), nil, &status)
	if err := check("clCreateBuffer", status); err != nil {
		return 0, err
	}
	return Mem(uintptr(unsafe.Pointer(m))), nil
}

func (NativeAPI) SetKernelArg(k Kernel, index int, value any) error {
	kernel := C.cl_kernel(unsafe.Pointer(uintptr(k)))
	i := C.cl_uint(index)

	switch v := value.(type) {
	case Mem:
		return check("clSetKernelArg", C.apow_set_mem_arg(kernel, i, C.cl_mem(unsafe.Pointer(uintptr(v)))))
	case uint32:
		return check("clSetKernelArg", C.apow_set_uint_arg(kernel, i, C.cl_uint(v)))
	case uint64:
		return check("clSetKernelArg", C.apow_set_ulong_arg(kernel, i, C.cl_ulong(v)))
	default:
		return &Error{Op: "clSetKernelArg", Status: InvalidArgValue, Err: fmt.Errorf("unsupported type %T", value)}
	}
}

func (NativeAPI) EnqueueWrite(q Queue, m Mem, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return check("clEnqueueWriteBuffer", C.clEnqueueWriteBuffer(C.cl_command_queue(unsafe.Pointer(uintptr(q))),
		C.cl_mem(unsafe.Pointer(uintptr(m))), C.CL_TRUE, C.size_t(offset), C.size_t(len(data)),
		unsafe.Pointer(&data[0]), 0, nil, nil))
}

func (NativeAPI) EnqueueRead(q Queue, m Mem, offset uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	return check("clEnqueueReadBuffer", C.clEnqueueReadBuffer(C.cl_command_queue(unsafe.Pointer(uintptr(q))),
		C.cl_mem(unsafe.Pointer(uintptr(m))), C.CL_TRUE, C.size_t(offset), C.size_t(len(dst)),
		unsafe.Pointer(&dst[0]), 0, nil, nil))
}

func (NativeAPI) EnqueueNDRange(q Queue, k Kernel, offset, global, local uint64) error {
	return check("clEnqueueNDRangeKernel", C.apow_ndrange(C.cl_command_queue(unsafe.Pointer(uintptr(q))),
		C.cl_kernel(unsafe.Pointer(uintptr(k))), C.size_t(offset), C.size_t(global), C.size_t(local)))
}

func (NativeAPI) Finish(q Queue) error {
	return check("clFinish", C.clFinish(C.cl_command_queue(unsafe.Pointer(uintptr(q)))))
}

func (NativeAPI) ReleaseKernel(k Kernel) error {
	return check("clReleaseKernel", C.clReleaseKernel(C.cl_kernel(unsafe.Pointer(uintptr(k)))))
}

func (NativeAPI) ReleaseMem(m Mem) error {
	return check("clReleaseMemObject", C.clReleaseMemObject(C.cl_mem(unsafe.Pointer(uintptr(m)))))
}

func (NativeAPI) ReleaseProgram(p Program) error {
	return check("clReleaseProgram", C.clReleaseProgram(C.cl_program(unsafe.Pointer(uintptr(p)))))
}

func (NativeAPI) ReleaseQueue(q Queue) error {
	return check("clReleaseCommandQueue", C.clReleaseCommandQueue(C.cl_command_queue(unsafe.Pointer(uintptr(q)))))
}

func (NativeAPI) ReleaseContext(ctx Context) error {
	return check("clReleaseContext", C.clReleaseContext(C.cl_context(unsafe.Pointer(uintptr(ctx)))))
}
