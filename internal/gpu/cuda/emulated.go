package cuda

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tos-network/apow-miner/internal/gpu/emu"
)

// ptrAlign spaces emulated device pointers like a real allocator would
const ptrAlign = 1 << 12

// EmulatedAPI serves the CUDA driver API from emulated devices
type EmulatedAPI struct {
	devices []*emu.Device

	mu        sync.Mutex
	next      uintptr
	nextPtr   DevicePtr
	contexts  map[Context]*emu.Device
	modules   map[Module]*emuModule
	functions map[Function]*emuFunction
	ptrs      map[DevicePtr]*emu.Buffer
	failures  map[string]error
}

type emuModule struct {
	program *emu.Program
	dev     *emu.Device
}

type emuFunction struct {
	kernel *emu.Kernel
	module Module
	dev    *emu.Device
}

// NewEmulatedAPI exposes devices as CUDA ordinals in the given order
func NewEmulatedAPI(devices ...*emu.Device) *EmulatedAPI {
	return &EmulatedAPI{
		devices:   devices,
		nextPtr:   ptrAlign,
		contexts:  make(map[Context]*emu.Device),
		modules:   make(map[Module]*emuModule),
		functions: make(map[Function]*emuFunction),
		ptrs:      make(map[DevicePtr]*emu.Buffer),
		failures:  make(map[string]error),
	}
}

// Fail makes the named driver call (e.g. "cuCtxCreate") fail until cleared
// with a nil error.
func (a *EmulatedAPI) Fail(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, op)
		return
	}
	a.failures[op] = err
}

// Live counts contexts, modules and allocations not yet released
func (a *EmulatedAPI) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.contexts) + len(a.modules) + len(a.ptrs)
}

func (a *EmulatedAPI) injected(op string, code int) error {
	if err, ok := a.failures[op]; ok {
		return &Error{Op: op, Code: code, Err: err}
	}
	return nil
}

func (a *EmulatedAPI) DeviceCount() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("cuDeviceGetCount", ErrorNotInitialized); err != nil {
		return 0, err
	}
	return len(a.devices), nil
}

func (a *EmulatedAPI) DeviceGet(ordinal int) (Device, error) {
	if ordinal < 0 || ordinal >= len(a.devices) {
		return 0, &Error{Op: "cuDeviceGet", Code: ErrorInvalidDevice}
	}
	return Device(ordinal), nil
}

func (a *EmulatedAPI) DeviceAttributes(d Device) (DeviceAttrs, error) {
	if int(d) < 0 || int(d) >= len(a.devices) {
		return DeviceAttrs{}, &Error{Op: "cuDeviceGetAttribute", Code: ErrorInvalidDevice}
	}
	spec := a.devices[d].Spec()
	return DeviceAttrs{
		Name:               spec.Name,
		TotalMem:           spec.Memory,
		MultiProcessors:    spec.ComputeUnits,
		MaxThreadsPerBlock: 1024,
		MaxThreadsPerMP:    spec.MaxThreads / spec.ComputeUnits,
	}, nil
}

func (a *EmulatedAPI) CtxCreate(d Device) (Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("cuCtxCreate", ErrorOutOfMemory); err != nil {
		return 0, err
	}
	if int(d) < 0 || int(d) >= len(a.devices) {
		return 0, &Error{Op: "cuCtxCreate", Code: ErrorInvalidDevice}
	}
	a.next++
	ctx := Context(a.next)
	a.contexts[ctx] = a.devices[d]
	return ctx, nil
}

func (a *EmulatedAPI) CtxSynchronize(ctx Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.contexts[ctx]; !ok {
		return &Error{Op: "cuCtxSynchronize", Code: ErrorInvalidContext}
	}
	return nil
}

func (a *EmulatedAPI) CtxDestroy(ctx Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.contexts[ctx]; !ok {
		return &Error{Op: "cuCtxDestroy", Code: ErrorInvalidContext}
	}
	delete(a.contexts, ctx)
	return nil
}

// ModuleLoadData accepts PTX or CUDA C source
func (a *EmulatedAPI) ModuleLoadData(ctx Context, image []byte) (Module, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dev, ok := a.contexts[ctx]
	if !ok {
		return 0, "", &Error{Op: "cuModuleLoadData", Code: ErrorInvalidContext}
	}
	prog, err := emu.Compile(image, "")
	if err != nil {
		return 0, prog.Log, &Error{Op: "cuModuleLoadData", Code: ErrorInvalidPTX, Err: err}
	}
	a.next++
	m := Module(a.next)
	a.modules[m] = &emuModule{program: prog, dev: dev}
	return m, prog.Log, nil
}

func (a *EmulatedAPI) ModuleGetFunction(m Module, name string) (Function, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mod, ok := a.modules[m]
	if !ok {
		return 0, &Error{Op: "cuModuleGetFunction", Code: ErrorInvalidHandle}
	}
	k, err := mod.program.Kernel(name)
	if err != nil {
		return 0, &Error{Op: "cuModuleGetFunction", Code: ErrorNotFound, Err: err}
	}
	a.next++
	f := Function(a.next)
	a.functions[f] = &emuFunction{kernel: k, module: m, dev: mod.dev}
	return f, nil
}

func (a *EmulatedAPI) ModuleUnload(m Module) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.modules[m]; !ok {
		return &Error{Op: "cuModuleUnload", Code: ErrorInvalidHandle}
	}
	delete(a.modules, m)
	for f, fn := range a.functions {
		if fn.module == m {
			delete(a.functions, f)
		}
	}
	return nil
}

func (a *EmulatedAPI) MemAlloc(ctx Context, size uint64) (DevicePtr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("cuMemAlloc", ErrorOutOfMemory); err != nil {
		return 0, err
	}
	dev, ok := a.contexts[ctx]
	if !ok {
		return 0, &Error{Op: "cuMemAlloc", Code: ErrorInvalidContext}
	}
	if size == 0 {
		return 0, &Error{Op: "cuMemAlloc", Code: ErrorInvalidValue}
	}
	buf, err := dev.Alloc(size)
	if err != nil {
		return 0, &Error{Op: "cuMemAlloc", Code: ErrorOutOfMemory, Err: err}
	}

	p := a.nextPtr
	a.nextPtr += DevicePtr((size + ptrAlign - 1) / ptrAlign * ptrAlign)
	a.ptrs[p] = buf
	return p, nil
}

func (a *EmulatedAPI) buffer(op string, p DevicePtr) (*emu.Buffer, error) {
	buf, ok := a.ptrs[p]
	if !ok {
		return nil, &Error{Op: op, Code: ErrorInvalidValue, Err: fmt.Errorf("unknown device pointer %#x", uint64(p))}
	}
	return buf, nil
}

// locate resolves a pointer anywhere inside an allocation to the buffer and
// the byte offset within it
func (a *EmulatedAPI) locate(op string, p DevicePtr) (*emu.Buffer, uint64, error) {
	if buf, ok := a.ptrs[p]; ok {
		return buf, 0, nil
	}
	for base, buf := range a.ptrs {
		if p > base && uint64(p-base) < buf.Size() {
			return buf, uint64(p - base), nil
		}
	}
	return nil, 0, &Error{Op: op, Code: ErrorInvalidValue, Err: fmt.Errorf("unknown device pointer %#x", uint64(p))}
}

func (a *EmulatedAPI) MemFree(p DevicePtr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, err := a.buffer("cuMemFree", p)
	if err != nil {
		return err
	}
	delete(a.ptrs, p)
	return buf.Free()
}

func (a *EmulatedAPI) MemGetInfo(ctx Context) (uint64, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dev, ok := a.contexts[ctx]
	if !ok {
		return 0, 0, &Error{Op: "cuMemGetInfo", Code: ErrorInvalidContext}
	}
	return dev.FreeMemory(), dev.Spec().Memory, nil
}

func (a *EmulatedAPI) MemcpyHtoD(dst DevicePtr, src []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, off, err := a.locate("cuMemcpyHtoD", dst)
	if err != nil {
		return err
	}
	if err := buf.Write(off, src); err != nil {
		return &Error{Op: "cuMemcpyHtoD", Code: ErrorInvalidValue, Err: err}
	}
	return nil
}

func (a *EmulatedAPI) MemcpyDtoH(dst []byte, src DevicePtr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, off, err := a.locate("cuMemcpyDtoH", src)
	if err != nil {
		return err
	}
	if err := buf.Read(off, dst); err != nil {
		return &Error{Op: "cuMemcpyDtoH", Code: ErrorInvalidValue, Err: err}
	}
	return nil
}

func (a *EmulatedAPI) MemsetD32(dst DevicePtr, value uint32, count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, err := a.buffer("cuMemsetD32", dst)
	if err != nil {
		return err
	}
	if err := buf.Fill(0, count, value); err != nil {
		return &Error{Op: "cuMemsetD32", Code: ErrorInvalidValue, Err: err}
	}
	return nil
}

// LaunchKernel runs the grid to completion before returning
func (a *EmulatedAPI) LaunchKernel(f Function, grid, block uint32, params ...any) error {
	a.mu.Lock()
	fn, ok := a.functions[f]
	if !ok {
		a.mu.Unlock()
		return &Error{Op: "cuLaunchKernel", Code: ErrorInvalidHandle}
	}

	args := make([]any, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case DevicePtr:
			buf, err := a.buffer("cuLaunchKernel", v)
			if err != nil {
				a.mu.Unlock()
				return err
			}
			args[i] = buf
		case uint32, uint64:
			args[i] = v
		default:
			a.mu.Unlock()
			return &Error{Op: "cuLaunchKernel", Code: ErrorInvalidValue, Err: fmt.Errorf("parameter %d has type %T", i, p)}
		}
	}
	a.mu.Unlock()

	if grid == 0 || block == 0 {
		return &Error{Op: "cuLaunchKernel", Code: ErrorInvalidValue}
	}
	if err := fn.dev.Launch(fn.kernel, args, 0, uint64(grid)*uint64(block), uint64(block)); err != nil {
		code := ErrorLaunchFailed
		if errors.Is(err, emu.ErrInvalidLaunch) {
			code = ErrorInvalidValue
		}
		return &Error{Op: "cuLaunchKernel", Code: code, Err: err}
	}
	return nil
}
