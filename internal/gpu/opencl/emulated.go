package opencl

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tos-network/apow-miner/internal/gpu/emu"
)

// EmulatedAPI serves the OpenCL API from emulated devices
type EmulatedAPI struct {
	devices []*emu.Device

	mu       sync.Mutex
	next     uintptr
	contexts map[Context]*emu.Device
	queues   map[Queue]*emu.Device
	programs map[Program]*emu.Program
	kernels  map[Kernel]*emuKernel
	mems     map[Mem]*emu.Buffer
	failures map[string]error
}

type emuKernel struct {
	kernel *emu.Kernel
	args   []any
}

// NewEmulatedAPI exposes devices as one OpenCL platform
func NewEmulatedAPI(devices ...*emu.Device) *EmulatedAPI {
	return &EmulatedAPI{
		devices:  devices,
		contexts: make(map[Context]*emu.Device),
		queues:   make(map[Queue]*emu.Device),
		programs: make(map[Program]*emu.Program),
		kernels:  make(map[Kernel]*emuKernel),
		mems:     make(map[Mem]*emu.Buffer),
		failures: make(map[string]error),
	}
}

// Fail makes the named API call (e.g. "clCreateContext") fail until cleared
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

// Live counts objects that have been created and not released
func (a *EmulatedAPI) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.contexts) + len(a.queues) + len(a.programs) + len(a.kernels) + len(a.mems)
}

func (a *EmulatedAPI) id() uintptr {
	a.next++
	return a.next
}

func (a *EmulatedAPI) injected(op string, status int32) error {
	if err, ok := a.failures[op]; ok {
		return &Error{Op: op, Status: status, Err: err}
	}
	return nil
}

func (a *EmulatedAPI) device(id DeviceID) (*emu.Device, error) {
	i := int(id) - 1
	if i < 0 || i >= len(a.devices) {
		return nil, &Error{Op: "clGetDeviceInfo", Status: InvalidDevice}
	}
	return a.devices[i], nil
}

func (a *EmulatedAPI) Devices() ([]DeviceID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("clGetDeviceIDs", DeviceNotFound); err != nil {
		return nil, err
	}
	ids := make([]DeviceID, len(a.devices))
	for i := range a.devices {
		ids[i] = DeviceID(i + 1)
	}
	return ids, nil
}

func (a *EmulatedAPI) DeviceInfo(id DeviceID) (DeviceInfo, error) {
	d, err := a.device(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	spec := d.Spec()
	return DeviceInfo{
		Name:         spec.Name,
		Vendor:       "emulated",
		GlobalMem:    spec.Memory,
		FreeMem:      d.FreeMemory(),
		MaxAlloc:     spec.Memory,
		ComputeUnits: spec.ComputeUnits,
		MaxWorkGroup: spec.MaxThreads / spec.ComputeUnits,
		Available:    true,
	}, nil
}

func (a *EmulatedAPI) CreateContext(id DeviceID) (Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("clCreateContext", OutOfHostMemory); err != nil {
		return 0, err
	}
	d, err := a.device(id)
	if err != nil {
		return 0, err
	}
	ctx := Context(a.id())
	a.contexts[ctx] = d
	return ctx, nil
}

func (a *EmulatedAPI) CreateQueue(ctx Context, id DeviceID) (Queue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("clCreateCommandQueue", OutOfResources); err != nil {
		return 0, err
	}
	d, ok := a.contexts[ctx]
	if !ok {
		return 0, &Error{Op: "clCreateCommandQueue", Status: InvalidContext}
	}
	q := Queue(a.id())
	a.queues[q] = d
	return q, nil
}

func (a *EmulatedAPI) BuildProgram(ctx Context, id DeviceID, src []byte, options string) (Program, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.contexts[ctx]; !ok {
		return 0, "", &Error{Op: "clCreateProgramWithSource", Status: InvalidContext}
	}

	prog, err := emu.Compile(src, options)
	p := Program(a.id())
	a.programs[p] = prog
	if err != nil {
		return p, prog.Log, &Error{Op: "clBuildProgram", Status: BuildProgramFailure, Err: err}
	}
	return p, prog.Log, nil
}

func (a *EmulatedAPI) CreateKernel(p Program, name string) (Kernel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prog, ok := a.programs[p]
	if !ok {
		return 0, &Error{Op: "clCreateKernel", Status: InvalidProgram}
	}
	k, err := prog.Kernel(name)
	if err != nil {
		return 0, &Error{Op: "clCreateKernel", Status: InvalidKernelName, Err: err}
	}

	id := Kernel(a.id())
	a.kernels[id] = &emuKernel{kernel: k}
	return id, nil
}

func (a *EmulatedAPI) CreateBuffer(ctx Context, flags MemFlags, size uint64) (Mem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.injected("clCreateBuffer", MemObjectAllocationFailure); err != nil {
		return 0, err
	}
	d, ok := a.contexts[ctx]
	if !ok {
		return 0, &Error{Op: "clCreateBuffer", Status: InvalidContext}
	}
	if size == 0 {
		return 0, &Error{Op: "clCreateBuffer", Status: InvalidBufferSize}
	}
	buf, err := d.Alloc(size)
	if err != nil {
		return 0, &Error{Op: "clCreateBuffer", Status: MemObjectAllocationFailure, Err: err}
	}
	m := Mem(a.id())
	a.mems[m] = buf
	return m, nil
}

func (a *EmulatedAPI) SetKernelArg(k Kernel, index int, value any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ek, ok := a.kernels[k]
	if !ok {
		return &Error{Op: "clSetKernelArg", Status: InvalidKernel}
	}
	switch value.(type) {
	case Mem, uint32, uint64:
	default:
		return &Error{Op: "clSetKernelArg", Status: InvalidArgValue, Err: fmt.Errorf("unsupported type %T", value)}
	}
	for len(ek.args) <= index {
		ek.args = append(ek.args, nil)
	}
	ek.args[index] = value
	return nil
}

func (a *EmulatedAPI) buffer(op string, m Mem) (*emu.Buffer, error) {
	buf, ok := a.mems[m]
	if !ok {
		return nil, &Error{Op: op, Status: InvalidMemObject}
	}
	return buf, nil
}

func (a *EmulatedAPI) EnqueueWrite(q Queue, m Mem, offset uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.queues[q]; !ok {
		return &Error{Op: "clEnqueueWriteBuffer", Status: InvalidCommandQueue}
	}
	buf, err := a.buffer("clEnqueueWriteBuffer", m)
	if err != nil {
		return err
	}
	if err := buf.Write(offset, data); err != nil {
		return &Error{Op: "clEnqueueWriteBuffer", Status: InvalidValue, Err: err}
	}
	return nil
}

func (a *EmulatedAPI) EnqueueRead(q Queue, m Mem, offset uint64, dst []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.queues[q]; !ok {
		return &Error{Op: "clEnqueueReadBuffer", Status: InvalidCommandQueue}
	}
	buf, err := a.buffer("clEnqueueReadBuffer", m)
	if err != nil {
		return err
	}
	if err := buf.Read(offset, dst); err != nil {
		return &Error{Op: "clEnqueueReadBuffer", Status: InvalidValue, Err: err}
	}
	return nil
}

// EnqueueNDRange runs the launch to completion before returning
func (a *EmulatedAPI) EnqueueNDRange(q Queue, k Kernel, offset, global, local uint64) error {
	a.mu.Lock()
	dev, ok := a.queues[q]
	if !ok {
		a.mu.Unlock()
		return &Error{Op: "clEnqueueNDRangeKernel", Status: InvalidCommandQueue}
	}
	ek, ok := a.kernels[k]
	if !ok {
		a.mu.Unlock()
		return &Error{Op: "clEnqueueNDRangeKernel", Status: InvalidKernel}
	}

	args := make([]any, len(ek.args))
	for i, v := range ek.args {
		switch v := v.(type) {
		case Mem:
			buf, err := a.buffer("clEnqueueNDRangeKernel", v)
			if err != nil {
				a.mu.Unlock()
				return err
			}
			args[i] = buf
		case nil:
			a.mu.Unlock()
			return &Error{Op: "clEnqueueNDRangeKernel", Status: InvalidKernelArgs, Err: fmt.Errorf("argument %d not set", i)}
		default:
			args[i] = v
		}
	}
	a.mu.Unlock()

	if err := dev.Launch(ek.kernel, args, offset, global, local); err != nil {
		status := int32(OutOfResources)
		if errors.Is(err, emu.ErrInvalidLaunch) {
			status = InvalidKernelArgs
		}
		return &Error{Op: "clEnqueueNDRangeKernel", Status: status, Err: err}
	}
	return nil
}

func (a *EmulatedAPI) Finish(q Queue) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.queues[q]; !ok {
		return &Error{Op: "clFinish", Status: InvalidCommandQueue}
	}
	return nil
}

func (a *EmulatedAPI) ReleaseKernel(k Kernel) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.kernels[k]; !ok {
		return &Error{Op: "clReleaseKernel", Status: InvalidKernel}
	}
	delete(a.kernels, k)
	return nil
}

func (a *EmulatedAPI) ReleaseMem(m Mem) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, err := a.buffer("clReleaseMemObject", m)
	if err != nil {
		return err
	}
	delete(a.mems, m)
	return buf.Free()
}

func (a *EmulatedAPI) ReleaseProgram(p Program) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.programs[p]; !ok {
		return &Error{Op: "clReleaseProgram", Status: InvalidProgram}
	}
	delete(a.programs, p)
	return nil
}

func (a *EmulatedAPI) ReleaseQueue(q Queue) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.queues[q]; !ok {
		return &Error{Op: "clReleaseCommandQueue", Status: InvalidCommandQueue}
	}
	delete(a.queues, q)
	return nil
}

func (a *EmulatedAPI) ReleaseContext(ctx Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.contexts[ctx]; !ok {
		return &Error{Op: "clReleaseContext", Status: InvalidContext}
	}
	delete(a.contexts, ctx)
	return nil
}
