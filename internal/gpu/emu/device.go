// Package emu is a software compute device. It runs the AdaptivePow kernels
// on host goroutines behind the same buffer and launch model a GPU exposes,
// so both backends work without a native runtime.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	ErrOutOfMemory   = errors.New("emulated device out of memory")
	ErrBufferFreed   = errors.New("buffer already freed")
	ErrOutOfBounds   = errors.New("buffer access out of bounds")
	ErrUnaligned     = errors.New("buffer access not word aligned")
	ErrDeviceClosed  = errors.New("emulated device released")
	ErrInvalidLaunch = errors.New("invalid kernel launch")
)

// Spec describes an emulated device
type Spec struct {
	Name         string `mapstructure:"name" json:"name"`
	Memory       uint64 `mapstructure:"memory" json:"memory"`
	ComputeUnits int    `mapstructure:"compute_units" json:"compute_units"`
	MaxThreads   int    `mapstructure:"max_threads" json:"max_threads"`
}

// HostSpec sizes a device after the host: available memory and logical CPUs
func HostSpec(name string) (Spec, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Spec{}, fmt.Errorf("read host memory: %w", err)
	}
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = 1
	}
	return Spec{
		Name:         name,
		Memory:       vm.Available,
		ComputeUnits: cores,
		MaxThreads:   cores * 256,
	}, nil
}

// Device is one emulated device with bounded memory
type Device struct {
	spec Spec

	mu     sync.Mutex
	used   uint64
	faults map[string]error
}

// NewDevice creates a device. Unset fields fall back to one compute unit.
func NewDevice(spec Spec) *Device {
	if spec.ComputeUnits <= 0 {
		spec.ComputeUnits = 1
	}
	if spec.MaxThreads <= 0 {
		spec.MaxThreads = spec.ComputeUnits * 256
	}
	return &Device{spec: spec, faults: make(map[string]error)}
}

func (d *Device) Spec() Spec {
	return d.spec
}

// FreeMemory is the capacity not held by live buffers
func (d *Device) FreeMemory() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spec.Memory - d.used
}

// Used is the memory held by live buffers
func (d *Device) Used() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// SetFault makes every launch of kernel fail with err until cleared with nil
func (d *Device) SetFault(kernel string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.faults, kernel)
		return
	}
	d.faults[kernel] = err
}

func (d *Device) fault(kernel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faults[kernel]
}

// Alloc reserves a zeroed buffer of size bytes
func (d *Device) Alloc(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized buffer", ErrInvalidLaunch)
	}

	d.mu.Lock()
	if size > d.spec.Memory-d.used {
		free := d.spec.Memory - d.used
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: requested %d bytes, %d free", ErrOutOfMemory, size, free)
	}
	d.used += size
	d.mu.Unlock()

	return &Buffer{
		dev:   d,
		size:  size,
		words: make([]uint32, (size+3)/4),
	}, nil
}

// Buffer is device memory addressed in 32-bit words
type Buffer struct {
	dev   *Device
	size  uint64
	words []uint32
	freed bool
}

func (b *Buffer) Size() uint64 {
	return b.size
}

// Words exposes the backing store to kernels
func (b *Buffer) Words() []uint32 {
	return b.words
}

func (b *Buffer) check(offset, n uint64) error {
	if b.freed {
		return ErrBufferFreed
	}
	if offset%4 != 0 || n%4 != 0 {
		return fmt.Errorf("%w: offset %d length %d", ErrUnaligned, offset, n)
	}
	if offset+n > b.size || offset+n < offset {
		return fmt.Errorf("%w: %d+%d of %d", ErrOutOfBounds, offset, n, b.size)
	}
	return nil
}

// Write copies little-endian bytes into the buffer at a byte offset
func (b *Buffer) Write(offset uint64, data []byte) error {
	if err := b.check(offset, uint64(len(data))); err != nil {
		return err
	}
	base := offset / 4
	for i := 0; i+4 <= len(data); i += 4 {
		b.words[base+uint64(i/4)] = binary.LittleEndian.Uint32(data[i:])
	}
	return nil
}

// Read copies buffer contents at a byte offset into dst as little-endian bytes
func (b *Buffer) Read(offset uint64, dst []byte) error {
	if err := b.check(offset, uint64(len(dst))); err != nil {
		return err
	}
	base := offset / 4
	for i := 0; i+4 <= len(dst); i += 4 {
		binary.LittleEndian.PutUint32(dst[i:], b.words[base+uint64(i/4)])
	}
	return nil
}

// Fill sets count words starting at word offset to value
func (b *Buffer) Fill(wordOffset, count uint64, value uint32) error {
	if err := b.check(wordOffset*4, count*4); err != nil {
		return err
	}
	for i := wordOffset; i < wordOffset+count; i++ {
		b.words[i] = value
	}
	return nil
}

// Free returns the buffer's memory to the device. Freeing twice is an error.
func (b *Buffer) Free() error {
	if b.freed {
		return ErrBufferFreed
	}
	b.freed = true
	b.words = nil

	b.dev.mu.Lock()
	b.dev.used -= b.size
	b.dev.mu.Unlock()
	return nil
}
