package emu

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// thread runs one work item
type thread func(gid uint64)

// kernelImpl validates launch arguments and returns the per-item body
type kernelImpl func(args []any) (thread, error)

// Launch runs global work items starting at offset, spread over the
// device's compute units. It returns once every item has finished.
func (d *Device) Launch(k *Kernel, args []any, offset, global, local uint64) error {
	if global == 0 {
		return fmt.Errorf("%w: %s with zero work items", ErrInvalidLaunch, k.Name)
	}
	if local > 0 && global%local != 0 {
		return fmt.Errorf("%w: %s global size %d not a multiple of local size %d",
			ErrInvalidLaunch, k.Name, global, local)
	}
	if err := d.fault(k.Name); err != nil {
		return err
	}

	body, err := k.impl(args)
	if err != nil {
		return fmt.Errorf("%s: %w", k.Name, err)
	}

	units := uint64(d.spec.ComputeUnits)
	chunk := (global + units - 1) / units
	if local > 0 && chunk%local != 0 {
		chunk += local - chunk%local
	}

	var g errgroup.Group
	for lo := offset; lo < offset+global; lo += chunk {
		lo, hi := lo, lo+chunk
		if hi > offset+global {
			hi = offset + global
		}
		g.Go(func() error {
			for gid := lo; gid < hi; gid++ {
				body(gid)
			}
			return nil
		})
	}
	return g.Wait()
}
