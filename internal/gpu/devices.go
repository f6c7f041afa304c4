package gpu

import (
	"errors"
	"fmt"
)

// Enumerate lists devices across backends in backend order, then each
// backend's own order, assigning global IDs. A backend that fails to
// enumerate contributes no devices; its error is returned only when no
// backend produced any device.
func Enumerate(backends ...Backend) ([]Device, error) {
	var (
		out  []Device
		errs []error
	)
	for _, b := range backends {
		devs, err := b.Devices()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Kind(), err))
			continue
		}
		for i, d := range devs {
			d.ID = len(out)
			d.LocalIndex = i
			d.Kind = b.Kind()
			d.KindName = b.Kind().String()
			out = append(out, d)
		}
	}

	if len(out) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoDevices, errors.Join(errs...))
		}
		return nil, ErrNoDevices
	}
	return out, nil
}

// Resolve maps a global device ID to the backend that owns it and the
// device's index within that backend.
func Resolve(backends []Backend, id int) (Backend, Device, error) {
	devs, err := Enumerate(backends...)
	if err != nil {
		return nil, Device{}, err
	}
	if id < 0 || id >= len(devs) {
		return nil, Device{}, fmt.Errorf("%w: id %d, %d enumerated", ErrDeviceNotFound, id, len(devs))
	}

	d := devs[id]
	for _, b := range backends {
		if b.Kind() == d.Kind {
			return b, d, nil
		}
	}
	return nil, Device{}, fmt.Errorf("%w: no backend for %s", ErrDeviceNotFound, d.Kind)
}
