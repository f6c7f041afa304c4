//go:build !opencl || !cgo

package opencl

import (
	"fmt"

	"github.com/tos-network/apow-miner/internal/gpu"
)

// NewNativeAPI is unavailable without the opencl build tag and cgo
func NewNativeAPI() (API, error) {
	return nil, fmt.Errorf("%w: opencl (build with -tags opencl)", gpu.ErrUnsupported)
}
