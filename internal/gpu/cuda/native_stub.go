//go:build !cuda || !cgo

package cuda

import (
	"fmt"

	"github.com/tos-network/apow-miner/internal/gpu"
)

// NewNativeAPI is unavailable without the cuda build tag and cgo
func NewNativeAPI() (API, error) {
	return nil, fmt.Errorf("%w: cuda (build with -tags cuda)", gpu.ErrUnsupported)
}
