package gpu

import (
	"fmt"
	"os"
)

// LoadKernelSource returns the first readable file among paths. Finding
// none is a hard failure.
func LoadKernelSource(paths []string) (string, []byte, error) {
	for _, p := range paths {
		src, err := os.ReadFile(p)
		if err == nil && len(src) > 0 {
			return p, src, nil
		}
	}
	return "", nil, fmt.Errorf("%w: tried %v", ErrKernelSourceNotFound, paths)
}
