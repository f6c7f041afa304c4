package gpu

// Batch is one dataset generation launch
type Batch struct {
	Offset uint64
	Size   uint64
}

// BatchPlan splits [0, total) into launches of at most size items, in
// increasing offset order.
func BatchPlan(total, size uint64) []Batch {
	if total == 0 {
		return nil
	}
	if size == 0 || size > total {
		size = total
	}

	plan := make([]Batch, 0, (total+size-1)/size)
	for off := uint64(0); off < total; off += size {
		n := size
		if total-off < n {
			n = total - off
		}
		plan = append(plan, Batch{Offset: off, Size: n})
	}
	return plan
}

// ShouldReport tells whether batch i of n is a progress point
func ShouldReport(i, n, every int) bool {
	return i == n-1 || (every > 0 && i%every == 0)
}
