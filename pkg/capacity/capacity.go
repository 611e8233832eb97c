// Package capacity answers how many more tasks a region can accept given its
// platform quota figures.
package capacity

import "math"

// Quota is one platform resource dimension for a region.
type Quota struct {
	// Limit is the total amount of the resource available to the region.
	Limit float64
	// PerTask is the amount one task allocates.
	PerTask float64
	// InUse is the amount already allocated.
	InUse float64
}

// Available returns how many more tasks fit within the quota.
func Available(q Quota) int {
	if q.PerTask <= 0 || q.Limit <= 0 {
		return 0
	}

	free := q.Limit - q.InUse
	if free <= 0 {
		return 0
	}

	// Small epsilon so 4.0/0.1-style inputs are not floored one short.
	n := math.Floor(free/q.PerTask + 1e-9)
	if n > math.MaxInt32 {
		return math.MaxInt32
	}

	return int(n)
}

// AvailableAll returns the number of tasks that fit within every quota.
// With no quotas it returns 0.
func AvailableAll(quotas ...Quota) int {
	if len(quotas) == 0 {
		return 0
	}

	n := math.MaxInt32
	for _, q := range quotas {
		if a := Available(q); a < n {
			n = a
		}
	}

	return n
}
