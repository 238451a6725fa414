package store

import "math"

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// TimeRange bounds a history query in unix ms. Since is inclusive, Until is
// exclusive; zero means unbounded. Limit defaults to 50 and is capped at 1000.
type TimeRange struct {
	Since int64
	Until int64
	Limit int
}

func (r TimeRange) bounds() (since, until int64, limit int) {
	since, until, limit = r.Since, r.Until, r.Limit
	if until <= 0 {
		until = math.MaxInt64
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return since, until, limit
}
