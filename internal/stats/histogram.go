package stats

import (
	"math"
	"sort"
	"sync/atomic"
	"time"
)

// Quarter-octave buckets from 1µs; the last bucket is open-ended.
const (
	bucketBase     = int64(time.Microsecond)
	bucketsPerOct  = 4
	bucketOctaves  = 36
	histogramSlots = bucketsPerOct*bucketOctaves + 1
)

var bucketBounds = buildBounds()

func buildBounds() []int64 {
	bounds := make([]int64, histogramSlots-1)
	for i := range bounds {
		bounds[i] = int64(math.Ceil(float64(bucketBase) * math.Pow(2, float64(i)/bucketsPerOct)))
	}
	return bounds
}

type histogram struct {
	slots [histogramSlots]atomic.Uint64
}

func (h *histogram) observe(ns int64) {
	idx := sort.Search(len(bucketBounds), func(i int) bool { return bucketBounds[i] >= ns })
	h.slots[idx].Add(1)
}

func (h *histogram) counts() []uint64 {
	out := make([]uint64, histogramSlots)
	for i := range h.slots {
		out[i] = h.slots[i].Load()
	}
	return out
}

// BucketBound returns the inclusive upper bound of histogram bucket i, or -1 for
// the open-ended last bucket.
func BucketBound(i int) time.Duration {
	if i < 0 || i >= len(bucketBounds) {
		return -1
	}
	return time.Duration(bucketBounds[i])
}
