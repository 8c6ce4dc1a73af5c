package stats

import (
	"math"
	"time"
)

// Snapshot is a read of an Aggregator. Latency fields are zero until a
// success has been recorded.
type Snapshot struct {
	Attempted      int64
	Succeeded      int64
	Failed         int64
	FailedAttempts int64
	Min            time.Duration
	Max            time.Duration
	Sum            time.Duration
	Buckets        []uint64
}

// Avg returns Sum/Succeeded.
func (s Snapshot) Avg() time.Duration {
	if s.Succeeded == 0 {
		return 0
	}
	return time.Duration(int64(s.Sum) / s.Succeeded)
}

// AvgMillis returns the mean latency in fractional milliseconds.
func (s Snapshot) AvgMillis() float64 {
	if s.Succeeded == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.Succeeded) / float64(time.Millisecond)
}

// Throughput returns successful writes per second over elapsed.
func (s Snapshot) Throughput(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Succeeded) / elapsed.Seconds()
}

// Percentile estimates the pct-th latency percentile from the histogram. The
// result is the upper bound of the bucket holding the target rank, clamped to
// [Min, Max].
func (s Snapshot) Percentile(pct float64) time.Duration {
	var total uint64
	for _, c := range s.Buckets {
		total += c
	}
	if total == 0 {
		return 0
	}
	if pct <= 0 {
		return s.Min
	}
	if pct >= 100 {
		return s.Max
	}
	target := uint64(math.Ceil((pct / 100.0) * float64(total)))
	if target == 0 {
		target = 1
	}
	var acc uint64
	for i, c := range s.Buckets {
		acc += c
		if acc < target {
			continue
		}
		bound := BucketBound(i)
		if bound < 0 || bound > s.Max {
			return s.Max
		}
		if bound < s.Min {
			return s.Min
		}
		return bound
	}
	return s.Max
}

// Summary carries the percentile set printed in reports.
type Summary struct {
	P50  time.Duration
	P90  time.Duration
	P95  time.Duration
	P99  time.Duration
	P999 time.Duration
}

// Summarize computes the standard percentile set.
func (s Snapshot) Summarize() Summary {
	return Summary{
		P50:  s.Percentile(50),
		P90:  s.Percentile(90),
		P95:  s.Percentile(95),
		P99:  s.Percentile(99),
		P999: s.Percentile(99.9),
	}
}
