package sensor

import (
	"math"
	"sort"
)

// Sampler produces raw distance samples.
type Sampler interface {
	Distance() float64
}

// Measure takes n raw samples from s and aggregates them.
func Measure(s Sampler, n int) float64 {
	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, s.Distance())
	}
	return Aggregate(samples)
}

// Aggregate drops invalid samples and averages the ones lying within one
// population standard deviation of the median. It returns Invalid when no
// sample is valid.
func Aggregate(samples []float64) float64 {
	valid := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s != Invalid {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return Invalid
	}

	sort.Float64s(valid)
	median := valid[len(valid)/2]

	n := float64(len(valid))
	var sum float64
	for _, s := range valid {
		sum += s
	}
	mean := sum / n
	var sq float64
	for _, s := range valid {
		sq += (s - mean) * (s - mean)
	}
	sd := math.Sqrt(sq / n)

	var total float64
	var count int
	for _, s := range valid {
		if s >= median-sd && s <= median+sd {
			total += s
			count++
		}
	}
	// The median itself is always inside the band.
	return total / float64(count)
}
