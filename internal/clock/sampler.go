// Package clock provides the jitter-resistant round-trip estimation shared
// by server and client: a trimmed-mean sample window, a pending-ping
// tracker correlating pings with pongs by magic, and the client-side
// server-time estimator.
package clock

import "sort"

// Sampler keeps the last capacity samples in a ring and reports their
// trimmed mean: the lowest and highest trimmed entries are discarded
// before averaging. With fewer than 2*trimmed+1 samples it averages
// everything instead of failing.
type Sampler struct {
	capacity int
	trimmed  int

	samples []float64
	head    int
	count   int

	scratch []float64
	average float64
	valid   bool
}

func NewSampler(capacity, trimmed int) *Sampler {
	if capacity < 1 {
		capacity = 1
	}
	if trimmed < 0 {
		trimmed = 0
	}
	return &Sampler{
		capacity: capacity,
		trimmed:  trimmed,
		samples:  make([]float64, capacity),
		scratch:  make([]float64, 0, capacity),
	}
}

// Push records a sample, evicting the oldest when the window is full, and
// recalculates the trimmed mean.
func (s *Sampler) Push(sample float64) {
	s.samples[s.head] = sample
	s.head = (s.head + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
	s.recalculate()
}

func (s *Sampler) recalculate() {
	s.scratch = s.scratch[:0]
	start := s.head - s.count
	if start < 0 {
		start += s.capacity
	}
	for i := 0; i < s.count; i++ {
		s.scratch = append(s.scratch, s.samples[(start+i)%s.capacity])
	}
	sort.Float64s(s.scratch)

	trimmed := s.scratch
	if s.count >= 2*s.trimmed+1 {
		trimmed = s.scratch[s.trimmed : s.count-s.trimmed]
	}

	var sum float64
	for _, v := range trimmed {
		sum += v
	}
	s.average = sum / float64(len(trimmed))
	s.valid = true
}

// Average returns the trimmed mean and whether any sample has been pushed.
func (s *Sampler) Average() (float64, bool) {
	return s.average, s.valid
}

func (s *Sampler) Count() int {
	return s.count
}

// Reset discards all samples.
func (s *Sampler) Reset() {
	s.count = 0
	s.head = 0
	s.valid = false
	s.average = 0
}
