// Package metrics records call outcomes and latency, both as Prometheus
// series and as in-memory summaries for the end-of-run report.
package metrics

import (
	"math"
	"sort"
	"sync"

	"github.com/gateway-fm/rpctester/pkg/types"
)

// DefaultReservoirSize is the number of samples kept for percentile estimation.
const DefaultReservoirSize = 4096

// LatencyReservoir provides streaming percentile estimation with bounded
// memory using reservoir sampling (Algorithm R).
type LatencyReservoir struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir []float64
	size      int

	// xorshift64* state, per instance
	randState uint64
}

// NewLatencyReservoir creates a reservoir holding at most size samples.
func NewLatencyReservoir(size int) *LatencyReservoir {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	return &LatencyReservoir{
		min:       math.MaxFloat64,
		reservoir: make([]float64, 0, size),
		size:      size,
		randState: 1,
	}
}

// Add records a sample in milliseconds.
func (r *LatencyReservoir) Add(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	r.sum += ms
	if ms < r.min {
		r.min = ms
	}
	if ms > r.max {
		r.max = ms
	}

	if len(r.reservoir) < r.size {
		r.reservoir = append(r.reservoir, ms)
		return
	}
	if j := r.next() % uint64(r.count); j < uint64(r.size) {
		r.reservoir[j] = ms
	}
}

func (r *LatencyReservoir) next() uint64 {
	r.randState ^= r.randState >> 12
	r.randState ^= r.randState << 25
	r.randState ^= r.randState >> 27
	return r.randState * 0x2545F4914F6CDD1D
}

// Stats returns the current summary, or nil when nothing was recorded.
func (r *LatencyReservoir) Stats() *types.LatencyStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	sorted := make([]float64, len(r.reservoir))
	copy(sorted, r.reservoir)
	sort.Float64s(sorted)

	return &types.LatencyStats{
		Count: int(r.count),
		Min:   r.min,
		Max:   r.max,
		Avg:   r.sum / float64(r.count),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
	}
}

// Count returns the number of samples recorded.
func (r *LatencyReservoir) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// percentile interpolates linearly over a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// PathLatency keeps one reservoir per call path.
type PathLatency struct {
	mu    sync.RWMutex
	paths map[string]*LatencyReservoir
	size  int
}

// NewPathLatency creates an empty per-path latency table.
func NewPathLatency() *PathLatency {
	return &PathLatency{
		paths: make(map[string]*LatencyReservoir),
		size:  DefaultReservoirSize,
	}
}

// Add records a sample for path.
func (p *PathLatency) Add(path string, ms float64) {
	p.mu.RLock()
	r, ok := p.paths[path]
	p.mu.RUnlock()

	if !ok {
		p.mu.Lock()
		if r, ok = p.paths[path]; !ok {
			r = NewLatencyReservoir(p.size)
			p.paths[path] = r
		}
		p.mu.Unlock()
	}
	r.Add(ms)
}

// Stats returns summaries keyed by path.
func (p *PathLatency) Stats() map[string]*types.LatencyStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*types.LatencyStats, len(p.paths))
	for path, r := range p.paths {
		if s := r.Stats(); s != nil {
			out[path] = s
		}
	}
	return out
}
