package images

import (
	"math/rand/v2"
	"sync"
)

// Sampler draws uniform samples without replacement. It is safe for
// concurrent use.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler returns a Sampler seeded from the runtime's entropy source.
func NewSampler() *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeededSampler returns a deterministic Sampler for tests.
func NewSeededSampler(seed uint64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Sample returns n distinct elements of pool chosen uniformly at random. The
// pool is not modified. n is clamped to len(pool).
func (s *Sampler) Sample(pool []string, n int) []string {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	if n > len(pool) {
		n = len(pool)
	}
	work := cloneStrings(pool)
	s.mu.Lock()
	defer s.mu.Unlock()
	// partial Fisher-Yates: the first n slots end up as the sample
	for i := 0; i < n; i++ {
		j := i + s.rng.IntN(len(work)-i)
		work[i], work[j] = work[j], work[i]
	}
	return work[:n:n]
}

var defaultSampler = NewSampler()

// Select decides which URLs to hand out for a request of count images.
//
// Unserved URLs are taken from the front in order. When they run short, the
// deficit is filled with a uniform random sample from Served. The result may
// be shorter than count when not enough URLs are known. The returned slices
// never alias the record.
func Select(rec Record, count int, sampler *Sampler) (picked []string, remaining []string) {
	if count <= 0 {
		return []string{}, cloneStrings(rec.Unserved)
	}
	if sampler == nil {
		sampler = defaultSampler
	}

	take := min(count, len(rec.Unserved))
	picked = make([]string, 0, count)
	picked = append(picked, rec.Unserved[:take]...)
	remaining = make([]string, 0, len(rec.Unserved)-take)
	remaining = append(remaining, rec.Unserved[take:]...)

	if deficit := count - take; deficit > 0 && len(rec.Served) > 0 {
		picked = append(picked, sampler.Sample(rec.Served, deficit)...)
	}
	return picked, remaining
}
