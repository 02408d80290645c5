package adminapi

import (
	"sync"
	"time"

	"github.com/agentchat/agentchat/internal/ratelimit"
)

// perKeyLimiter fans a per-key token bucket out over ratelimit.Limiter,
// the way the teacher's api.rateLimiter fans login attempts out by IP —
// but delegates the bucket math to the shared ratelimit package instead
// of reimplementing it.
type perKeyLimiter struct {
	mu      sync.Mutex
	buckets map[string]*entry
	rate    float64
	burst   int
}

type entry struct {
	limiter    *ratelimit.Limiter
	lastAccess time.Time
}

func newPerKeyLimiter(rate float64, burst int) *perKeyLimiter {
	return &perKeyLimiter{buckets: make(map[string]*entry), rate: rate, burst: burst}
}

func (p *perKeyLimiter) allow(key string) bool {
	p.mu.Lock()
	e, ok := p.buckets[key]
	if !ok {
		e = &entry{limiter: ratelimit.New(p.rate, p.burst)}
		p.buckets[key] = e
	}
	e.lastAccess = time.Now()
	p.mu.Unlock()
	return e.limiter.Allow()
}

func (p *perKeyLimiter) cleanup(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.buckets {
		if e.lastAccess.Before(cutoff) {
			delete(p.buckets, k)
		}
	}
}
