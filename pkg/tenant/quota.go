package tenant

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// QuotaConfig sets refill rate and burst for a bucket class.
type QuotaConfig struct {
	RPS   float64
	Burst int
}

// Quotas holds one lazily created token bucket per tenant. The shared
// tenant gets its own, stricter, configuration.
type Quotas struct {
	perTenant QuotaConfig
	shared    QuotaConfig

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewQuotas(perTenant, shared QuotaConfig) *Quotas {
	q := &Quotas{
		perTenant: perTenant,
		shared:    shared,
		buckets:   make(map[string]*bucket),
		now:       time.Now,
	}
	go q.janitor()
	return q
}

func (q *Quotas) configFor(tenant string) QuotaConfig {
	if tenant == Shared {
		return q.shared
	}
	return q.perTenant
}

func (q *Quotas) limiterFor(tenant string) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.buckets[tenant]
	if !ok {
		cfg := q.configFor(tenant)
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)}
		q.buckets[tenant] = b
	}
	b.lastSeen = q.now()
	return b.limiter
}

// Allow consumes one token. When the bucket is empty it returns false
// and the duration after which a retry could succeed.
func (q *Quotas) Allow(tenant string) (bool, time.Duration) {
	lim := q.limiterFor(tenant)
	res := lim.ReserveN(q.now(), 1)
	if !res.OK() {
		return false, time.Second
	}
	delay := res.DelayFrom(q.now())
	if delay > 0 {
		res.CancelAt(q.now())
		return false, delay
	}
	return true, 0
}

// RetryAfterSeconds rounds a delay up to whole seconds for the
// Retry-After response header.
func RetryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// janitor drops buckets idle for longer than 10 minutes.
func (q *Quotas) janitor() {
	for {
		time.Sleep(time.Minute)
		cutoff := q.now().Add(-10 * time.Minute)
		q.mu.Lock()
		for tenant, b := range q.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(q.buckets, tenant)
			}
		}
		q.mu.Unlock()
	}
}
