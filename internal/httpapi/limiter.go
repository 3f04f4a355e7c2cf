package httpapi

import (
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/config"
)

// limiterPool holds one token bucket per user.
type limiterPool struct {
	mu  sync.Mutex
	m   map[string]*rate.Limiter
	cfg config.RateLimitConfig
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.cfg.RPS
	if rps <= 0 {
		rps = 1
	}
	burst := p.cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(userID int64) bool {
	return p.get(strconv.FormatInt(userID, 10)).Allow()
}
