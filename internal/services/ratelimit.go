package services

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter: пауза между действиями одного пользователя, в памяти процесса
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]map[string]*rate.Limiter
	limits   map[string]time.Duration
	fallback time.Duration
	exempt   int64
	now      func() time.Time
}

// NewRateLimiter: claimCooldown задаёт паузу между выдачами; admin не ограничивается
func NewRateLimiter(claimCooldown time.Duration, admin int64) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[int64]map[string]*rate.Limiter),
		limits: map[string]time.Duration{
			"claim":   claimCooldown,
			"invoice": 10 * time.Second,
			"check":   5 * time.Second,
		},
		fallback: 2 * time.Second,
		exempt:   admin,
		now:      time.Now,
	}
}

// IsLimited возвращает true, если пользователь слишком часто повторяет действие
func (r *RateLimiter) IsLimited(userID int64, action string) bool {
	if userID == r.exempt && r.exempt != 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limiters[userID] == nil {
		r.limiters[userID] = make(map[string]*rate.Limiter)
	}
	l := r.limiters[userID][action]
	if l == nil {
		every, ok := r.limits[action]
		if !ok {
			every = r.fallback
		}
		if every <= 0 {
			return false
		}
		l = rate.NewLimiter(rate.Every(every), 1)
		r.limiters[userID][action] = l
	}
	return !l.AllowN(r.now(), 1)
}

// Prune забывает пользователей, у которых все паузы уже истекли.
// Такой пользователь при следующем запросе получит свежий лимитер с тем же результатом.
func (r *RateLimiter) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for userID, actions := range r.limiters {
		idle := true
		for _, l := range actions {
			if l.TokensAt(now) < float64(l.Burst()) {
				idle = false
				break
			}
		}
		if idle {
			delete(r.limiters, userID)
			removed++
		}
	}
	return removed
}

// Tracked: сколько пользователей сейчас в памяти
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
