package mind

import (
	"sync"
	"time"

	"github.com/keshon/chorus/internal/config"
)

// LLMRateLimiter enforces global and per-channel limits on autonomous
// generator calls.
type LLMRateLimiter struct {
	mu                 sync.Mutex
	perMinute          []time.Time
	perHour            []time.Time
	maxPerMinute       int
	maxPerHour         int
	minChannelCooldown time.Duration
	lastByChannel      map[string]time.Time
}

// NewLLMLimiter builds a limiter from config. Zero caps are unlimited.
func NewLLMLimiter(cfg config.LimitsConfig) *LLMRateLimiter {
	return &LLMRateLimiter{
		perMinute:          make([]time.Time, 0, 32),
		perHour:            make([]time.Time, 0, 64),
		maxPerMinute:       cfg.PerMinute,
		maxPerHour:         cfg.PerHour,
		minChannelCooldown: cfg.ChannelCooldown,
		lastByChannel:      make(map[string]time.Time),
	}
}

// Allow returns true if an autonomous call is allowed for this channel at now.
func (l *LLMRateLimiter) Allow(channelID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastByChannel[channelID]; ok && now.Sub(last) < l.minChannelCooldown {
		return false
	}

	l.perMinute = trimBefore(l.perMinute, now.Add(-time.Minute))
	l.perHour = trimBefore(l.perHour, now.Add(-time.Hour))

	if l.maxPerMinute > 0 && len(l.perMinute) >= l.maxPerMinute {
		return false
	}
	if l.maxPerHour > 0 && len(l.perHour) >= l.maxPerHour {
		return false
	}
	return true
}

// Record counts a call made for channelID at now. Explicit replies are
// recorded too, so autonomous ones back off while humans keep us busy.
func (l *LLMRateLimiter) Record(channelID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perMinute = append(l.perMinute, now)
	l.perHour = append(l.perHour, now)
	l.lastByChannel[channelID] = now
}

func trimBefore(ts []time.Time, cut time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cut) {
		i++
	}
	return append(ts[:0], ts[i:]...)
}
