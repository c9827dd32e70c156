package wlog

import (
	"sync"
	"time"
)

// RateLimit tracks the number of hits performed by each source ("actor") to determine
// whether a source has exceeded the specified rate limit. Instead of being a rolling
// counter, the tracking data is reset to empty at a regular interval.
type RateLimit struct {
	UnitSecs int64
	MaxCount int
	Logger   *Logger

	lastTimestamp int64
	counter       map[string]int
	logged        map[string]struct{}
	counterMutex  *sync.Mutex
}

// NewRateLimit constructs a new rate limiter.
func NewRateLimit(unitSecs int64, maxCount int, logger *Logger) *RateLimit {
	limit := &RateLimit{
		UnitSecs:     unitSecs,
		MaxCount:     maxCount,
		Logger:       logger,
		counter:      make(map[string]int),
		logged:       make(map[string]struct{}),
		counterMutex: new(sync.Mutex),
	}
	if limit.Logger == nil {
		limit.Logger = DefaultLogger
	}
	if limit.UnitSecs < 1 || limit.MaxCount < 1 {
		panic("rate limit UnitSecs and MaxCount must be greater than 0")
	}
	// Turn a per-second limit into a greater limit over multiple seconds to reduce log spamming.
	if limit.UnitSecs == 1 {
		for _, factor := range []int{11, 7, 5, 3, 2} {
			if limit.MaxCount%factor == 0 {
				limit.UnitSecs = int64(factor)
				limit.MaxCount *= factor
				break
			}
		}
	}
	return limit
}

// Add increases the current counter by one for the actor if the max count per interval
// has not been exceeded, and returns true. Otherwise the actor's counter stays until
// the interval passes, and the function returns false.
func (limit *RateLimit) Add(actor string, logIfLimitHit bool) bool {
	limit.counterMutex.Lock()
	defer limit.counterMutex.Unlock()
	if now := time.Now().Unix(); now-limit.lastTimestamp >= limit.UnitSecs {
		limit.counter = make(map[string]int)
		limit.logged = make(map[string]struct{})
		limit.lastTimestamp = now
	}
	count, exists := limit.counter[actor]
	if exists && count >= limit.MaxCount {
		if _, hasLogged := limit.logged[actor]; !hasLogged && logIfLimitHit {
			limit.Logger.Info("RateLimit", nil, "%s exceeded limit of %d hits per %d seconds", actor, limit.MaxCount, limit.UnitSecs)
			limit.logged[actor] = struct{}{}
		}
		return false
	}
	limit.counter[actor] = count + 1
	return true
}
