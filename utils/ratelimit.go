package utils

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"megafetch/internal"
)

// TokenBucketLimiter implements rate limiting using a token bucket. Callers
// that exceed the bucket reserve future tokens, so concurrent waiters queue
// behind each other instead of all sleeping for the same deficit.
type TokenBucketLimiter struct {
	mutex      sync.Mutex
	rate       int64
	bucket     int64
	maxBucket  int64
	lastUpdate time.Time

	threadMutex sync.RWMutex
	threadCount int32

	// bytes granted since creation, used for reporting
	granted int64
}

// NewTokenBucketLimiter creates a new rate limiter; a rate of zero disables limiting
func NewTokenBucketLimiter(bytesPerSecond int64) internal.RateLimiter {
	return &TokenBucketLimiter{
		rate:       bytesPerSecond,
		bucket:     bytesPerSecond,
		maxBucket:  bytesPerSecond,
		lastUpdate: time.Now(),
	}
}

// NewDistributedRateLimiter creates a limiter shared by threadCount download workers
func NewDistributedRateLimiter(bytesPerSecond int64, threadCount int) internal.RateLimiter {
	limiter := NewTokenBucketLimiter(bytesPerSecond).(*TokenBucketLimiter)
	limiter.threadCount = int32(threadCount)
	return limiter
}

// Wait blocks until n bytes may be consumed or ctx is done
func (r *TokenBucketLimiter) Wait(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mutex.Lock()
	if r.rate <= 0 {
		r.granted += int64(n)
		r.mutex.Unlock()
		return nil
	}

	r.refill(time.Now())
	r.bucket -= int64(n)
	r.granted += int64(n)

	var waitTime time.Duration
	if r.bucket < 0 {
		waitTime = time.Duration(float64(-r.bucket) / float64(r.rate) * float64(time.Second))
	}
	r.mutex.Unlock()

	if waitTime <= 0 {
		return nil
	}

	timer := time.NewTimer(waitTime)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		// hand the reservation back
		r.mutex.Lock()
		r.bucket += int64(n)
		r.granted -= int64(n)
		r.mutex.Unlock()
		return ctx.Err()
	}
}

// refill adds tokens for the time elapsed since the last update. Caller holds mutex.
func (r *TokenBucketLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastUpdate)
	r.lastUpdate = now

	r.bucket += int64(elapsed.Seconds() * float64(r.rate))
	if r.bucket > r.maxBucket {
		r.bucket = r.maxBucket
	}
}

// SetRate updates the rate limit
func (r *TokenBucketLimiter) SetRate(bytesPerSecond int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.refill(time.Now())
	r.rate = bytesPerSecond
	r.maxBucket = bytesPerSecond
	if r.bucket > r.maxBucket {
		r.bucket = r.maxBucket
	}
}

// Rate returns the configured rate in bytes per second
func (r *TokenBucketLimiter) Rate() int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.rate
}

// Granted returns the number of bytes let through so far
func (r *TokenBucketLimiter) Granted() int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.granted
}

// RegisterThread registers a new worker with the rate limiter
func (r *TokenBucketLimiter) RegisterThread() {
	r.threadMutex.Lock()
	defer r.threadMutex.Unlock()
	r.threadCount++
}

// UnregisterThread removes a worker from the rate limiter
func (r *TokenBucketLimiter) UnregisterThread() {
	r.threadMutex.Lock()
	defer r.threadMutex.Unlock()
	if r.threadCount > 0 {
		r.threadCount--
	}
}

// GetThreadCount returns the current number of registered workers
func (r *TokenBucketLimiter) GetThreadCount() int32 {
	r.threadMutex.RLock()
	defer r.threadMutex.RUnlock()
	return r.threadCount
}

var rateSuffixes = []struct {
	suffix     string
	multiplier float64
}{
	// longest first so "KB" wins over "B"
	{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}, {"TB", 1 << 40},
	{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30}, {"T", 1 << 40},
	{"B", 1},
}

// ParseRateLimit parses human-readable rate limit strings (e.g., "5M", "1.5G")
func ParseRateLimit(rateStr string) (int64, error) {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return 0, nil
	}

	// Pure numbers are bytes per second
	if val, err := strconv.ParseInt(rateStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("rate cannot be negative: %d", val)
		}
		return val, nil
	}

	upper := strings.ToUpper(rateStr)
	for _, s := range rateSuffixes {
		if !strings.HasSuffix(upper, s.suffix) {
			continue
		}

		numStr := rateStr[:len(rateStr)-len(s.suffix)]
		if numStr == "" {
			return 0, fmt.Errorf("invalid rate format: %s", rateStr)
		}

		value, err := strconv.ParseFloat(numStr, 64)
		if err != nil || math.IsNaN(value) {
			return 0, fmt.Errorf("invalid numeric value in rate: %s", numStr)
		}
		if value < 0 {
			return 0, fmt.Errorf("rate cannot be negative: %s", rateStr)
		}

		result := value * s.multiplier
		if result >= 1<<63 {
			return 0, fmt.Errorf("rate value overflow")
		}
		return int64(result), nil
	}

	return 0, fmt.Errorf("unsupported rate suffix in %q (supported: B, K/KB, M/MB, G/GB, T/TB)", rateStr)
}
