package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Counters is the atomic increment-with-expiry capability the limiter
// depends on. Correctness of concurrent admission rests entirely on Incr
// being atomic in the backing store: the returned value must be the
// post-increment count of the same operation that performed the increment.
type Counters interface {
	// Incr increments the counter and returns its new value. The TTL is
	// (re)applied on every call; window keys embed the window id, so a
	// refreshed TTL can never leak counts into the next window.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Count reads a counter without touching it. Missing counters read as 0.
	Count(ctx context.Context, key string) (int64, error)
}

// Limits is a per-minute / per-day quota pair.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Window names as they appear in 429 response bodies.
const (
	WindowMinute = "per minute"
	WindowDay    = "per day"
)

const (
	minuteTTL = time.Minute
	dayTTL    = 24 * time.Hour
)

// Decision is the outcome of one admission check. When Allowed is false,
// Window and Limit name the first exceeded window; RetryAfter is set (in
// seconds) for minute-window denials only.
type Decision struct {
	Allowed    bool
	Window     string
	Limit      int
	RetryAfter int
}

// Limiter decides admit-or-deny for two independent fixed windows. It holds
// no counter state of its own, so any number of gateway processes sharing
// one counter store enforce one combined quota.
type Limiter struct {
	store Counters
}

func New(store Counters) *Limiter {
	return &Limiter{store: store}
}

// GlobalSubject is the counter namespace for a key's global quota.
func GlobalSubject(token string) string {
	return "rate:" + token
}

// GrantSubject is the counter namespace for one (key, protected API) grant.
// Distinct from the global namespace, so the two never share a counter.
func GrantSubject(token string, apiID uint) string {
	return fmt.Sprintf("rate:%s:api:%d", token, apiID)
}

func minuteKey(subject string, now time.Time) string {
	return fmt.Sprintf("%s:minute:%d", subject, now.Unix()/60)
}

func dayKey(subject string, now time.Time) string {
	return fmt.Sprintf("%s:day:%s", subject, now.UTC().Format("2006-01-02"))
}

// Allow consumes one attempt against both windows of subject and decides
// admission. Both counters are incremented first and the decision compares
// the post-increment values, so a burst of N concurrent attempts against a
// limit of m admits exactly m of them. Counters advance even for denied
// attempts; the minute window is checked before the day window.
func (l *Limiter) Allow(ctx context.Context, subject string, limits Limits, now time.Time) (Decision, error) {
	minuteCount, err := l.store.Incr(ctx, minuteKey(subject, now), minuteTTL)
	if err != nil {
		return Decision{}, err
	}
	dayCount, err := l.store.Incr(ctx, dayKey(subject, now), dayTTL)
	if err != nil {
		return Decision{}, err
	}

	if minuteCount > int64(limits.PerMinute) {
		return Decision{
			Window:     WindowMinute,
			Limit:      limits.PerMinute,
			RetryAfter: int(60 - now.Unix()%60),
		}, nil
	}
	if dayCount > int64(limits.PerDay) {
		return Decision{Window: WindowDay, Limit: limits.PerDay}, nil
	}
	return Decision{Allowed: true}, nil
}

// Usage reports the current minute and day counts for subject without
// consuming an attempt. Used by the stats endpoints.
func (l *Limiter) Usage(ctx context.Context, subject string, now time.Time) (minute, day int64, err error) {
	minute, err = l.store.Count(ctx, minuteKey(subject, now))
	if err != nil {
		return 0, 0, err
	}
	day, err = l.store.Count(ctx, dayKey(subject, now))
	if err != nil {
		return 0, 0, err
	}
	return minute, day, nil
}
