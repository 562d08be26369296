package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAllow_SequentialMinuteLimit(t *testing.T) {
	lim := New(NewMemoryCounters())
	now := time.Date(2026, 8, 31, 12, 0, 10, 0, time.UTC)
	limits := Limits{PerMinute: 3, PerDay: 100}

	for i := 0; i < 3; i++ {
		dec, err := lim.Allow(context.Background(), "rate:k1", limits, now)
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d: expected admit, got deny (%s)", i+1, dec.Window)
		}
	}

	dec, err := lim.Allow(context.Background(), "rate:k1", limits, now)
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("4th request in same minute: expected deny")
	}
	if dec.Window != WindowMinute {
		t.Fatalf("expected window %q, got %q", WindowMinute, dec.Window)
	}
	if dec.Limit != 3 {
		t.Fatalf("expected limit 3 in decision, got %d", dec.Limit)
	}
	if dec.RetryAfter != 50 {
		t.Fatalf("expected retry_after 50 at :10, got %d", dec.RetryAfter)
	}
}

func TestAllow_DenialStillIncrementsCounters(t *testing.T) {
	store := NewMemoryCounters()
	lim := New(store)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	limits := Limits{PerMinute: 1, PerDay: 100}

	for i := 0; i < 5; i++ {
		if _, err := lim.Allow(context.Background(), "rate:k1", limits, now); err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
	}

	minute, day, err := lim.Usage(context.Background(), "rate:k1", now)
	if err != nil {
		t.Fatalf("Usage returned error: %v", err)
	}
	if minute != 5 {
		t.Fatalf("expected minute counter 5 after 5 attempts (4 denied), got %d", minute)
	}
	if day != 5 {
		t.Fatalf("expected day counter 5 after 5 attempts, got %d", day)
	}
}

func TestAllow_DayLimitCheckedAfterMinute(t *testing.T) {
	lim := New(NewMemoryCounters())
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	limits := Limits{PerMinute: 10, PerDay: 3}

	// Spread requests across minutes so only the day window fills.
	for i := 0; i < 3; i++ {
		now := base.Add(time.Duration(i) * time.Minute)
		dec, err := lim.Allow(context.Background(), "rate:k1", limits, now)
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d: expected admit", i+1)
		}
	}

	dec, err := lim.Allow(context.Background(), "rate:k1", limits, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected day-window deny")
	}
	if dec.Window != WindowDay {
		t.Fatalf("expected window %q, got %q", WindowDay, dec.Window)
	}
	if dec.RetryAfter != 0 {
		t.Fatalf("day denials carry no retry_after, got %d", dec.RetryAfter)
	}
}

func TestAllow_MinuteWindowResets(t *testing.T) {
	lim := New(NewMemoryCounters())
	now := time.Date(2026, 8, 31, 12, 0, 30, 0, time.UTC)
	limits := Limits{PerMinute: 1, PerDay: 100}

	if dec, _ := lim.Allow(context.Background(), "rate:k1", limits, now); !dec.Allowed {
		t.Fatalf("first request: expected admit")
	}
	if dec, _ := lim.Allow(context.Background(), "rate:k1", limits, now); dec.Allowed {
		t.Fatalf("second request same minute: expected deny")
	}
	if dec, _ := lim.Allow(context.Background(), "rate:k1", limits, now.Add(time.Minute)); !dec.Allowed {
		t.Fatalf("request in next minute window: expected admit")
	}
}

func TestAllow_SubjectsAreIsolated(t *testing.T) {
	lim := New(NewMemoryCounters())
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	limits := Limits{PerMinute: 1, PerDay: 100}

	if dec, _ := lim.Allow(context.Background(), GlobalSubject("k1"), limits, now); !dec.Allowed {
		t.Fatalf("global subject: expected admit")
	}
	// The per-grant namespace must not share the global counter.
	if dec, _ := lim.Allow(context.Background(), GrantSubject("k1", 7), limits, now); !dec.Allowed {
		t.Fatalf("grant subject: expected admit despite exhausted global quota")
	}
	if dec, _ := lim.Allow(context.Background(), GrantSubject("k1", 8), limits, now); !dec.Allowed {
		t.Fatalf("other grant subject: expected independent counter")
	}
}

func TestAllow_ConcurrentBurstAdmitsExactlyLimit(t *testing.T) {
	lim := New(NewMemoryCounters())
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	limits := Limits{PerMinute: 10, PerDay: 1000}

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	admits := 0
	denies := 0

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			dec, err := lim.Allow(context.Background(), "rate:burst", limits, now)
			if err != nil {
				t.Errorf("Allow returned error: %v", err)
				return
			}
			mu.Lock()
			if dec.Allowed {
				admits++
			} else {
				denies++
			}
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if admits != 10 {
		t.Fatalf("expected exactly 10 admits out of %d, got %d", n, admits)
	}
	if denies != n-10 {
		t.Fatalf("expected %d denies, got %d", n-10, denies)
	}
}

func TestMemoryCounters_Expiry(t *testing.T) {
	store := NewMemoryCounters()

	if n, _ := store.Incr(context.Background(), "k", 5*time.Millisecond); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	time.Sleep(10 * time.Millisecond)
	if n, _ := store.Count(context.Background(), "k"); n != 0 {
		t.Fatalf("expected expired counter to read 0, got %d", n)
	}
	if n, _ := store.Incr(context.Background(), "k", time.Minute); n != 1 {
		t.Fatalf("expected fresh counter after expiry, got %d", n)
	}
}
