package ratelimit

import (
	"testing"
	"time"

	"invoicerun/pkg/clock"
)

func TestCheck_AllowsUpToLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFixed(now)
	l := New(3, c)

	for i := 0; i < 3; i++ {
		r := l.Check("k1")
		if !r.Allowed {
			t.Fatalf("attempt %d: expected allowed", i)
		}
	}
	r := l.Check("k1")
	if r.Allowed {
		t.Fatal("expected 4th attempt to be denied")
	}
	if r.RetryAfter <= 0 {
		t.Fatal("expected a positive retry-after")
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	c := clock.NewFixed(time.Now())
	l := New(1, c)

	if !l.Check("a").Allowed {
		t.Fatal("expected first caller for key a to be allowed")
	}
	if !l.Check("b").Allowed {
		t.Fatal("expected first caller for key b to be allowed, independent of key a")
	}
	if l.Check("a").Allowed {
		t.Fatal("expected second caller for key a to be denied")
	}
}

func TestCheck_WindowSlidesForward(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := start
	c := clock.NewFunc(func() time.Time { return cur })
	l := New(1, c)

	if !l.Check("k1").Allowed {
		t.Fatal("expected first attempt to be allowed")
	}
	cur = start.Add(61 * time.Second)
	if !l.Check("k1").Allowed {
		t.Fatal("expected attempt after the window passed to be allowed")
	}
}

func TestSetLimit_TakesEffectImmediately(t *testing.T) {
	c := clock.NewFixed(time.Now())
	l := New(1, c)

	l.Check("k1")
	if l.Check("k1").Allowed {
		t.Fatal("expected second attempt under limit 1 to be denied")
	}
	l.SetLimit(5)
	if !l.Check("k1").Allowed {
		t.Fatal("expected attempt after raising the limit to be allowed")
	}
}
