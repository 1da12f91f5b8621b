package authserver

import (
	"testing"
	"time"
)

func TestLimiter_BudgetPerKey(t *testing.T) {
	limiter := NewLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		if decision := limiter.Consume("10.0.0.1"); !decision.Allowed {
			t.Fatalf("request %d denied within budget", i+1)
		}
	}
	decision := limiter.Consume("10.0.0.1")
	if decision.Allowed {
		t.Fatalf("request over budget was allowed")
	}
	if decision.RetryAfter <= 0 {
		t.Errorf("RetryAfter: got %v, want > 0", decision.RetryAfter)
	}

	// a different key carries its own budget
	if decision := limiter.Consume("10.0.0.2"); !decision.Allowed {
		t.Errorf("fresh key denied")
	}
}

func TestLimiter_RefillsOverWindow(t *testing.T) {
	limiter := NewLimiter(2, 100*time.Millisecond)

	limiter.Consume("key")
	limiter.Consume("key")
	if decision := limiter.Consume("key"); decision.Allowed {
		t.Fatalf("request over budget was allowed")
	}
	time.Sleep(120 * time.Millisecond)
	if decision := limiter.Consume("key"); !decision.Allowed {
		t.Errorf("budget did not refill after the window")
	}
}
