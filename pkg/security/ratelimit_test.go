package security

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterBasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2)
	client := "client1"

	if !limiter.Allow(client) {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow(client) {
		t.Error("second request should be allowed")
	}
	if limiter.Allow(client) {
		t.Error("third request should be rate limited")
	}
}

func TestRateLimiterPerClientIsolation(t *testing.T) {
	limiter := NewRateLimiter(10.0, 1)

	if !limiter.Allow("client-a") {
		t.Error("client-a first request should be allowed")
	}
	if limiter.Allow("client-a") {
		t.Error("client-a should be rate limited after burst")
	}
	if !limiter.Allow("client-b") {
		t.Error("client-b has its own burst and should be allowed")
	}
}

func TestRateLimiterWaitRespectsContextCancellation(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)
	limiter.Allow("client1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "client1"); err == nil {
		t.Error("expected error from cancelled wait")
	}
}

func TestToolRateLimiterEnforcesPerToolLimit(t *testing.T) {
	trl := NewToolRateLimiter()
	trl.SetToolLimit("dangerous_tool", 1.0, 1)

	if !trl.Allow("dangerous_tool") {
		t.Error("first call should be allowed")
	}
	if trl.Allow("dangerous_tool") {
		t.Error("second call should be rate limited")
	}
}

func TestToolRateLimiterNoLimitConfiguredAllowsAll(t *testing.T) {
	trl := NewToolRateLimiter()
	for i := 0; i < 20; i++ {
		if !trl.Allow("unrestricted_tool") {
			t.Errorf("call %d should be allowed, no limit configured", i)
		}
	}
}

func TestToolRateLimiterWaitBlocksUntilTokenAvailable(t *testing.T) {
	trl := NewToolRateLimiter()
	trl.SetToolLimit("slow_tool", 2.0, 1)
	ctx := context.Background()

	if err := trl.Wait(ctx, "slow_tool"); err != nil {
		t.Fatalf("first wait should succeed: %v", err)
	}

	start := time.Now()
	if err := trl.Wait(ctx, "slow_tool"); err != nil {
		t.Fatalf("second wait should succeed: %v", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("second wait should have blocked for a refill")
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	failErr := errors.New("downstream unavailable")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return failErr }); !errors.Is(err, failErr) {
			t.Errorf("expected failure error, got %v", err)
		}
	}
	if cb.GetState() != CircuitOpen {
		t.Fatalf("circuit should be open after %d failures", 3)
	}

	if err := cb.Execute(func() error { return nil }); err == nil {
		t.Error("open circuit should reject calls without invoking them")
	}
}

func TestCircuitBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(2, 100*time.Millisecond)
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errors.New("fail") })
	}
	if cb.GetState() != CircuitOpen {
		t.Fatal("circuit should be open")
	}

	time.Sleep(150 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should have run: %v", err)
	}
	if cb.GetState() != CircuitClosed {
		t.Error("circuit should close after a successful half-open probe")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	_ = cb.Execute(func() error { return errors.New("fail") })
	if cb.GetState() != CircuitOpen {
		t.Fatal("circuit should be open")
	}

	cb.Reset()
	if cb.GetState() != CircuitClosed {
		t.Error("reset should close the circuit")
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("call after reset should run: %v", err)
	}
}

func TestTimeoutManagerFallsBackToDefault(t *testing.T) {
	tm := NewTimeoutManager(5 * time.Second)
	if got := tm.GetTimeout("unconfigured"); got != 5*time.Second {
		t.Errorf("GetTimeout = %v, want 5s", got)
	}
}

func TestTimeoutManagerPerToolOverride(t *testing.T) {
	tm := NewTimeoutManager(5 * time.Second)
	tm.SetToolTimeout("slow_tool", 10*time.Second)

	if got := tm.GetTimeout("slow_tool"); got != 10*time.Second {
		t.Errorf("GetTimeout(slow_tool) = %v, want 10s", got)
	}
	if got := tm.GetTimeout("other_tool"); got != 5*time.Second {
		t.Errorf("GetTimeout(other_tool) = %v, want default 5s", got)
	}
}

func TestTimeoutManagerWithTimeoutExpires(t *testing.T) {
	tm := NewTimeoutManager(50 * time.Millisecond)
	ctx, cancel := tm.WithTimeout(context.Background(), "anything")
	defer cancel()

	<-ctx.Done()
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Errorf("ctx.Err() = %v, want DeadlineExceeded", ctx.Err())
	}
}
