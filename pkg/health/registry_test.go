package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCheckable struct {
	err   error
	delay time.Duration
}

func (f fakeCheckable) HealthCheck(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.err
}

func TestWorst(t *testing.T) {
	cases := []struct {
		a, b, want Status
	}{
		{StatusHealthy, StatusHealthy, StatusHealthy},
		{StatusHealthy, StatusDegraded, StatusDegraded},
		{StatusUnhealthy, StatusDegraded, StatusUnhealthy},
		{StatusDegraded, StatusHealthy, StatusDegraded},
	}
	for _, tc := range cases {
		if got := Worst(tc.a, tc.b); got != tc.want {
			t.Fatalf("Worst(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRegistry_AggregatesWorstStatus(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewPingChecker("liveness"))
	reg.Register(NewAdapterChecker("queue", fakeCheckable{}, time.Second))
	reg.RegisterFunc("pipeline", func(context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "queue depth above threshold"}
	})

	result := reg.Check(context.Background())
	if result.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", result.Status)
	}
	if len(result.Checks) != 3 || result.Checks[0].Name != "liveness" || result.Checks[1].Name != "pipeline" {
		t.Fatalf("unexpected sorted checks: %+v", result.Checks)
	}

	reg.Register(NewAdapterChecker("store", fakeCheckable{err: errors.New("connection refused")}, time.Second))
	result = reg.Check(context.Background())
	if result.Status != StatusUnhealthy || result.IsHealthy() {
		t.Fatalf("expected unhealthy, got %s", result.Status)
	}

	reg.Unregister("store")
	reg.Unregister("pipeline")
	if !reg.Check(context.Background()).IsHealthy() {
		t.Fatal("expected healthy after removing failing checks")
	}
}

func TestAdapterChecker_Timeout(t *testing.T) {
	checker := NewAdapterChecker("slow", fakeCheckable{delay: time.Second}, 20*time.Millisecond)
	result := checker.Check(context.Background())
	if result.Status != StatusUnhealthy || result.Error == "" {
		t.Fatalf("expected unhealthy timeout result, got %+v", result)
	}
}

func TestRegistry_CheckOneAndList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewPingChecker("b"))
	reg.Register(NewPingChecker("a"))

	if names := reg.List(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("unexpected names %v", names)
	}
	if _, err := reg.CheckOne(context.Background(), "missing"); err == nil {
		t.Fatal("expected not found error")
	}
	result, err := reg.CheckOne(context.Background(), "a")
	if err != nil || result.Status != StatusHealthy {
		t.Fatalf("unexpected result %+v, %v", result, err)
	}
}
