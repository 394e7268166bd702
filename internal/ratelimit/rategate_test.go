package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGate(t *testing.T) (*Gate, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewGate(rdb, nil), mr
}

// TestAllowRequestWithinLimit verifies that requests under the RPM limit are
// admitted and Remaining decreases as each one is consumed.
func TestAllowRequestWithinLimit(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	d, err := g.AllowRequest(ctx, "key-a", 3)
	if err != nil {
		t.Fatalf("AllowRequest: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected first request to be admitted")
	}
	if d.Remaining != 2 {
		t.Fatalf("expected Remaining=2, got %d", d.Remaining)
	}
}

// TestAllowRequestOverLimit verifies that a request past the RPM limit is
// rejected and carries a non-zero RetryAfter.
func TestAllowRequestOverLimit(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, err := g.AllowRequest(ctx, "key-b", 2); err != nil || !d.Allowed {
			t.Fatalf("request %d: expected admission, got %+v, err=%v", i, d, err)
		}
	}

	d, err := g.AllowRequest(ctx, "key-b", 2)
	if err != nil {
		t.Fatalf("AllowRequest: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected third request over a limit of 2 to be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatal("expected a positive RetryAfter on rejection")
	}
}

// TestAllowRequestUnlimited verifies that a non-positive limit always admits.
func TestAllowRequestUnlimited(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := g.AllowRequest(ctx, "key-unlimited", 0)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: expected unlimited admission, got %+v, err=%v", i, d, err)
		}
	}
}

// TestDebitTokensThenAllowTokens verifies that DebitTokens increases the TPM
// counter an AllowTokens check on the same key observes.
func TestDebitTokensThenAllowTokens(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	if err := g.DebitTokens(ctx, "key-c", 900); err != nil {
		t.Fatalf("DebitTokens: %v", err)
	}

	d, err := g.AllowTokens(ctx, "key-c", 1000, 50)
	if err != nil {
		t.Fatalf("AllowTokens: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected headroom for 50 more tokens after a 900 debit against a 1000 limit")
	}

	d, err = g.AllowTokens(ctx, "key-c", 1000, 200)
	if err != nil {
		t.Fatalf("AllowTokens: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected rejection: 900 + 50 + 200 exceeds the 1000 TPM limit")
	}
}

// TestDebitTokensZeroIsNoOp verifies that debiting zero or negative tokens
// never touches Redis and never errors.
func TestDebitTokensZeroIsNoOp(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	if err := g.DebitTokens(ctx, "key-d", 0); err != nil {
		t.Fatalf("DebitTokens(0): %v", err)
	}
	if err := g.DebitTokens(ctx, "key-d", -5); err != nil {
		t.Fatalf("DebitTokens(-5): %v", err)
	}
}

// TestFailOpenOnRedisDown verifies that the gate admits requests instead of
// returning an error when Redis is unreachable.
func TestFailOpenOnRedisDown(t *testing.T) {
	g, mr := newTestGate(t)
	mr.Close()

	d, err := g.AllowRequest(context.Background(), "key-e", 1)
	if err != nil {
		t.Fatalf("expected fail-open (no error), got %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected fail-open admission when Redis is down")
	}
}

// TestIndependentDimensions verifies that the RPM and TPM counters for the
// same virtual key do not interfere with each other.
func TestIndependentDimensions(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := g.AllowRequest(ctx, "key-f", 5); err != nil {
			t.Fatalf("AllowRequest %d: %v", i, err)
		}
	}

	d, err := g.AllowTokens(ctx, "key-f", 100, 10)
	if err != nil {
		t.Fatalf("AllowTokens: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected TPM dimension unaffected by RPM admissions on the same key")
	}
}
