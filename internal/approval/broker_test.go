package approval

import (
	"context"
	"testing"
	"time"
)

func TestResolveBeforeWaitIsConsumedByNextWait(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	if consumed := b.Resolve("y", DecisionRejected); consumed {
		t.Fatalf("expected no waiter to consume early decision")
	}
	if d := b.WaitForDecision(ctx, "y", time.Second); d != DecisionRejected {
		t.Fatalf("expected cached rejected decision, got %s", d)
	}

	// The cached decision was consumed; a second wait times out on its own.
	if d := b.WaitForDecision(ctx, "y", 20*time.Millisecond); d != DecisionRejected {
		t.Fatalf("expected timeout rejection, got %s", d)
	}
}

func TestResolveDeliversToActiveWaiter(t *testing.T) {
	b := NewBroker(WithTimeout(time.Second))
	ctx := context.Background()

	result := make(chan Decision, 1)
	waiting := make(chan struct{})
	go func() {
		close(waiting)
		result <- b.WaitForDecision(ctx, "x", 0)
	}()
	<-waiting
	waitForPending(t, b, 1)

	if consumed := b.Resolve("x", DecisionApproved); !consumed {
		t.Fatalf("expected resolve to reach the active waiter")
	}
	select {
	case d := <-result:
		if d != DecisionApproved {
			t.Fatalf("expected approved, got %s", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for decision delivery")
	}
	if n := b.PendingCount(); n != 0 {
		t.Fatalf("expected no pending waits, got %d", n)
	}
}

func TestTimeoutProducesRejected(t *testing.T) {
	b := NewBroker(WithTimeout(30 * time.Millisecond))
	ctx := context.Background()

	start := time.Now()
	if d := b.WaitForDecision(ctx, "z", 0); d != DecisionRejected {
		t.Fatalf("expected rejected on timeout, got %s", d)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
	if n := b.PendingCount(); n != 0 {
		t.Fatalf("expected timed-out wait removed, got %d pending", n)
	}
}

func TestConcurrentWaitersCoalesce(t *testing.T) {
	b := NewBroker(WithTimeout(time.Second))
	ctx := context.Background()

	results := make(chan Decision, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- b.WaitForDecision(ctx, "shared", 0)
		}()
	}
	waitForPending(t, b, 1)

	if consumed := b.Resolve("shared", DecisionApproved); !consumed {
		t.Fatalf("expected resolve to consume the shared wait")
	}
	for i := 0; i < 3; i++ {
		select {
		case d := <-results:
			if d != DecisionApproved {
				t.Fatalf("waiter %d got %s", i, d)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for coalesced waiter %d", i)
		}
	}
}

func TestCachedDecisionExpires(t *testing.T) {
	now := time.Now().UTC()
	b := NewBroker(WithTimeout(time.Minute), WithClock(func() time.Time { return now }))

	b.Resolve("old", DecisionApproved)
	now = now.Add(2 * time.Minute)

	// The expired cache entry is discarded and the wait falls back to its
	// own timer, which rejects.
	if d := b.WaitForDecision(context.Background(), "old", 20*time.Millisecond); d != DecisionRejected {
		t.Fatalf("expected expired decision to be discarded, got %s", d)
	}
}

func TestSecondResolveRecaches(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	b.Resolve("r", DecisionRejected)
	b.Resolve("r", DecisionApproved)

	if d := b.WaitForDecision(ctx, "r", time.Second); d != DecisionApproved {
		t.Fatalf("expected last-writer-wins cache, got %s", d)
	}
}

func TestContextCancellationFailsClosed(t *testing.T) {
	b := NewBroker(WithTimeout(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan Decision, 1)
	go func() {
		result <- b.WaitForDecision(ctx, "c", 0)
	}()
	waitForPending(t, b, 1)
	cancel()

	select {
	case d := <-result:
		if d != DecisionRejected {
			t.Fatalf("expected rejected on cancellation, got %s", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for cancellation")
	}
}

func waitForPending(t *testing.T, b *Broker, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.PendingCount() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d pending waits", want)
}
