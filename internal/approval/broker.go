// Package approval coordinates human yes/no decisions that gate risky tool
// actions: an in-memory broker reconciles "who is waiting" with "what was
// decided", and a coordinator anchors those decisions in durable records.
package approval

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of an approval wait. A timeout produces
// DecisionRejected so a task can never hang on a human who never answers.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// DefaultTimeout bounds how long a waiter blocks and how long an early
// decision stays claimable.
const DefaultTimeout = 5 * time.Minute

// future is a one-shot result shared by every waiter on one approval id.
// The decision is written exactly once, before done is closed.
type future struct {
	done     chan struct{}
	decision Decision
	stop     func() bool
}

type cachedDecision struct {
	decision  Decision
	expiresAt time.Time
}

// Broker resolves the race between "decision requested" and "decision
// supplied". Per approval id, at most one of a pending future or a cached
// decision exists at any time; the mutex makes that invariant structural.
type Broker struct {
	mu      sync.Mutex
	timeout time.Duration
	nowFn   func() time.Time
	pending map[string]*future
	cache   map[string]cachedDecision
}

type BrokerOption func(*Broker)

func WithTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

func WithClock(nowFn func() time.Time) BrokerOption {
	return func(b *Broker) {
		if nowFn != nil {
			b.nowFn = nowFn
		}
	}
}

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		timeout: DefaultTimeout,
		nowFn:   func() time.Time { return time.Now().UTC() },
		pending: map[string]*future{},
		cache:   map[string]cachedDecision{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WaitForDecision blocks until a decision for approvalID arrives, the
// timeout fires, or ctx is cancelled. A decision cached before anyone asked
// is consumed immediately. Concurrent waiters on one id coalesce onto the
// same outcome. Timeout and cancellation both yield DecisionRejected
// (fail-closed).
func (b *Broker) WaitForDecision(ctx context.Context, approvalID string, timeout time.Duration) Decision {
	if timeout <= 0 {
		timeout = b.timeout
	}

	b.mu.Lock()
	if c, ok := b.cache[approvalID]; ok {
		delete(b.cache, approvalID)
		if b.nowFn().Before(c.expiresAt) {
			b.mu.Unlock()
			return c.decision
		}
		// Expired entries fall through to a fresh wait.
	}
	f, ok := b.pending[approvalID]
	if !ok {
		f = &future{done: make(chan struct{})}
		timer := time.AfterFunc(timeout, func() { b.expire(approvalID, f) })
		f.stop = timer.Stop
		b.pending[approvalID] = f
	}
	b.mu.Unlock()

	select {
	case <-f.done:
		return f.decision
	case <-ctx.Done():
		return DecisionRejected
	}
}

func (b *Broker) expire(approvalID string, f *future) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[approvalID] != f {
		return
	}
	delete(b.pending, approvalID)
	f.decision = DecisionRejected
	close(f.done)
}

// Resolve delivers a decision. Returns true when an active waiter consumed
// it; otherwise the decision is cached for the default timeout window so a
// later WaitForDecision can claim it, and false is returned. Resolving an
// id nobody knows simply seeds the cache; resolving twice without an
// intervening wait re-caches (last writer wins).
func (b *Broker) Resolve(approvalID string, decision Decision) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.pending[approvalID]; ok {
		f.stop()
		delete(b.pending, approvalID)
		f.decision = decision
		close(f.done)
		return true
	}
	b.cache[approvalID] = cachedDecision{
		decision:  decision,
		expiresAt: b.nowFn().Add(b.timeout),
	}
	return false
}

// PendingCount reports how many waits are currently outstanding.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
