package runtime

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWorkQueueRunsInOrder(t *testing.T) {
	q := newWorkQueue(nil, 16)
	defer q.close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		if !q.enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("enqueue refused on open queue")
		}
	}
	if err := q.join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("expected 10 jobs, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", got)
		}
	}
}

func TestWorkQueueSurvivesPanic(t *testing.T) {
	q := newWorkQueue(nil, 4)
	defer q.close()

	q.enqueue(func() { panic("handler blew up") })
	ran := false
	q.enqueue(func() { ran = true })
	if err := q.join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !ran {
		t.Fatalf("queue stopped processing after a panic")
	}
}

func TestWorkQueueJoinHonorsContext(t *testing.T) {
	q := newWorkQueue(nil, 4)
	defer q.close()

	release := make(chan struct{})
	q.enqueue(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := q.join(ctx); err == nil {
		t.Fatalf("expected context error from join on a stuck queue")
	}
	close(release)
}

func TestWorkQueueCloseDrainsBacklog(t *testing.T) {
	q := newWorkQueue(nil, 16)

	var mu sync.Mutex
	count := 0
	for i := 0; i < 8; i++ {
		q.enqueue(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	q.close()

	if q.enqueue(func() {}) {
		t.Fatalf("enqueue should refuse after close")
	}
	if err := q.join(context.Background()); err != nil {
		t.Fatalf("join after close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 8 {
		t.Fatalf("expected backlog drained, got %d of 8", count)
	}
}
