package queue

import (
	"container/heap"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
)

// MemoryQueue is an in-process DelayQueue. It is not durable and only serves
// single-process runs and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	items    itemHeap
	seq      uint64
	inFlight int
	wake     chan struct{}
}

// NewMemoryQueue creates an empty in-process queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		wake: make(chan struct{}, 1),
	}
}

type memoryItem struct {
	ref     string
	body    []byte
	readyAt time.Time
	seq     uint64
}

type itemHeap []*memoryItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*memoryItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Enqueue stores item until its delay has elapsed
func (q *MemoryQueue) Enqueue(ctx context.Context, item domain.QueueItem, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	body, err := EncodeItem(item)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	q.seq++
	ref := "mem-" + strconv.FormatUint(q.seq, 10)
	q.push(&memoryItem{ref: ref, body: body, readyAt: time.Now().Add(clampDelay(delay, 0))})
	q.mu.Unlock()

	return ref, nil
}

// push must be called with mu held
func (q *MemoryQueue) push(it *memoryItem) {
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports items waiting or ready but not yet handed out
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// InFlight reports deliveries handed out and not yet settled
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Consume streams ready deliveries. Each item is handed to exactly one
// consumer at a time; Nack with requeue makes it ready again immediately.
func (q *MemoryQueue) Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	out := make(chan Delivery)

	go func() {
		defer close(out)
		for {
			it, ok := q.next(ctx)
			if !ok {
				return
			}

			select {
			case out <- q.delivery(it):
			case <-ctx.Done():
				q.mu.Lock()
				q.inFlight--
				q.push(it)
				q.mu.Unlock()
				return
			}
		}
	}()

	return out, nil
}

// next blocks until an item is ready or ctx is done
func (q *MemoryQueue) next(ctx context.Context) (*memoryItem, bool) {
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		if q.items.Len() > 0 {
			head := q.items[0]
			wait = time.Until(head.readyAt)
			if wait <= 0 {
				heap.Pop(&q.items)
				q.inFlight++
				q.mu.Unlock()
				return head, true
			}
		}
		q.mu.Unlock()

		var timer *time.Timer
		var fired <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fired = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, false
		case <-q.wake:
		case <-fired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *MemoryQueue) delivery(it *memoryItem) Delivery {
	var once sync.Once
	settle := func(requeue bool) {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.inFlight--
			if requeue {
				it.readyAt = time.Now()
				q.push(it)
			}
		})
	}

	return NewDelivery(it.ref, it.body,
		func() error { settle(false); return nil },
		func(requeue bool) error { settle(requeue); return nil },
	)
}
