package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
)

// DelayQueue accepts work items with a delivery deadline and hands them to
// consumers no earlier than that deadline. Delivery is at-least-once: an item
// that is not acknowledged is delivered again.
type DelayQueue interface {
	// Enqueue schedules item for delivery after delay and returns a queue reference.
	// A non-positive delay means immediate dispatch.
	Enqueue(ctx context.Context, item domain.QueueItem, delay time.Duration) (string, error)

	// Consume returns the stream of ready deliveries. The channel is closed when
	// ctx is canceled or the underlying transport goes away.
	Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error)
}

// Delivery is one ready item held by a single consumer until acknowledged
type Delivery struct {
	Ref  string
	Body []byte

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a delivery from its settlement callbacks
func NewDelivery(ref string, body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Ref: ref, Body: body, ack: ack, nack: nack}
}

// Ack settles the delivery; it will not be delivered again
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, putting it back on the queue when requeue is set
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// EncodeItem renders the wire form of a work item
func EncodeItem(item domain.QueueItem) ([]byte, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue item: %w", err)
	}
	return body, nil
}

// DecodeItem parses the wire form of a work item
func DecodeItem(body []byte) (domain.QueueItem, error) {
	var item domain.QueueItem
	if err := json.Unmarshal(body, &item); err != nil {
		return item, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if item.JobID == "" {
		return item, fmt.Errorf("%w: job_id is required", domain.ErrInvalidPayload)
	}
	return item, nil
}

// clampDelay turns a deadline distance into a valid queue delay
func clampDelay(delay, max time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
