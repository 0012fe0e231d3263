package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

const notificationBuffer = 256

// subscription is one destination channel plus its dispatch loop.
type subscription struct {
	ch       chan models.DeliveryNotification
	handlers []interfaces.DeliveryHandler
}

// Notifier is the in-process pub/sub delivery channel: one buffered channel
// per response destination type, drained by a dispatch goroutine that fans
// each notification out to the registered handlers.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
	logger arbor.ILogger
}

// NewNotifier creates a Notifier.
func NewNotifier(logger arbor.ILogger) *Notifier {
	return &Notifier{
		subs:   make(map[string]*subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one destination type, starting the
// destination's dispatch loop on first use.
func (n *Notifier) Subscribe(destinationType string, handler interfaces.DeliveryHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return fmt.Errorf("notifier is closed")
	}

	sub, ok := n.subs[destinationType]
	if !ok {
		sub = &subscription{ch: make(chan models.DeliveryNotification, notificationBuffer)}
		n.subs[destinationType] = sub
		n.wg.Add(1)
		go n.dispatch(destinationType, sub)
	}
	sub.handlers = append(sub.handlers, handler)
	return nil
}

// Publish sends one notification to the destination's channel. Publishing
// to a destination with no subscriber is an error so a lost delivery is
// visible to the caller's logs. The read lock is held across the send:
// Close closes the channels under the write lock, so a racing publisher
// can never send on a closed channel.
func (n *Notifier) Publish(ctx context.Context, destinationType string, notification models.DeliveryNotification) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return fmt.Errorf("notifier is closed")
	}
	sub, ok := n.subs[destinationType]
	if !ok {
		return fmt.Errorf("no subscriber for destination type %s", destinationType)
	}

	select {
	case sub.ch <- notification:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) dispatch(destinationType string, sub *subscription) {
	defer n.wg.Done()
	for notification := range sub.ch {
		n.mu.RLock()
		handlers := make([]interfaces.DeliveryHandler, len(sub.handlers))
		copy(handlers, sub.handlers)
		n.mu.RUnlock()

		for _, handler := range handlers {
			if err := handler(context.Background(), notification); err != nil {
				n.logger.Error().Err(err).
					Str("destination_type", destinationType).
					Str("job_id", notification.JobID).
					Msg("Delivery handler failed")
			}
		}
	}
}

// Close drains and stops every dispatch loop.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for _, sub := range n.subs {
		close(sub.ch)
	}
	n.mu.Unlock()

	n.wg.Wait()
	return nil
}
