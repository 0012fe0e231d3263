package interfaces

import (
	"context"
	"time"

	"github.com/lbds137/tzurot/internal/models"
)

// DeliveryHandler receives one delivery notification. Handlers run
// concurrently with each other; errors are logged, never propagated to the
// publisher.
type DeliveryHandler func(ctx context.Context, n models.DeliveryNotification) error

// DeliveryNotifier is the pub/sub channel between result persistence and
// response destinations. One channel per destination type.
type DeliveryNotifier interface {
	Subscribe(destinationType string, handler DeliveryHandler) error
	Publish(ctx context.Context, destinationType string, n models.DeliveryNotification) error
	Close() error
}

// MemoryService is the vector memory consumed by generation and import.
type MemoryService interface {
	// Store embeds and persists one memory record. At most one LTM row is
	// written per request regardless of how the caller retries.
	Store(ctx context.Context, rec *models.DeferredMemoryRecord) error
	// Retrieve returns up to limit memories scoped per the owning
	// persona's share flag, with a channel-scoped share of the budget
	// when channelID is set. A non-nil before excludes memories created
	// inside the current conversation window.
	Retrieve(ctx context.Context, personaID, personalityID, channelID string, before *time.Time, limit int) ([]*models.LTMRecord, error)
}
