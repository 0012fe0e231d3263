package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// SendFunc delivers one formatted result to the external transport. The
// presentation layer supplies it; tests substitute a capture.
type SendFunc func(ctx context.Context, result *models.GenerationResult) error

// DeliverySubscriber consumes delivery notifications: it fetches the full
// result by job ID, hands it to the transport, and flips the row to
// delivered. Soft failures and successes travel identically; formatting
// the user-facing message is the transport's concern.
type DeliverySubscriber struct {
	results interfaces.JobResultStorage
	send    SendFunc
	logger  arbor.ILogger
}

// NewDeliverySubscriber creates a subscriber.
func NewDeliverySubscriber(results interfaces.JobResultStorage, send SendFunc, logger arbor.ILogger) *DeliverySubscriber {
	return &DeliverySubscriber{
		results: results,
		send:    send,
		logger:  logger,
	}
}

// Handle processes one notification. Double delivery is benign: the status
// transition is idempotent.
func (s *DeliverySubscriber) Handle(ctx context.Context, n models.DeliveryNotification) error {
	row, err := s.results.GetResult(ctx, n.JobID)
	if err != nil {
		return fmt.Errorf("failed to fetch result for job %s: %w", n.JobID, err)
	}

	var result models.GenerationResult
	if err := json.Unmarshal(row.Result, &result); err != nil {
		return fmt.Errorf("failed to decode result for job %s: %w", n.JobID, err)
	}

	if s.send != nil {
		if err := s.send(ctx, &result); err != nil {
			return fmt.Errorf("failed to deliver result for job %s: %w", n.JobID, err)
		}
	}

	if err := s.results.MarkDelivered(ctx, n.JobID); err != nil {
		return fmt.Errorf("failed to mark job %s delivered: %w", n.JobID, err)
	}

	s.logger.Debug().
		Str("job_id", n.JobID).
		Str("request_id", n.RequestID).
		Bool("success", result.Success).
		Msg("Result delivered")
	return nil
}
