package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/jordanhubbard/cdnrewriter/internal/queue"
)

// Processor runs one processing pass.
type Processor interface {
	Process(ctx context.Context, opts queue.Options) (queue.Report, error)
}

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Queue  Processor
	Logger *slog.Logger
}

// ProcessBatch runs one bounded processing pass. A pass refused by the lock
// fails with a non-retryable error so the workflow can stop cleanly.
func (a *Activities) ProcessBatch(ctx context.Context, input BatchInput) (queue.Report, error) {
	activity.RecordHeartbeat(ctx, input.Batch)
	rep, err := a.Queue.Process(ctx, queue.Options{MaxItems: input.MaxItems})
	if errors.Is(err, queue.ErrLocked) {
		return queue.Report{}, temporal.NewNonRetryableApplicationError(err.Error(), errTypeLocked, err)
	}
	if err != nil {
		return rep, fmt.Errorf("process batch %d: %w", input.Batch, err)
	}
	if a.Logger != nil {
		a.Logger.Debug("batch processed",
			slog.Int("batch", input.Batch),
			slog.Int("processed", rep.Processed),
			slog.Int("remaining", rep.Remaining),
			slog.String("reason", input.Reason))
	}
	return rep, nil
}
