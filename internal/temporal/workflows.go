package temporal

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/cdnrewriter/internal/queue"
)

const (
	defaultMaxBatches = 20
	activityTimeout   = 5 * time.Minute
	workflowTimeout   = 30 * time.Minute

	// errTypeLocked marks a batch refused because another pass holds the
	// processing lock.
	errTypeLocked = "queue_locked"
)

// ProcessQueueWorkflow drains the persisted queue in batches. It stops when
// the queue is empty, when every remaining candidate has been retried since
// the last batch that made progress, when another pass holds the lock, or
// after MaxBatches.
func ProcessQueueWorkflow(ctx workflow.Context, input ProcessInput) (ProcessOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{errTypeLocked},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	maxBatches := input.MaxBatches
	if maxBatches <= 0 {
		maxBatches = defaultMaxBatches
	}

	var out ProcessOutput
	stalled := 0 // candidates retried since the last progress
	for i := 0; i < maxBatches; i++ {
		if i > 0 && input.Pause > 0 {
			if err := workflow.Sleep(ctx, input.Pause); err != nil {
				return out, err
			}
		}

		var rep queue.Report
		err := workflow.ExecuteActivity(ctx, (*Activities).ProcessBatch, BatchInput{
			MaxItems: input.MaxItems,
			Batch:    i + 1,
			Reason:   input.Reason,
		}).Get(ctx, &rep)
		if err != nil {
			var appErr *temporal.ApplicationError
			if errors.As(err, &appErr) && appErr.Type() == errTypeLocked {
				out.Locked = true
				return out, nil
			}
			return out, err
		}
		out.add(rep)

		if rep.Remaining == 0 {
			break
		}
		if rep.Activated+rep.Deactivated > 0 {
			stalled = 0
			continue
		}
		// Retried candidates rotate to the back, so keep going until the
		// whole queue has come round once.
		stalled += rep.Processed
		if stalled >= rep.Remaining {
			break
		}
	}
	logger.Info("queue drained", "batches", out.Batches, "processed", out.Processed, "remaining", out.Remaining)
	return out, nil
}
