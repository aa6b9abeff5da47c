package temporal

import (
	"time"

	"github.com/jordanhubbard/cdnrewriter/internal/queue"
)

// ProcessInput is the input for ProcessQueueWorkflow.
type ProcessInput struct {
	// MaxItems caps candidates per batch; zero uses the queue default.
	MaxItems int `json:"max_items,omitempty"`
	// MaxBatches bounds how many batches one run may drain.
	MaxBatches int `json:"max_batches,omitempty"`
	// Pause is slept between batches.
	Pause  time.Duration `json:"pause,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// ProcessOutput is the output of ProcessQueueWorkflow.
type ProcessOutput struct {
	Batches     int  `json:"batches"`
	Processed   int  `json:"processed"`
	Activated   int  `json:"activated"`
	Deactivated int  `json:"deactivated"`
	Retried     int  `json:"retried"`
	Remaining   int  `json:"remaining"`
	Locked      bool `json:"locked,omitempty"`
}

func (o *ProcessOutput) add(r queue.Report) {
	o.Batches++
	o.Processed += r.Processed
	o.Activated += r.Activated
	o.Deactivated += r.Deactivated
	o.Retried += r.Retried
	o.Remaining = r.Remaining
}

// BatchInput is the input for the ProcessBatch activity.
type BatchInput struct {
	MaxItems int    `json:"max_items,omitempty"`
	Batch    int    `json:"batch"`
	Reason   string `json:"reason,omitempty"`
}
