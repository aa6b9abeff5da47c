package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// DefaultWorkflowID is shared by every dispatch so that at most one
// processing workflow runs at a time.
const DefaultWorkflowID = "cdnrewriter-process-queue"

// WorkflowStarter is the part of client.Client the dispatcher needs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Dispatcher starts ProcessQueueWorkflow. A dispatch while a run is already
// in flight collapses into that run.
type Dispatcher struct {
	starter    WorkflowStarter
	taskQueue  string
	workflowID string
	input      ProcessInput
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher on taskQueue.
func NewDispatcher(starter WorkflowStarter, taskQueue string, input ProcessInput, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		starter:    starter,
		taskQueue:  taskQueue,
		workflowID: DefaultWorkflowID,
		input:      input,
		logger:     logger,
	}
}

// Dispatch starts a workflow run unless one is already running.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	run, err := d.starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       d.workflowID,
		TaskQueue:                                d.taskQueue,
		WorkflowExecutionTimeout:                 workflowTimeout,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, ProcessQueueWorkflow, d.input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			d.logger.Debug("processing workflow already running", slog.String("workflow_id", d.workflowID))
			return nil
		}
		return fmt.Errorf("start processing workflow: %w", err)
	}
	if run != nil {
		d.logger.Debug("processing workflow started",
			slog.String("workflow_id", run.GetID()),
			slog.String("run_id", run.GetRunID()))
	}
	return nil
}
