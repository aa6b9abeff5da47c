package temporal

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config is where the queue worker connects and polls.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager hosts the queue-processing worker and the client dispatches go
// through. Both live for the lifetime of the server.
type Manager struct {
	c         client.Client
	w         worker.Worker
	taskQueue string
}

// Connect dials Temporal, registers the queue workflow with acts and starts
// polling. On error nothing is left running.
func Connect(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{HostPort: cfg.HostPort, Namespace: cfg.Namespace})
	if err != nil {
		return nil, fmt.Errorf("temporal dial %s: %w", cfg.HostPort, err)
	}

	// Passes are serialized by the processing lock, one slot is enough.
	w := worker.New(c, cfg.TaskQueue, worker.Options{MaxConcurrentActivityExecutionSize: 1})
	w.RegisterWorkflow(ProcessQueueWorkflow)
	w.RegisterActivity(acts.ProcessBatch)
	if err := w.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("temporal worker on %s: %w", cfg.TaskQueue, err)
	}
	return &Manager{c: c, w: w, taskQueue: cfg.TaskQueue}, nil
}

func (m *Manager) TaskQueue() string { return m.taskQueue }

// Dispatcher starts processing runs on this manager's task queue.
func (m *Manager) Dispatcher(input ProcessInput, logger *slog.Logger) *Dispatcher {
	return NewDispatcher(m.c, m.taskQueue, input, logger)
}

// Stop halts polling and closes the connection.
func (m *Manager) Stop() {
	m.w.Stop()
	m.c.Close()
}
