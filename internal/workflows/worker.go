package workflows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/fyrsmithlabs/arbiter/internal/config"
)

// Register adds the solve workflow and its activities to a worker.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflow(SolveWorkflow)
	r.RegisterActivity(acts)
}

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// NewWorker creates a worker on the configured task queue with the solve
// workflow registered.
func NewWorker(c client.Client, cfg config.TemporalConfig, acts *Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	Register(w, acts)
	return w
}

// Solve starts a SolveWorkflow and waits for its result. Activity timeout and
// attempts default to cfg when the input leaves them zero.
func Solve(ctx context.Context, c client.Client, cfg config.TemporalConfig, in SolveInput) (*SolveResult, error) {
	if in.RunID == "" {
		in.RunID = uuid.New().String()
	}
	if in.ActivityTimeout <= 0 {
		in.ActivityTimeout = cfg.ActivityTimeout.Duration()
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = cfg.MaxAttempts
	}

	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "solve-" + in.RunID,
		TaskQueue: cfg.TaskQueue,
	}, SolveWorkflow, in)
	if err != nil {
		return nil, fmt.Errorf("starting solve workflow: %w", err)
	}

	var result SolveResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("solve workflow %s: %w", run.GetID(), err)
	}
	return &result, nil
}
