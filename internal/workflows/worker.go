package workflows

import (
	"context"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Register adds the workflow and its activities to r.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflow(CardPipelineWorkflow)
	r.RegisterActivity(acts)
}

// WorkflowID is the id a unit's workflow runs under, so resubmitting a unit
// that is still in flight is rejected by the server.
func WorkflowID(unitID string) string {
	return "cardline-" + unitID
}

// Start launches the workflow for in on taskQueue.
func Start(ctx context.Context, c client.Client, taskQueue string, in CardPipelineInput) (client.WorkflowRun, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.UnitID),
		TaskQueue: taskQueue,
	}, CardPipelineWorkflow, in)
}
