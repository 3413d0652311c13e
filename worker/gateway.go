package worker

import "context"

// SpawnParams describes the agent run a dispatch asks the gateway for.
type SpawnParams struct {
	// AgentID is the agent configuration to run under.
	AgentID string
	// SessionKey names the conversation session for the run. The worker
	// generates one per dispatch and records it on the work item.
	SessionKey string
	// Title and Description come from the work item and form the task
	// prompt.
	Title       string
	Description string
	// Model optionally overrides the gateway's default model.
	Model string
	// Label tags the run for operator visibility.
	Label string
}

// AwaitResult is the terminal outcome of a spawned run.
type AwaitResult struct {
	OK    bool
	Error string
}

// Gateway is the boundary to the agent-execution daemon. Spawn starts a
// run and returns its run id; Await blocks until that run finishes;
// Cleanup disposes of the run's session and is best-effort.
type Gateway interface {
	Spawn(ctx context.Context, params SpawnParams) (string, error)
	Await(ctx context.Context, runID string) (AwaitResult, error)
	Cleanup(ctx context.Context, sessionKey string) error
}

// ContextExtractor summarizes what a finished run actually did, for the
// item's result. Extraction is best-effort: a failure never affects the
// item's terminal status.
type ContextExtractor interface {
	Summarize(ctx context.Context, sessionKey string) (string, error)
}
