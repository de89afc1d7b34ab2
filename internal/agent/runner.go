package agent

import "context"

// RunRequest is one queued analysis run.
type RunRequest struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
	Email    string `json:"email"`
	Prompt   string `json:"prompt"`
}

// Runner executes a run and persists its state as checkpoints. The full
// multi-step reasoning graph lives outside this repo; any implementation that
// writes prompt and final_answer checkpoints plugs in here.
type Runner interface {
	Run(ctx context.Context, req RunRequest) error
}
