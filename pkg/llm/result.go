package llm

import "time"

// StopReason is why a driver invocation ended. The set is closed; callers
// switch on it to decide whether to retry, trampoline, or give up.
type StopReason string

const (
	// StopCompleted means the model produced plain text with no tool calls.
	StopCompleted StopReason = "Completed"
	// StopToolRequestedExit means a tool returned ExitLoop.
	StopToolRequestedExit StopReason = "ToolRequestedExit"
	// StopLlmCallFailed covers exhausted retries, auth failures, and
	// non-adaptive 4xx responses.
	StopLlmCallFailed StopReason = "LlmCallFailed"
	// StopMaxIterationsReached means the per-invocation iteration cap hit.
	StopMaxIterationsReached StopReason = "MaxIterationsReached"
	// StopCostExceeded means the ticket's budget is spent.
	StopCostExceeded StopReason = "CostExceeded"
	// StopRateLimited carries the retry-after delay from a 429.
	StopRateLimited StopReason = "RateLimited"
	// StopInterrupted means the conversation's own token was cancelled.
	StopInterrupted StopReason = "Interrupted"
	// StopModelChanged means a hub request switched the model; the caller
	// re-enters RunToCompletion on the new service.
	StopModelChanged StopReason = "ModelChanged"
	// StopRepetitionDetected means the model repeated itself past the limit.
	StopRepetitionDetected StopReason = "RepetitionDetected"
)

// RunResult is the terminal state of one RunToCompletion invocation.
type RunResult struct {
	Reason StopReason
	// Content is the model's final text (Completed) or a context excerpt
	// (MaxIterationsReached, RepetitionDetected).
	Content string
	// FinalTool is set for ToolRequestedExit.
	FinalTool string
	// Message describes the failure for LlmCallFailed.
	Message string
	// RetryAfter is set for RateLimited.
	RetryAfter time.Duration
	// NewConfigID is set for ModelChanged.
	NewConfigID string
}
