package audit

import "time"

// ActorSystem labels entries produced by the engine itself rather than a signer.
const ActorSystem = "system"

// Event types recorded over a workflow's life.
const (
	EventWorkflowCreated   = "workflow.created"
	EventTurnBegun         = "turn.begun"
	EventOTPVerified       = "otp.verified"
	EventOTPRejected       = "otp.rejected"
	EventOTPResent         = "otp.resent"
	EventSignatureApplied  = "signature.applied"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowAborted   = "workflow.aborted"
)

// Entry is one appended fact about a workflow. Entries are never edited or
// deleted; ordering is by insertion.
type Entry struct {
	WorkflowID string    `json:"workflow_id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	EventType  string    `json:"event_type"`
	Detail     string    `json:"detail,omitempty"`
}
