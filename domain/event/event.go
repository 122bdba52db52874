// Package event defines the kernel's append-only observability record.
package event

import "time"

// Kind is the enumerated tag for an event's payload shape. Every
// state-changing action and every rejection appends exactly one Event.
type Kind string

const (
	KindArtifactCreated    Kind = "artifact_created"
	KindArtifactModified   Kind = "artifact_modified"
	KindArtifactDeleted    Kind = "artifact_deleted"
	KindTransfer           Kind = "transfer"
	KindInvocationStarted  Kind = "invocation_started"
	KindInvocationComplete Kind = "invocation_completed"
	KindInvocationRejected Kind = "invocation_rejected"
	KindCheckpoint         Kind = "checkpoint"
	KindMint               Kind = "mint"
	KindBurn               Kind = "burn"
	KindAgentQuarantined   Kind = "agent_quarantined"
)

// Event is an immutable record appended to the log on every state-changing
// action and on rejections. Seq is strictly monotonic and gap-free,
// starting at 1.
type Event struct {
	Seq         uint64         `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        Kind           `json:"kind"`
	PrincipalID string         `json:"principal_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}
