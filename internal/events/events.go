// Package events fans out confirmed ledger receipts and registry state
// changes to websocket subscribers so clients can correlate what they
// submitted with what the ledger applied.
package events

import "time"

type Type string

const (
	TypeBountyCreated      Type = "bounty.created"
	TypeBountyFunded       Type = "bounty.funded"
	TypeBountyAssigned     Type = "bounty.assigned"
	TypeBountyCompleted    Type = "bounty.completed"
	TypeMilestoneSubmitted Type = "milestone.submitted"
	TypeMilestoneVerified  Type = "milestone.verified"
	TypePayoutConfirmed    Type = "payout.confirmed"
	TypePayoutPending      Type = "payout.pending"
	TypeContributionFailed Type = "contribution.failed"
	TypeSignatureRequested Type = "signature.requested"
	TypeDocumentSigned     Type = "signature.completed"
	TypeDocumentRevoked    Type = "envelope.revoked"
)

// Event is a single notification. Topic is the bounty id or document hash
// the event concerns, and subscribers filter on it.
type Event struct {
	Type      Type           `json:"type"`
	Topic     string         `json:"topic"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Status    string         `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher accepts events. Publish must not block the caller.
type Publisher interface {
	Publish(e Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Nop discards every event.
func Nop() Publisher { return nopPublisher{} }
