package escrow

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkhmik004/trustwork/core/events"
	"github.com/mkhmik004/trustwork/core/types"
)

const (
	EventTypeContractCreated   = "escrow.contract.created"
	EventTypeMilestoneReleased = "escrow.milestone.released"
	EventTypeContractCompleted = "escrow.contract.completed"
	EventTypeContractRefunded  = "escrow.contract.refunded"
	EventTypeDisputeRaised     = "escrow.dispute.raised"
	EventTypeDisputeCleared    = "escrow.dispute.cleared"
	EventTypeAccountDeposited  = "escrow.account.deposited"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

var _ events.Payload = escrowEvent{}

// NewContractCreatedEvent returns the canonical payload for a newly funded
// agreement: id, client, freelancer, totalAmount and milestoneCount.
func NewContractCreatedEvent(a *Agreement) *types.Event {
	attrs := agreementAttrs(a)
	if a != nil {
		attrs["client"] = a.Client.Hex()
		attrs["freelancer"] = a.Freelancer.Hex()
		attrs["totalAmount"] = events.FormatAmount(a.TotalAmount)
		attrs["milestoneCount"] = strconv.Itoa(len(a.Milestones))
	}
	return &types.Event{Type: EventTypeContractCreated, Attributes: attrs}
}

// NewMilestoneReleasedEvent returns the payload emitted when a milestone is
// paid out: id, milestoneIndex, amount and freelancer.
func NewMilestoneReleasedEvent(a *Agreement, index uint64) *types.Event {
	attrs := agreementAttrs(a)
	attrs["milestoneIndex"] = events.FormatUint(index)
	if a != nil {
		if index < uint64(len(a.Milestones)) {
			attrs["amount"] = events.FormatAmount(a.Milestones[index].Amount)
		}
		attrs["freelancer"] = a.Freelancer.Hex()
	}
	return &types.Event{Type: EventTypeMilestoneReleased, Attributes: attrs}
}

// NewContractCompletedEvent is emitted after the last milestone is released.
func NewContractCompletedEvent(a *Agreement) *types.Event {
	attrs := agreementAttrs(a)
	if a != nil {
		attrs["totalAmount"] = events.FormatAmount(a.TotalAmount)
		attrs["freelancer"] = a.Freelancer.Hex()
	}
	return &types.Event{Type: EventTypeContractCompleted, Attributes: attrs}
}

// NewContractRefundedEvent returns the payload for a refund of the unreleased
// remainder: id, amount and client.
func NewContractRefundedEvent(a *Agreement, amount *big.Int) *types.Event {
	attrs := agreementAttrs(a)
	attrs["amount"] = events.FormatAmount(amount)
	if a != nil {
		attrs["client"] = a.Client.Hex()
	}
	return &types.Event{Type: EventTypeContractRefunded, Attributes: attrs}
}

// NewDisputeRaisedEvent returns the payload for a dispute flag: id,
// milestoneIndex and raisedBy.
func NewDisputeRaisedEvent(a *Agreement, index uint64, raisedBy common.Address) *types.Event {
	attrs := agreementAttrs(a)
	attrs["milestoneIndex"] = events.FormatUint(index)
	attrs["raisedBy"] = raisedBy.Hex()
	return &types.Event{Type: EventTypeDisputeRaised, Attributes: attrs}
}

// NewDisputeClearedEvent returns the payload emitted when the arbiter lifts a
// dispute flag.
func NewDisputeClearedEvent(a *Agreement, index uint64, clearedBy common.Address) *types.Event {
	attrs := agreementAttrs(a)
	attrs["milestoneIndex"] = events.FormatUint(index)
	attrs["clearedBy"] = clearedBy.Hex()
	return &types.Event{Type: EventTypeDisputeCleared, Attributes: attrs}
}

// NewAccountDepositedEvent records an operator credit to a participant account.
func NewAccountDepositedEvent(addr common.Address, amount, balance *big.Int) *types.Event {
	return &types.Event{Type: EventTypeAccountDeposited, Attributes: map[string]string{
		"address": addr.Hex(),
		"amount":  events.FormatAmount(amount),
		"balance": events.FormatAmount(balance),
	}}
}

func agreementAttrs(a *Agreement) map[string]string {
	attrs := make(map[string]string)
	if a == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(a.ID, 10)
	return attrs
}
