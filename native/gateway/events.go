package gateway

import (
	"encoding/hex"
	"strconv"

	"jobgateway/core/types"
)

const (
	EventTypeOrderPlaced    = "gateway.order.placed"
	EventTypeOrderEvaluated = "gateway.order.evaluated"
	EventTypeOrderStarted   = "gateway.order.started"
	EventTypeOrderCompleted = "gateway.order.completed"
	EventTypeOrderAborted   = "gateway.order.aborted"
	EventTypeOrderRefunded  = "gateway.order.refunded"
	EventTypeWithdraw       = "gateway.withdraw"
)

// NewOrderPlacedEvent returns the canonical payload for a freshly placed order.
func NewOrderPlacedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderPlaced, o) }

// NewOrderEvaluatedEvent returns the payload emitted when the authority prices
// an order.
func NewOrderEvaluatedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderEvaluated, o) }

// NewOrderStartedEvent returns the payload emitted once escrow is funded.
func NewOrderStartedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderStarted, o) }

// NewOrderCompletedEvent returns the payload emitted on attested delivery. It
// carries the result hash alongside the order fields.
func NewOrderCompletedEvent(o *Order) *types.Event {
	evt := newOrderEvent(EventTypeOrderCompleted, o)
	if o != nil {
		evt.Attributes["resultHash"] = hex.EncodeToString(o.ResultHash[:])
	}
	return evt
}

// NewOrderAbortedEvent returns the payload emitted when an order is declined.
func NewOrderAbortedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderAborted, o) }

// NewOrderRefundedEvent returns the payload emitted on a deadline refund.
func NewOrderRefundedEvent(o *Order) *types.Event { return newOrderEvent(EventTypeOrderRefunded, o) }

// NewWithdrawEvent returns the payload emitted when the authority sweeps a
// protocol vault.
func NewWithdrawEvent(token string, amount string, recipient [20]byte) *types.Event {
	return &types.Event{Type: EventTypeWithdraw, Attributes: map[string]string{
		"token":     token,
		"amount":    amount,
		"recipient": hex.EncodeToString(recipient[:]),
	}}
}

func newOrderEvent(eventType string, o *Order) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(o.ID[:])
	attrs["requester"] = hex.EncodeToString(o.Requester[:])
	attrs["jobHash"] = hex.EncodeToString(o.JobHash[:])
	attrs["status"] = o.Status.String()
	if o.Token != "" {
		attrs["token"] = o.Token
	}
	if o.Price != nil && o.Price.Sign() > 0 {
		attrs["price"] = o.Price.String()
	}
	if o.Deadline > 0 {
		attrs["deadline"] = strconv.FormatInt(o.Deadline, 10)
	}
	attrs["createdAt"] = strconv.FormatInt(o.CreatedAt, 10)
	if o.StartedAt > 0 {
		attrs["startedAt"] = strconv.FormatInt(o.StartedAt, 10)
	}
	if o.CompletedAt > 0 {
		attrs["completedAt"] = strconv.FormatInt(o.CompletedAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
