package gateway

import "errors"

var (
	// ErrDuplicateOrder marks an attempt to create a second order for the
	// same (requester, job) pair.
	ErrDuplicateOrder = errors.New("gateway: duplicate order")
	// ErrOrderNotFound marks operations against an unknown order.
	ErrOrderNotFound = errors.New("gateway: order not found")
	// ErrInvalidOrderStatus is returned when an operation is invoked against
	// an order outside the required state.
	ErrInvalidOrderStatus = errors.New("gateway: invalid order status")
	// ErrInvalidUser marks a caller who is not the order's requester.
	ErrInvalidUser = errors.New("gateway: invalid user")
	// ErrUnauthorized marks a caller who is not the protocol authority.
	ErrUnauthorized = errors.New("gateway: unauthorized")
	// ErrInvalidOrderAccount is returned when the supplied order identifier
	// does not re-derive from the record's own fields.
	ErrInvalidOrderAccount = errors.New("gateway: invalid order account")
	// ErrInvalidOrderVault marks an escrow vault whose registration does not
	// match the order it should be bound to.
	ErrInvalidOrderVault = errors.New("gateway: invalid order vault")
	// ErrInsufficientFunds marks a commit below the evaluated price or a
	// zero-balance withdraw.
	ErrInsufficientFunds = errors.New("gateway: insufficient funds")
	// ErrTimeoutNotReached marks a refund requested before the deadline has
	// strictly elapsed.
	ErrTimeoutNotReached = errors.New("gateway: timeout not reached")
	// ErrDeliverAfterDeadline marks a delivery past the deadline when the
	// delivery-deadline policy is enforced.
	ErrDeliverAfterDeadline = errors.New("gateway: deliver after deadline")
	// ErrInvalidSignature marks a quote whose recovered signer is not the
	// configured quote-signing key.
	ErrInvalidSignature = errors.New("gateway: invalid quote signature")
	// ErrInvalidJobHash marks a quote bound to a different job than the one
	// being committed.
	ErrInvalidJobHash = errors.New("gateway: invalid job hash")
	// ErrQuoteExpired marks a quote whose validity window has passed.
	ErrQuoteExpired = errors.New("gateway: quote expired")
	// ErrInvalidToken marks a commit whose token differs from the quoted one.
	ErrInvalidToken = errors.New("gateway: invalid settlement token")
	// ErrInvalidQuotePayload marks a quote message that fails to decode as
	// the expected layout.
	ErrInvalidQuotePayload = errors.New("gateway: invalid quote payload")
)
