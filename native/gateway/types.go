package gateway

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// OrderStatus represents the lifecycle states of a settlement order.
type OrderStatus uint8

const (
	// OrderStatusUnspecified marks an uninitialised order and never appears
	// in state.
	OrderStatusUnspecified OrderStatus = iota
	// OrderPlaced is the initial state after a requester places an order.
	OrderPlaced
	// OrderEvaluated means the protocol authority has priced the job.
	OrderEvaluated
	// OrderStarted means the escrow vault is funded and work may begin.
	OrderStarted
	// OrderCompleted is terminal: delivery was attested and funds released.
	OrderCompleted
	// OrderAborted is terminal: the order was declined and funds returned.
	OrderAborted
	// OrderRefunded is terminal: the deadline elapsed and funds returned.
	OrderRefunded
)

// Valid reports whether the status value is within the supported range.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPlaced, OrderEvaluated, OrderStarted, OrderCompleted, OrderAborted, OrderRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderAborted, OrderRefunded:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	switch s {
	case OrderPlaced:
		return "placed"
	case OrderEvaluated:
		return "evaluated"
	case OrderStarted:
		return "started"
	case OrderCompleted:
		return "completed"
	case OrderAborted:
		return "aborted"
	case OrderRefunded:
		return "refunded"
	default:
		return "unspecified"
	}
}

// Order tracks one job's price, escrowed funds and lifecycle state. The
// identifier is the keccak256 hash of the requester and job hash, so at most
// one order can exist per (requester, job) pair.
type Order struct {
	ID              [32]byte
	Requester       [20]byte
	JobHash         [32]byte
	ResultHash      [32]byte
	Token           string
	Price           *big.Int
	PriceValidUntil int64
	Deadline        int64
	Status          OrderStatus
	CreatedAt       int64
	StartedAt       int64
	CompletedAt     int64
}

var orderIDSeed = []byte("gateway/order")

// OrderID derives the deterministic order identifier for the pair.
func OrderID(requester [20]byte, jobHash [32]byte) [32]byte {
	digest := ethcrypto.Keccak256(orderIDSeed, requester[:], jobHash[:])
	var id [32]byte
	copy(id[:], digest)
	return id
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Price != nil {
		clone.Price = new(big.Int).Set(o.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// NormalizeToken ensures the provided token symbol matches a supported
// settlement currency ("JOB" or "USDJ") and returns the canonical uppercase
// form.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case "JOB", "USDJ":
		return trimmed, nil
	default:
		return "", fmt.Errorf("gateway: unsupported settlement token: %s", symbol)
	}
}

// SanitizeOrder validates and normalises the supplied order, returning a clone
// with canonical token casing and a non-nil price. The original value is not
// mutated.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("gateway: nil order")
	}
	clone := o.Clone()
	if clone.ID != OrderID(clone.Requester, clone.JobHash) {
		return nil, fmt.Errorf("gateway: order id does not match requester and job hash")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("gateway: invalid order status: %d", clone.Status)
	}
	// The settlement token is only fixed once escrow is funded.
	if clone.Status == OrderStarted || clone.Status.Terminal() {
		token, err := NormalizeToken(clone.Token)
		if err != nil {
			return nil, err
		}
		clone.Token = token
	}
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("gateway: order price must not be negative")
	}
	if clone.Deadline < 0 {
		return nil, fmt.Errorf("gateway: order deadline must not be negative")
	}
	if clone.StartedAt != 0 && clone.StartedAt < clone.CreatedAt {
		return nil, fmt.Errorf("gateway: startedAt precedes createdAt")
	}
	if clone.CompletedAt != 0 && clone.CompletedAt < clone.StartedAt {
		return nil, fmt.Errorf("gateway: completedAt precedes startedAt")
	}
	return clone, nil
}
