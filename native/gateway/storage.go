package gateway

import (
	"fmt"
	"math/big"
)

var orderPrefix = []byte("gateway/order/")

func orderKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", orderPrefix, id))
}

const orderSchemaVersion = 1

// storedOrder is the persisted layout. RLP only carries unsigned integers, so
// the signed timestamps are converted at the boundary. Field additions are
// append-only.
type storedOrder struct {
	Version         uint8
	Requester       [20]byte
	JobHash         [32]byte
	ResultHash      [32]byte
	Token           string
	Price           *big.Int
	PriceValidUntil uint64
	Deadline        uint64
	Status          uint8
	CreatedAt       uint64
	StartedAt       uint64
	CompletedAt     uint64
}

func (e *Engine) loadOrder(id [32]byte) (*Order, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	var stored storedOrder
	ok, err := e.state.KVGet(orderKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	price := stored.Price
	if price == nil {
		price = big.NewInt(0)
	}
	order := &Order{
		ID:              id,
		Requester:       stored.Requester,
		JobHash:         stored.JobHash,
		ResultHash:      stored.ResultHash,
		Token:           stored.Token,
		Price:           new(big.Int).Set(price),
		PriceValidUntil: int64(stored.PriceValidUntil),
		Deadline:        int64(stored.Deadline),
		Status:          OrderStatus(stored.Status),
		CreatedAt:       int64(stored.CreatedAt),
		StartedAt:       int64(stored.StartedAt),
		CompletedAt:     int64(stored.CompletedAt),
	}
	return order, true, nil
}

func (e *Engine) storeOrder(o *Order) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sanitized, err := SanitizeOrder(o)
	if err != nil {
		return err
	}
	stored := &storedOrder{
		Version:         orderSchemaVersion,
		Requester:       sanitized.Requester,
		JobHash:         sanitized.JobHash,
		ResultHash:      sanitized.ResultHash,
		Token:           sanitized.Token,
		Price:           sanitized.Price,
		PriceValidUntil: uint64(sanitized.PriceValidUntil),
		Deadline:        uint64(sanitized.Deadline),
		Status:          uint8(sanitized.Status),
		CreatedAt:       uint64(sanitized.CreatedAt),
		StartedAt:       uint64(sanitized.StartedAt),
		CompletedAt:     uint64(sanitized.CompletedAt),
	}
	return e.state.KVPut(orderKey(sanitized.ID), stored)
}
