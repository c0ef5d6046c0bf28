package registry

import (
	"encoding/hex"
	"errors"

	"jobgateway/core/events"
	"jobgateway/core/types"
)

var (
	// ErrAlreadyInitialized marks a second bootstrap attempt.
	ErrAlreadyInitialized = errors.New("registry: already initialized")
	// ErrNotInitialized is returned when the governance record is read before
	// bootstrap.
	ErrNotInitialized = errors.New("registry: not initialized")

	errNilState = errors.New("registry: state not configured")
)

// EventTypeBootstrapped is emitted once when the governance record is created.
const EventTypeBootstrapped = "registry.bootstrapped"

// Record is the singleton governance record naming the protocol authority,
// the key that signs price quotes, and the account that receives swept fees.
type Record struct {
	Authority    [20]byte
	QuoteSigner  [20]byte
	FeeRecipient [20]byte
}

type storedRecord struct {
	Version      uint8
	Authority    [20]byte
	QuoteSigner  [20]byte
	FeeRecipient [20]byte
}

const recordSchemaVersion = 1

var recordKey = []byte("registry/record")

// KVStore is the subset of state manager functionality the registry needs.
type KVStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// LoadRecord reads the governance record from state. The boolean reports
// whether bootstrap has happened.
func LoadRecord(store KVStore) (*Record, bool, error) {
	if store == nil {
		return nil, false, errNilState
	}
	var stored storedRecord
	ok, err := store.KVGet(recordKey, &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Record{
		Authority:    stored.Authority,
		QuoteSigner:  stored.QuoteSigner,
		FeeRecipient: stored.FeeRecipient,
	}, true, nil
}

// Engine guards creation of the governance record.
type Engine struct {
	state   KVStore
	emitter events.Emitter
}

// NewEngine constructs a registry engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state KVStore) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

// Bootstrap creates the governance record once. A zero quoteSigner or
// feeRecipient defaults to the admin identity.
func (e *Engine) Bootstrap(admin, quoteSigner, feeRecipient [20]byte) (*Record, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if admin == ([20]byte{}) {
		return nil, errors.New("registry: admin identity required")
	}
	_, ok, err := LoadRecord(e.state)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, ErrAlreadyInitialized
	}
	if quoteSigner == ([20]byte{}) {
		quoteSigner = admin
	}
	if feeRecipient == ([20]byte{}) {
		feeRecipient = admin
	}
	record := &Record{Authority: admin, QuoteSigner: quoteSigner, FeeRecipient: feeRecipient}
	stored := &storedRecord{
		Version:      recordSchemaVersion,
		Authority:    record.Authority,
		QuoteSigner:  record.QuoteSigner,
		FeeRecipient: record.FeeRecipient,
	}
	if err := e.state.KVPut(recordKey, stored); err != nil {
		return nil, err
	}
	e.emitter.Emit(registryEvent{evt: &types.Event{
		Type: EventTypeBootstrapped,
		Attributes: map[string]string{
			"authority":    hex.EncodeToString(record.Authority[:]),
			"quoteSigner":  hex.EncodeToString(record.QuoteSigner[:]),
			"feeRecipient": hex.EncodeToString(record.FeeRecipient[:]),
		},
	}})
	return record, nil
}

// Record returns the current governance record.
func (e *Engine) Record() (*Record, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, ok, err := LoadRecord(e.state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return record, nil
}
