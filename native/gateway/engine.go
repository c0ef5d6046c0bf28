package gateway

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"jobgateway/core/events"
	"jobgateway/core/types"
	"jobgateway/native/custody"
	"jobgateway/native/registry"
)

var errNilState = errors.New("gateway engine: state not configured")

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	BalanceGet(addr [20]byte, token string) (*big.Int, error)
	BalancePut(addr [20]byte, token string, amount *big.Int) error
}

type gatewayEvent struct {
	evt *types.Event
}

func (e gatewayEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e gatewayEvent) Event() *types.Event { return e.evt }

// SettlementPolicy captures the caller-authorization choices the protocol
// deliberately leaves configurable: whether Decline needs the authority
// signer, whether Refund is restricted to the requester, and whether delivery
// is rejected once the refund deadline has elapsed.
type SettlementPolicy struct {
	DeclineRequiresAuthority bool
	RefundRequiresRequester  bool
	EnforceDeliveryDeadline  bool
}

// DefaultSettlementPolicy requires the authority signer for Decline and lets
// anyone trigger a deadline refund, matching the deployed behaviour of the
// reference marketplace.
func DefaultSettlementPolicy() SettlementPolicy {
	return SettlementPolicy{DeclineRequiresAuthority: true}
}

// Engine drives orders through their lifecycle and moves escrowed funds
// through the custody ledger. Operations are serialized by an engine-wide
// mutex; each either completes fully or leaves state untouched, with all
// validation performed before the first write.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	ledger  *custody.Ledger
	emitter events.Emitter
	policy  SettlementPolicy
	nowFn   func() int64
}

// NewEngine creates a settlement engine with a no-op emitter and the default
// settlement policy.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		policy:  DefaultSettlementPolicy(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine and rebinds the
// custody ledger to it.
func (e *Engine) SetState(state engineState) {
	e.state = state
	e.ledger = custody.NewLedger(state)
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPolicy overrides the settlement policy.
func (e *Engine) SetPolicy(policy SettlementPolicy) {
	if e == nil {
		return
	}
	e.policy = policy
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(gatewayEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) record() (*registry.Record, error) {
	record, ok, err := registry.LoadRecord(e.state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrNotInitialized
	}
	return record, nil
}

// verifyOrderIntegrity re-derives the order identifier from the fields the
// engine is about to trust. A record whose stored requester or job hash does
// not hash back to its own key was substituted and must be rejected.
func verifyOrderIntegrity(o *Order) error {
	if o == nil {
		return ErrOrderNotFound
	}
	if OrderID(o.Requester, o.JobHash) != o.ID {
		return ErrInvalidOrderAccount
	}
	return nil
}

// orderVault checks that the vault registered for the order is open, holds the
// order's token and is controlled by the order's derived authority.
func (e *Engine) orderVault(o *Order) ([20]byte, error) {
	vaultAddr := custody.OrderVaultAddress(o.ID)
	vault, ok, err := e.ledger.Vault(vaultAddr)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok || !vault.Open {
		return [20]byte{}, ErrInvalidOrderVault
	}
	if vault.Token != o.Token || vault.Authority != custody.OrderAuthorityAddress(o.ID) {
		return [20]byte{}, ErrInvalidOrderVault
	}
	return vaultAddr, nil
}

func (e *Engine) mustLoadOrder(id [32]byte) (*Order, error) {
	order, ok, err := e.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOrderNotFound
	}
	if err := verifyOrderIntegrity(order); err != nil {
		return nil, err
	}
	return order, nil
}

// Place creates an order for the (requester, job) pair with no funds moving.
func (e *Engine) Place(requester [20]byte, jobHash [32]byte) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if requester == ([20]byte{}) {
		return nil, fmt.Errorf("gateway: requester identity required")
	}
	id := OrderID(requester, jobHash)
	if _, ok, err := e.loadOrder(id); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrDuplicateOrder
	}
	order := &Order{
		ID:        id,
		Requester: requester,
		JobHash:   jobHash,
		Price:     big.NewInt(0),
		Status:    OrderPlaced,
		CreatedAt: e.now(),
	}
	if err := e.storeOrder(order); err != nil {
		return nil, err
	}
	e.emit(NewOrderPlacedEvent(order))
	return order.Clone(), nil
}

// Evaluate sets the price and refund deadline on a placed order. Only the
// protocol authority may price jobs.
func (e *Engine) Evaluate(id [32]byte, caller [20]byte, price *big.Int, deadline int64) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	order, err := e.mustLoadOrder(id)
	if err != nil {
		return nil, err
	}
	record, err := e.record()
	if err != nil {
		return nil, err
	}
	if caller != record.Authority {
		return nil, ErrUnauthorized
	}
	if order.Status != OrderPlaced {
		return nil, ErrInvalidOrderStatus
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("gateway: price must be positive")
	}
	if deadline <= 0 {
		return nil, fmt.Errorf("gateway: deadline must be positive")
	}
	order.Price = new(big.Int).Set(price)
	order.Deadline = deadline
	order.Status = OrderEvaluated
	if err := e.storeOrder(order); err != nil {
		return nil, err
	}
	e.emit(NewOrderEvaluatedEvent(order))
	return order.Clone(), nil
}

// Commit funds the escrow vault of an evaluated order from the requester's
// balance. The supplied amount must cover the evaluated price; any surplus is
// escrowed alongside it and returned with whichever settlement follows.
func (e *Engine) Commit(id [32]byte, caller [20]byte, token string, amount *big.Int) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	order, err := e.mustLoadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderEvaluated {
		return nil, ErrInvalidOrderStatus
	}
	if caller != order.Requester {
		return nil, ErrInvalidUser
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Cmp(order.Price) < 0 {
		return nil, ErrInsufficientFunds
	}
	if err := e.fundOrder(order, normalized, amount); err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// CommitQuoted creates an order directly in the started state from an
// authority-signed quote and funds its escrow vault in the same step. The
// duplicate check runs before any quote validation so a replayed quote is
// rejected regardless of its expiry.
func (e *Engine) CommitQuoted(caller [20]byte, jobHash [32]byte, token string, quotePayload, quoteSig []byte) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller == ([20]byte{}) {
		return nil, fmt.Errorf("gateway: requester identity required")
	}
	id := OrderID(caller, jobHash)
	if _, ok, err := e.loadOrder(id); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrDuplicateOrder
	}
	record, err := e.record()
	if err != nil {
		return nil, err
	}
	verified, err := VerifyQuote(quotePayload, quoteSig)
	if err != nil {
		return nil, err
	}
	if verified.Signer != record.QuoteSigner {
		return nil, ErrInvalidSignature
	}
	quote := verified.Quote
	if quote.Requester != caller {
		return nil, ErrInvalidUser
	}
	if quote.JobHash != jobHash {
		return nil, ErrInvalidJobHash
	}
	now := e.now()
	if now >= quote.PriceValidUntil {
		return nil, ErrQuoteExpired
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if quote.Token != normalized {
		return nil, ErrInvalidToken
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidQuotePayload)
	}
	if quote.Deadline <= 0 {
		return nil, fmt.Errorf("%w: deadline must be positive", ErrInvalidQuotePayload)
	}
	order := &Order{
		ID:              id,
		Requester:       caller,
		JobHash:         jobHash,
		Price:           new(big.Int).Set(quote.Price),
		PriceValidUntil: quote.PriceValidUntil,
		Deadline:        quote.Deadline,
		Status:          OrderPlaced,
		CreatedAt:       now,
	}
	if err := e.fundOrder(order, normalized, order.Price); err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// fundOrder opens the order's escrow vault, deposits the amount from the
// requester and moves the order into the started state. The requester's
// balance is checked before the vault record is written so a shortfall leaves
// no trace of the attempt.
func (e *Engine) fundOrder(order *Order, token string, amount *big.Int) error {
	balance, err := e.ledger.Balance(order.Requester, token)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	vaultAddr := custody.OrderVaultAddress(order.ID)
	if _, err := e.ledger.Open(vaultAddr, custody.OrderAuthorityAddress(order.ID), token); err != nil {
		return err
	}
	if err := e.ledger.Deposit(order.Requester, vaultAddr, token, amount); err != nil {
		if errors.Is(err, custody.ErrInsufficientFunds) {
			return ErrInsufficientFunds
		}
		return err
	}
	order.Token = token
	order.Status = OrderStarted
	order.StartedAt = e.now()
	if err := e.storeOrder(order); err != nil {
		return err
	}
	e.emit(NewOrderStartedEvent(order))
	return nil
}

// Deliver attests completion: the full escrow balance moves to the protocol
// vault, the order vault is closed and the result hash recorded.
func (e *Engine) Deliver(id [32]byte, caller [20]byte, resultHash [32]byte) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	order, err := e.mustLoadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStarted {
		return nil, ErrInvalidOrderStatus
	}
	record, err := e.record()
	if err != nil {
		return nil, err
	}
	if caller != record.Authority {
		return nil, ErrUnauthorized
	}
	now := e.now()
	if e.policy.EnforceDeliveryDeadline && now-order.CreatedAt > order.Deadline {
		return nil, ErrDeliverAfterDeadline
	}
	protocolVault := custody.ProtocolVaultAddress(order.Token)
	if _, err := e.ledger.Open(protocolVault, custody.VaultAuthorityAddress(), order.Token); err != nil {
		return nil, err
	}
	if err := e.releaseVault(order, protocolVault); err != nil {
		return nil, err
	}
	order.ResultHash = resultHash
	order.Status = OrderCompleted
	order.CompletedAt = now
	if err := e.storeOrder(order); err != nil {
		return nil, err
	}
	e.emit(NewOrderCompletedEvent(order))
	return order.Clone(), nil
}

// Decline aborts a started order, returning the full escrow balance to the
// requester. The caller policy is configurable; the default requires the
// protocol authority.
func (e *Engine) Decline(id [32]byte, caller [20]byte) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	order, err := e.mustLoadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStarted {
		return nil, ErrInvalidOrderStatus
	}
	if e.policy.DeclineRequiresAuthority {
		record, err := e.record()
		if err != nil {
			return nil, err
		}
		if caller != record.Authority {
			return nil, ErrUnauthorized
		}
	}
	if err := e.releaseVault(order, order.Requester); err != nil {
		return nil, err
	}
	order.Status = OrderAborted
	order.CompletedAt = e.now()
	if err := e.storeOrder(order); err != nil {
		return nil, err
	}
	e.emit(NewOrderAbortedEvent(order))
	return order.Clone(), nil
}

// Refund returns the escrow balance to the requester once the deadline has
// strictly elapsed. Anyone may trigger it unless the policy restricts the
// caller to the requester.
func (e *Engine) Refund(id [32]byte, caller [20]byte) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	order, err := e.mustLoadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStarted {
		return nil, ErrInvalidOrderStatus
	}
	if e.policy.RefundRequiresRequester && caller != order.Requester {
		return nil, ErrInvalidUser
	}
	if e.now()-order.CreatedAt <= order.Deadline {
		return nil, ErrTimeoutNotReached
	}
	if err := e.releaseVault(order, order.Requester); err != nil {
		return nil, err
	}
	order.Status = OrderRefunded
	if err := e.storeOrder(order); err != nil {
		return nil, err
	}
	e.emit(NewOrderRefundedEvent(order))
	return order.Clone(), nil
}

// releaseVault drains the order's escrow vault to the recipient and closes it.
// The amount released always equals the amount escrowed at commit time.
func (e *Engine) releaseVault(order *Order, recipient [20]byte) error {
	vaultAddr, err := e.orderVault(order)
	if err != nil {
		return err
	}
	balance, err := e.ledger.Balance(vaultAddr, order.Token)
	if err != nil {
		return err
	}
	auth := custody.ActingAs(custody.OrderAuthorityAddress(order.ID))
	if balance.Sign() > 0 {
		if err := e.ledger.Transfer(vaultAddr, recipient, order.Token, balance, auth); err != nil {
			return err
		}
	}
	return e.ledger.Close(vaultAddr, auth)
}

// FundProtocol moves funds from an account straight into the protocol-wide
// vault for the token, creating the vault on first use.
func (e *Engine) FundProtocol(from [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("gateway: funding amount must be positive")
	}
	balance, err := e.ledger.Balance(from, normalized)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	vaultAddr := custody.ProtocolVaultAddress(normalized)
	if _, err := e.ledger.Open(vaultAddr, custody.VaultAuthorityAddress(), normalized); err != nil {
		return err
	}
	if err := e.ledger.Deposit(from, vaultAddr, normalized, amount); err != nil {
		if errors.Is(err, custody.ErrInsufficientFunds) {
			return ErrInsufficientFunds
		}
		return err
	}
	return nil
}

// Withdraw drains the protocol vault for the token to the configured fee
// recipient. Only the protocol authority may sweep.
func (e *Engine) Withdraw(token string, caller [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	record, err := e.record()
	if err != nil {
		return nil, err
	}
	if caller != record.Authority {
		return nil, ErrUnauthorized
	}
	vaultAddr := custody.ProtocolVaultAddress(normalized)
	balance, err := e.ledger.Balance(vaultAddr, normalized)
	if err != nil {
		return nil, err
	}
	if balance.Sign() == 0 {
		return nil, ErrInsufficientFunds
	}
	auth := custody.ActingAs(custody.VaultAuthorityAddress())
	if err := e.ledger.Transfer(vaultAddr, record.FeeRecipient, normalized, balance, auth); err != nil {
		return nil, err
	}
	e.emit(NewWithdrawEvent(normalized, balance.String(), record.FeeRecipient))
	return balance, nil
}

// Get returns the stored order for the identifier.
func (e *Engine) Get(id [32]byte) (*Order, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	order, ok, err := e.loadOrder(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return order, true, nil
}

// EscrowBalance returns the funds currently held in the order's escrow vault.
func (e *Engine) EscrowBalance(id [32]byte, token string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.ledger.Balance(custody.OrderVaultAddress(id), token)
}

// ProtocolBalance returns the funds held in the protocol-wide vault for the
// token.
func (e *Engine) ProtocolBalance(token string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.ledger.Balance(custody.ProtocolVaultAddress(token), token)
}

// Ledger exposes the custody ledger bound to the engine state. Used by the
// node wiring to seed balances and by queries.
func (e *Engine) Ledger() *custody.Ledger {
	if e == nil {
		return nil
	}
	return e.ledger
}
