package gateway

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"jobgateway/core/events"
	"jobgateway/core/state"
	"jobgateway/core/types"
	"jobgateway/native/custody"
	"jobgateway/native/registry"
	"jobgateway/storage"
)

const testEpoch int64 = 1_700_000_000

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) lastType() string {
	if len(c.events) == 0 {
		return ""
	}
	return c.events[len(c.events)-1].EventType()
}

func (c *capturingEmitter) last() *types.Event {
	if len(c.events) == 0 {
		return nil
	}
	if wrapper, ok := c.events[len(c.events)-1].(gatewayEvent); ok {
		return wrapper.evt
	}
	return nil
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestJobHash(fill byte) [32]byte {
	var hash [32]byte
	copy(hash[:], bytes.Repeat([]byte{fill}, 32))
	return hash
}

var testKeySeed byte = 1

func mustGenerateKey(t *testing.T) (*ecdsa.PrivateKey, [20]byte) {
	t.Helper()
	seed := bytes.Repeat([]byte{testKeySeed}, 32)
	testKeySeed++
	key, err := ethcrypto.ToECDSA(seed)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	var out [20]byte
	copy(out[:], addr[:])
	return key, out
}

type testEnv struct {
	engine       *Engine
	manager      *state.Manager
	emitter      *capturingEmitter
	authority    [20]byte
	signerKey    *ecdsa.PrivateKey
	signer       [20]byte
	feeRecipient [20]byte
	clock        *int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	manager := state.NewManager(db)

	signerKey, signer := mustGenerateKey(t)
	_, authority := mustGenerateKey(t)
	feeRecipient := newTestAddress(0xFE)

	reg := registry.NewEngine()
	reg.SetState(manager)
	if _, err := reg.Bootstrap(authority, signer, feeRecipient); err != nil {
		t.Fatalf("bootstrap registry: %v", err)
	}

	clock := testEpoch
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return clock })

	return &testEnv{
		engine:       engine,
		manager:      manager,
		emitter:      emitter,
		authority:    authority,
		signerKey:    signerKey,
		signer:       signer,
		feeRecipient: feeRecipient,
		clock:        &clock,
	}
}

func (env *testEnv) advance(seconds int64) { *env.clock += seconds }

func (env *testEnv) fund(t *testing.T, addr [20]byte, token string, amount int64) {
	t.Helper()
	if err := env.engine.Ledger().Credit(addr, token, big.NewInt(amount)); err != nil {
		t.Fatalf("credit %x: %v", addr, err)
	}
}

func (env *testEnv) balance(t *testing.T, addr [20]byte, token string) *big.Int {
	t.Helper()
	balance, err := env.engine.Ledger().Balance(addr, token)
	if err != nil {
		t.Fatalf("balance %x: %v", addr, err)
	}
	return balance
}

func (env *testEnv) placeEvaluated(t *testing.T, requester [20]byte, jobHash [32]byte, price int64, deadline int64) *Order {
	t.Helper()
	order, err := env.engine.Place(requester, jobHash)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	order, err = env.engine.Evaluate(order.ID, env.authority, big.NewInt(price), deadline)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return order
}

func (env *testEnv) started(t *testing.T, requester [20]byte, jobHash [32]byte, price int64, deadline int64) *Order {
	t.Helper()
	order := env.placeEvaluated(t, requester, jobHash, price, deadline)
	env.fund(t, requester, "JOB", price)
	order, err := env.engine.Commit(order.ID, requester, "JOB", big.NewInt(price))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return order
}

func (env *testEnv) signedQuote(t *testing.T, quote *Quote) ([]byte, []byte) {
	t.Helper()
	payload, err := EncodeQuote(quote)
	if err != nil {
		t.Fatalf("encode quote: %v", err)
	}
	sig, err := SignQuote(payload, env.signerKey)
	if err != nil {
		t.Fatalf("sign quote: %v", err)
	}
	return payload, sig
}

func TestPlaceCreatesOrder(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x01)
	jobHash := newTestJobHash(0xA1)

	order, err := env.engine.Place(requester, jobHash)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if order.Status != OrderPlaced {
		t.Fatalf("expected placed status, got %s", order.Status)
	}
	if order.CreatedAt != testEpoch {
		t.Fatalf("expected createdAt %d, got %d", testEpoch, order.CreatedAt)
	}
	if order.ID != OrderID(requester, jobHash) {
		t.Fatalf("order id not derived from requester and job hash")
	}
	if env.emitter.lastType() != EventTypeOrderPlaced {
		t.Fatalf("expected placed event, got %q", env.emitter.lastType())
	}

	if _, err := env.engine.Place(requester, jobHash); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
}

func TestEvaluateAuthorization(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x02)
	order, err := env.engine.Place(requester, newTestJobHash(0xA2))
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, err := env.engine.Evaluate(order.ID, requester, big.NewInt(100), 3600); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.Evaluate(order.ID, env.authority, big.NewInt(100), 3600); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := env.engine.Evaluate(order.ID, env.authority, big.NewInt(100), 3600); !errors.Is(err, ErrInvalidOrderStatus) {
		t.Fatalf("expected ErrInvalidOrderStatus on second evaluate, got %v", err)
	}
}

func TestCommitValidations(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x03)
	order := env.placeEvaluated(t, requester, newTestJobHash(0xA3), 100, 3600)
	env.fund(t, requester, "JOB", 500)

	if _, err := env.engine.Commit(order.ID, newTestAddress(0x04), "JOB", big.NewInt(100)); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if _, err := env.engine.Commit(order.ID, requester, "JOB", big.NewInt(99)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds below price, got %v", err)
	}
	if _, err := env.engine.Commit(order.ID, requester, "DOGE", big.NewInt(100)); err == nil {
		t.Fatalf("expected unsupported token error")
	}
	if _, err := env.engine.Commit(order.ID, requester, "JOB", big.NewInt(100)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := env.engine.Commit(order.ID, requester, "JOB", big.NewInt(100)); !errors.Is(err, ErrInvalidOrderStatus) {
		t.Fatalf("expected ErrInvalidOrderStatus on second commit, got %v", err)
	}
}

func TestCommitRequiresFundedRequester(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x05)
	order := env.placeEvaluated(t, requester, newTestJobHash(0xA5), 100, 3600)

	if _, err := env.engine.Commit(order.ID, requester, "JOB", big.NewInt(100)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for empty balance, got %v", err)
	}
}

// A commit that fails on the requester's balance must leave no vault record
// behind; the order stays Evaluated and a later funded commit, even in a
// different token, still goes through.
func TestFailedCommitLeavesNoVault(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x36)
	order := env.placeEvaluated(t, requester, newTestJobHash(0xCC), 100, 3600)

	if _, err := env.engine.Commit(order.ID, requester, "JOB", big.NewInt(100)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, ok, err := env.engine.Ledger().Vault(custody.OrderVaultAddress(order.ID)); err != nil || ok {
		t.Fatalf("expected no vault record after failed commit, ok=%t err=%v", ok, err)
	}
	loaded, ok, err := env.engine.Get(order.ID)
	if err != nil || !ok {
		t.Fatalf("order lookup: ok=%t err=%v", ok, err)
	}
	if loaded.Status != OrderEvaluated {
		t.Fatalf("expected order still evaluated, got %s", loaded.Status)
	}

	env.fund(t, requester, "USDJ", 100)
	committed, err := env.engine.Commit(order.ID, requester, "USDJ", big.NewInt(100))
	if err != nil {
		t.Fatalf("commit after funding: %v", err)
	}
	if committed.Token != "USDJ" || committed.Status != OrderStarted {
		t.Fatalf("expected started USDJ order, got %s %s", committed.Token, committed.Status)
	}
}

func TestFailedProtocolFundingLeavesNoVault(t *testing.T) {
	env := newTestEnv(t)
	funder := newTestAddress(0x37)

	if err := env.engine.FundProtocol(funder, "JOB", big.NewInt(10)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, ok, err := env.engine.Ledger().Vault(custody.ProtocolVaultAddress("JOB")); err != nil || ok {
		t.Fatalf("expected no protocol vault after failed funding, ok=%t err=%v", ok, err)
	}
	if err := env.engine.FundProtocol(funder, "JOB", big.NewInt(0)); errors.Is(err, ErrInsufficientFunds) || err == nil {
		t.Fatalf("expected positive-amount error, got %v", err)
	}
}

// Scenario: place, evaluate at 100, commit 100, deliver. The protocol vault
// ends up holding exactly the escrowed amount.
func TestDeliverReleasesEscrow(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x06)
	resultHash := newTestJobHash(0xD1)
	order := env.started(t, requester, newTestJobHash(0xA6), 100, 3600)

	env.advance(10)
	delivered, err := env.engine.Deliver(order.ID, env.authority, resultHash)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Status != OrderCompleted {
		t.Fatalf("expected completed, got %s", delivered.Status)
	}
	if delivered.ResultHash != resultHash {
		t.Fatalf("result hash not recorded")
	}
	if !(delivered.CreatedAt <= delivered.StartedAt && delivered.StartedAt <= delivered.CompletedAt) {
		t.Fatalf("timestamps not monotonic: %d %d %d", delivered.CreatedAt, delivered.StartedAt, delivered.CompletedAt)
	}

	escrow, err := env.engine.EscrowBalance(order.ID, "JOB")
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if escrow.Sign() != 0 {
		t.Fatalf("expected empty escrow vault, got %s", escrow)
	}
	protocol, err := env.engine.ProtocolBalance("JOB")
	if err != nil {
		t.Fatalf("protocol balance: %v", err)
	}
	if protocol.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected protocol balance 100, got %s", protocol)
	}
	if env.emitter.lastType() != EventTypeOrderCompleted {
		t.Fatalf("expected completed event, got %q", env.emitter.lastType())
	}
}

func TestDeliverAuthorization(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x07)
	order := env.started(t, requester, newTestJobHash(0xA7), 100, 3600)

	if _, err := env.engine.Deliver(order.ID, requester, newTestJobHash(0xD2)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDeliverEnforcedDeadline(t *testing.T) {
	env := newTestEnv(t)
	policy := DefaultSettlementPolicy()
	policy.EnforceDeliveryDeadline = true
	env.engine.SetPolicy(policy)

	requester := newTestAddress(0x08)
	order := env.started(t, requester, newTestJobHash(0xA8), 100, 100)

	env.advance(101)
	if _, err := env.engine.Deliver(order.ID, env.authority, newTestJobHash(0xD3)); !errors.Is(err, ErrDeliverAfterDeadline) {
		t.Fatalf("expected ErrDeliverAfterDeadline, got %v", err)
	}
}

// Scenario: a declined order returns exactly the escrowed amount to the
// requester and closes the vault; a second decline is a status violation.
func TestDeclineReturnsFunds(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x09)
	order := env.started(t, requester, newTestJobHash(0xA9), 100, 3600)

	if balance := env.balance(t, requester, "JOB"); balance.Sign() != 0 {
		t.Fatalf("expected requester drained after commit, got %s", balance)
	}

	declined, err := env.engine.Decline(order.ID, env.authority)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Status != OrderAborted {
		t.Fatalf("expected aborted, got %s", declined.Status)
	}
	if balance := env.balance(t, requester, "JOB"); balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected requester refunded 100, got %s", balance)
	}
	vault, ok, err := env.engine.Ledger().Vault(custody.OrderVaultAddress(order.ID))
	if err != nil || !ok {
		t.Fatalf("vault lookup: ok=%t err=%v", ok, err)
	}
	if vault.Open {
		t.Fatalf("expected vault closed after decline")
	}

	if _, err := env.engine.Decline(order.ID, env.authority); !errors.Is(err, ErrInvalidOrderStatus) {
		t.Fatalf("expected ErrInvalidOrderStatus on second decline, got %v", err)
	}
}

func TestDeclineCallerPolicy(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x0A)
	order := env.started(t, requester, newTestJobHash(0xAA), 100, 3600)

	if _, err := env.engine.Decline(order.ID, requester); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized under default policy, got %v", err)
	}

	env.engine.SetPolicy(SettlementPolicy{})
	if _, err := env.engine.Decline(order.ID, requester); err != nil {
		t.Fatalf("decline under open policy: %v", err)
	}
}

// Scenario: deadline 100 at creation time T. Refund at T+50 and exactly T+100
// fails; T+101 succeeds.
func TestRefundTimingBoundary(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x0B)
	order := env.started(t, requester, newTestJobHash(0xAB), 100, 100)

	env.advance(50)
	if _, err := env.engine.Refund(order.ID, requester); !errors.Is(err, ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached at T+50, got %v", err)
	}
	env.advance(50)
	if _, err := env.engine.Refund(order.ID, requester); !errors.Is(err, ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached at exactly the deadline, got %v", err)
	}
	env.advance(1)
	refunded, err := env.engine.Refund(order.ID, requester)
	if err != nil {
		t.Fatalf("refund at deadline+1: %v", err)
	}
	if refunded.Status != OrderRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	if balance := env.balance(t, requester, "JOB"); balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected requester refunded 100, got %s", balance)
	}
	if env.emitter.lastType() != EventTypeOrderRefunded {
		t.Fatalf("expected refunded event, got %q", env.emitter.lastType())
	}
}

func TestRefundCallerPolicy(t *testing.T) {
	env := newTestEnv(t)
	policy := DefaultSettlementPolicy()
	policy.RefundRequiresRequester = true
	env.engine.SetPolicy(policy)

	requester := newTestAddress(0x0C)
	order := env.started(t, requester, newTestJobHash(0xAC), 100, 100)
	env.advance(101)

	if _, err := env.engine.Refund(order.ID, newTestAddress(0x0D)); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser for stranger under strict policy, got %v", err)
	}
	if _, err := env.engine.Refund(order.ID, requester); err != nil {
		t.Fatalf("refund by requester: %v", err)
	}
}

// Scenario: a signed quote commits a fresh order straight into the started
// state and escrows exactly the quoted price.
func TestCommitQuoted(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x10)
	jobHash := newTestJobHash(0xB0)
	env.fund(t, requester, "USDJ", 80)

	payload, sig := env.signedQuote(t, &Quote{
		Requester:       requester,
		JobHash:         jobHash,
		Price:           big.NewInt(50),
		Token:           "USDJ",
		PriceValidUntil: testEpoch + 10,
		Deadline:        3600,
	})
	order, err := env.engine.CommitQuoted(requester, jobHash, "USDJ", payload, sig)
	if err != nil {
		t.Fatalf("commit quoted: %v", err)
	}
	if order.Status != OrderStarted {
		t.Fatalf("expected started, got %s", order.Status)
	}
	if order.Price.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected price 50, got %s", order.Price)
	}
	if order.Deadline != 3600 {
		t.Fatalf("expected deadline 3600, got %d", order.Deadline)
	}
	escrow, err := env.engine.EscrowBalance(order.ID, "USDJ")
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if escrow.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected escrow 50, got %s", escrow)
	}
	if balance := env.balance(t, requester, "USDJ"); balance.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected requester left with 30, got %s", balance)
	}
}

// A replayed quote must fail on the duplicate order, not on expiry: the
// deterministic address check runs first.
func TestCommitQuotedReplay(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x11)
	jobHash := newTestJobHash(0xB1)
	env.fund(t, requester, "JOB", 200)

	payload, sig := env.signedQuote(t, &Quote{
		Requester:       requester,
		JobHash:         jobHash,
		Price:           big.NewInt(50),
		Token:           "JOB",
		PriceValidUntil: testEpoch + 10,
		Deadline:        3600,
	})
	if _, err := env.engine.CommitQuoted(requester, jobHash, "JOB", payload, sig); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	// Push the clock past the quote expiry; the duplicate check must still win.
	env.advance(60)
	if _, err := env.engine.CommitQuoted(requester, jobHash, "JOB", payload, sig); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder on replay, got %v", err)
	}
}

func TestCommitQuotedExpired(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x12)
	jobHash := newTestJobHash(0xB2)
	env.fund(t, requester, "JOB", 200)

	payload, sig := env.signedQuote(t, &Quote{
		Requester:       requester,
		JobHash:         jobHash,
		Price:           big.NewInt(50),
		Token:           "JOB",
		PriceValidUntil: testEpoch - 1,
		Deadline:        3600,
	})
	if _, err := env.engine.CommitQuoted(requester, jobHash, "JOB", payload, sig); !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected ErrQuoteExpired, got %v", err)
	}
}

func TestCommitQuotedWrongSigner(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x13)
	jobHash := newTestJobHash(0xB3)
	env.fund(t, requester, "JOB", 200)

	rogueKey, _ := mustGenerateKey(t)
	payload, err := EncodeQuote(&Quote{
		Requester:       requester,
		JobHash:         jobHash,
		Price:           big.NewInt(50),
		Token:           "JOB",
		PriceValidUntil: testEpoch + 10,
		Deadline:        3600,
	})
	if err != nil {
		t.Fatalf("encode quote: %v", err)
	}
	sig, err := SignQuote(payload, rogueKey)
	if err != nil {
		t.Fatalf("sign quote: %v", err)
	}
	if _, err := env.engine.CommitQuoted(requester, jobHash, "JOB", payload, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestCommitQuotedBindings(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x14)
	jobHash := newTestJobHash(0xB4)
	env.fund(t, requester, "JOB", 200)

	quote := &Quote{
		Requester:       requester,
		JobHash:         jobHash,
		Price:           big.NewInt(50),
		Token:           "JOB",
		PriceValidUntil: testEpoch + 10,
		Deadline:        3600,
	}

	t.Run("wrong job hash", func(t *testing.T) {
		payload, sig := env.signedQuote(t, quote)
		if _, err := env.engine.CommitQuoted(requester, newTestJobHash(0xB5), "JOB", payload, sig); !errors.Is(err, ErrInvalidJobHash) {
			t.Fatalf("expected ErrInvalidJobHash, got %v", err)
		}
	})
	t.Run("wrong token", func(t *testing.T) {
		payload, sig := env.signedQuote(t, quote)
		if _, err := env.engine.CommitQuoted(requester, jobHash, "USDJ", payload, sig); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
	t.Run("wrong requester", func(t *testing.T) {
		stranger := newTestAddress(0x15)
		env.fund(t, stranger, "JOB", 200)
		payload, sig := env.signedQuote(t, quote)
		if _, err := env.engine.CommitQuoted(stranger, jobHash, "JOB", payload, sig); !errors.Is(err, ErrInvalidUser) {
			t.Fatalf("expected ErrInvalidUser, got %v", err)
		}
	})
	t.Run("malformed payload", func(t *testing.T) {
		_, sig := env.signedQuote(t, quote)
		if _, err := env.engine.CommitQuoted(requester, jobHash, "JOB", []byte{0x01, 0x02}, sig); !errors.Is(err, ErrInvalidQuotePayload) {
			t.Fatalf("expected ErrInvalidQuotePayload, got %v", err)
		}
	})
	t.Run("truncated signature", func(t *testing.T) {
		payload, sig := env.signedQuote(t, quote)
		if _, err := env.engine.CommitQuoted(requester, jobHash, "JOB", payload, sig[:32]); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature, got %v", err)
		}
	})
}

func TestWithdrawSweepsProtocolVault(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x16)
	order := env.started(t, requester, newTestJobHash(0xB6), 100, 3600)
	if _, err := env.engine.Deliver(order.ID, env.authority, newTestJobHash(0xD4)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if _, err := env.engine.Withdraw("JOB", requester); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger, got %v", err)
	}
	amount, err := env.engine.Withdraw("JOB", env.authority)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected withdrawal of 100, got %s", amount)
	}
	if balance := env.balance(t, env.feeRecipient, "JOB"); balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected fee recipient balance 100, got %s", balance)
	}
	if _, err := env.engine.Withdraw("JOB", env.authority); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds on empty vault, got %v", err)
	}
}

func TestFundProtocol(t *testing.T) {
	env := newTestEnv(t)
	funder := newTestAddress(0x17)
	env.fund(t, funder, "USDJ", 300)

	if err := env.engine.FundProtocol(funder, "USDJ", big.NewInt(250)); err != nil {
		t.Fatalf("fund protocol: %v", err)
	}
	protocol, err := env.engine.ProtocolBalance("USDJ")
	if err != nil {
		t.Fatalf("protocol balance: %v", err)
	}
	if protocol.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected protocol balance 250, got %s", protocol)
	}
	if err := env.engine.FundProtocol(funder, "USDJ", big.NewInt(100)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

// Terminal orders admit no further transitions regardless of caller.
func TestTerminalStatesAreFinal(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		settle func(t *testing.T, id [32]byte)
	}{
		{"completed", func(t *testing.T, id [32]byte) {
			if _, err := env.engine.Deliver(id, env.authority, newTestJobHash(0xD5)); err != nil {
				t.Fatalf("deliver: %v", err)
			}
		}},
		{"aborted", func(t *testing.T, id [32]byte) {
			if _, err := env.engine.Decline(id, env.authority); err != nil {
				t.Fatalf("decline: %v", err)
			}
		}},
		{"refunded", func(t *testing.T, id [32]byte) {
			env.advance(101)
			if _, err := env.engine.Refund(id, env.authority); err != nil {
				t.Fatalf("refund: %v", err)
			}
		}},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requester := newTestAddress(0x20 + byte(i))
			order := env.started(t, requester, newTestJobHash(0xC0+byte(i)), 100, 100)
			tc.settle(t, order.ID)

			if _, err := env.engine.Evaluate(order.ID, env.authority, big.NewInt(1), 10); !errors.Is(err, ErrInvalidOrderStatus) {
				t.Fatalf("evaluate on terminal: %v", err)
			}
			if _, err := env.engine.Commit(order.ID, requester, "JOB", big.NewInt(100)); !errors.Is(err, ErrInvalidOrderStatus) {
				t.Fatalf("commit on terminal: %v", err)
			}
			if _, err := env.engine.Deliver(order.ID, env.authority, newTestJobHash(0xD6)); !errors.Is(err, ErrInvalidOrderStatus) {
				t.Fatalf("deliver on terminal: %v", err)
			}
			if _, err := env.engine.Decline(order.ID, env.authority); !errors.Is(err, ErrInvalidOrderStatus) {
				t.Fatalf("decline on terminal: %v", err)
			}
			env.advance(1000)
			if _, err := env.engine.Refund(order.ID, env.authority); !errors.Is(err, ErrInvalidOrderStatus) {
				t.Fatalf("refund on terminal: %v", err)
			}
		})
	}
}

// A stored record whose fields do not hash back to its own key must be
// rejected before any transition trusts it.
func TestOrderIntegrityCheck(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x30)
	order := env.started(t, requester, newTestJobHash(0xC9), 100, 3600)

	forged := &storedOrder{
		Version:   orderSchemaVersion,
		Requester: newTestAddress(0x31),
		JobHash:   order.JobHash,
		Token:     order.Token,
		Price:     order.Price,
		Deadline:  uint64(order.Deadline),
		Status:    uint8(OrderStarted),
		CreatedAt: uint64(order.CreatedAt),
		StartedAt: uint64(order.StartedAt),
	}
	if err := env.manager.KVPut(orderKey(order.ID), forged); err != nil {
		t.Fatalf("forge order: %v", err)
	}

	if _, err := env.engine.Deliver(order.ID, env.authority, newTestJobHash(0xD7)); !errors.Is(err, ErrInvalidOrderAccount) {
		t.Fatalf("expected ErrInvalidOrderAccount, got %v", err)
	}
}

// Commit with more than the evaluated price escrows the surplus too, and the
// whole escrowed amount comes back on settlement.
func TestFundsConservationWithSurplus(t *testing.T) {
	env := newTestEnv(t)
	requester := newTestAddress(0x32)
	order := env.placeEvaluated(t, requester, newTestJobHash(0xCA), 100, 3600)
	env.fund(t, requester, "JOB", 150)

	if _, err := env.engine.Commit(order.ID, requester, "JOB", big.NewInt(150)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	escrow, err := env.engine.EscrowBalance(order.ID, "JOB")
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if escrow.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected escrow 150, got %s", escrow)
	}
	if _, err := env.engine.Decline(order.ID, env.authority); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if balance := env.balance(t, requester, "JOB"); balance.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected full 150 returned, got %s", balance)
	}
}

func TestEngineRequiresBootstrap(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	manager := state.NewManager(db)
	engine := NewEngine()
	engine.SetState(manager)

	order, err := engine.Place(newTestAddress(0x33), newTestJobHash(0xCB))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := engine.Evaluate(order.ID, newTestAddress(0x34), big.NewInt(1), 10); !errors.Is(err, registry.ErrNotInitialized) {
		t.Fatalf("expected registry.ErrNotInitialized, got %v", err)
	}
}
