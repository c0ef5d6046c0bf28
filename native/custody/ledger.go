package custody

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrInsufficientFunds marks a transfer or deposit whose source balance
	// cannot cover the requested amount.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	// ErrInvalidVaultAuthority is returned when the presented authority does
	// not match the vault's configured authority.
	ErrInvalidVaultAuthority = errors.New("custody: invalid vault authority")
	// ErrVaultNotFound marks operations against an unregistered vault.
	ErrVaultNotFound = errors.New("custody: vault not found")
	// ErrVaultClosed marks deposits or transfers against a closed vault.
	ErrVaultClosed = errors.New("custody: vault closed")
	// ErrVaultNotEmpty is returned when closing a vault that still holds funds.
	ErrVaultNotEmpty = errors.New("custody: vault not empty")
	// ErrVaultMismatch marks an open call whose definition conflicts with the
	// vault already registered at that address.
	ErrVaultMismatch = errors.New("custody: vault definition mismatch")

	errNilState = errors.New("custody: state not configured")
)

// Authority is the capability presented to move funds out of a vault. Engines
// construct it for the identities they act as; it carries no key material.
type Authority struct {
	addr [20]byte
}

// ActingAs returns the authority capability for the given identity.
func ActingAs(addr [20]byte) Authority {
	return Authority{addr: addr}
}

// Address returns the identity the capability acts as.
func (a Authority) Address() [20]byte { return a.addr }

// Vault describes a registered balance holder and the single identity allowed
// to authorize transfers out of it.
type Vault struct {
	Address   [20]byte
	Authority [20]byte
	Token     string
	Open      bool
}

type storedVault struct {
	Version   uint8
	Authority [20]byte
	Token     string
	Open      bool
}

const vaultSchemaVersion = 1

var vaultPrefix = []byte("custody/vault/")

func vaultKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", vaultPrefix, addr))
}

type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	BalanceGet(addr [20]byte, token string) (*big.Int, error)
	BalancePut(addr [20]byte, token string, amount *big.Int) error
}

// Ledger provides the custody primitives used by the settlement engines:
// deposit into a vault, transfer out with an authority check, and close.
// Every movement is all-or-nothing; a shortfall fails the whole call.
type Ledger struct {
	state ledgerState
}

// NewLedger constructs a ledger bound to the provided state backend.
func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state}
}

func normalizeToken(token string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(token))
	if trimmed == "" {
		return "", fmt.Errorf("custody: token symbol required")
	}
	return trimmed, nil
}

func (l *Ledger) loadVault(addr [20]byte) (*Vault, bool, error) {
	if l == nil || l.state == nil {
		return nil, false, errNilState
	}
	var stored storedVault
	ok, err := l.state.KVGet(vaultKey(addr), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Vault{
		Address:   addr,
		Authority: stored.Authority,
		Token:     stored.Token,
		Open:      stored.Open,
	}, true, nil
}

func (l *Ledger) storeVault(v *Vault) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	return l.state.KVPut(vaultKey(v.Address), &storedVault{
		Version:   vaultSchemaVersion,
		Authority: v.Authority,
		Token:     v.Token,
		Open:      v.Open,
	})
}

// Vault returns the registered vault definition at the address.
func (l *Ledger) Vault(addr [20]byte) (*Vault, bool, error) {
	return l.loadVault(addr)
}

// Open registers a vault at the address with the given authority and token.
// Re-opening with an identical definition is a no-op; conflicting definitions
// fail with ErrVaultMismatch.
func (l *Ledger) Open(addr [20]byte, authority [20]byte, token string) (*Vault, error) {
	normalized, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	existing, ok, err := l.loadVault(addr)
	if err != nil {
		return nil, err
	}
	if ok {
		if existing.Authority != authority || existing.Token != normalized {
			return nil, ErrVaultMismatch
		}
		if !existing.Open {
			return nil, ErrVaultClosed
		}
		return existing, nil
	}
	vault := &Vault{Address: addr, Authority: authority, Token: normalized, Open: true}
	if err := l.storeVault(vault); err != nil {
		return nil, err
	}
	return vault, nil
}

// Deposit moves amount from the source account into the vault. The source
// authorizes its own debit, so no capability is required beyond naming it.
func (l *Ledger) Deposit(from [20]byte, vaultAddr [20]byte, token string, amount *big.Int) error {
	normalized, err := normalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: deposit amount must be positive")
	}
	vault, ok, err := l.loadVault(vaultAddr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVaultNotFound
	}
	if !vault.Open {
		return ErrVaultClosed
	}
	if vault.Token != normalized {
		return fmt.Errorf("custody: vault holds %s, not %s", vault.Token, normalized)
	}
	return l.move(from, vaultAddr, normalized, amount)
}

// Transfer moves amount out of the vault to the destination account. The
// presented authority must match the vault's configured authority.
func (l *Ledger) Transfer(vaultAddr [20]byte, to [20]byte, token string, amount *big.Int, auth Authority) error {
	normalized, err := normalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: transfer amount must be positive")
	}
	vault, ok, err := l.loadVault(vaultAddr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVaultNotFound
	}
	if !vault.Open {
		return ErrVaultClosed
	}
	if vault.Token != normalized {
		return fmt.Errorf("custody: vault holds %s, not %s", vault.Token, normalized)
	}
	if vault.Authority != auth.Address() {
		return ErrInvalidVaultAuthority
	}
	return l.move(vaultAddr, to, normalized, amount)
}

// Close marks an emptied vault as closed. Further deposits and transfers are
// rejected.
func (l *Ledger) Close(vaultAddr [20]byte, auth Authority) error {
	vault, ok, err := l.loadVault(vaultAddr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVaultNotFound
	}
	if !vault.Open {
		return ErrVaultClosed
	}
	if vault.Authority != auth.Address() {
		return ErrInvalidVaultAuthority
	}
	balance, err := l.state.BalanceGet(vaultAddr, vault.Token)
	if err != nil {
		return err
	}
	if balance.Sign() != 0 {
		return ErrVaultNotEmpty
	}
	vault.Open = false
	return l.storeVault(vault)
}

// Balance returns the funds held at the address for the token.
func (l *Ledger) Balance(addr [20]byte, token string) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	normalized, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	return l.state.BalanceGet(addr, normalized)
}

// Credit adds funds to an account balance outside any vault. Used to seed
// requester balances at genesis and in tests.
func (l *Ledger) Credit(addr [20]byte, token string, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	normalized, err := normalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("custody: credit amount must not be negative")
	}
	balance, err := l.state.BalanceGet(addr, normalized)
	if err != nil {
		return err
	}
	return l.state.BalancePut(addr, normalized, new(big.Int).Add(balance, amount))
}

func (l *Ledger) move(from, to [20]byte, token string, amount *big.Int) error {
	fromBalance, err := l.state.BalanceGet(from, token)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	toBalance, err := l.state.BalanceGet(to, token)
	if err != nil {
		return err
	}
	if err := l.state.BalancePut(from, token, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.state.BalancePut(to, token, new(big.Int).Add(toBalance, amount))
}
