package custody

import (
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Vault addresses are derived from fixed seed strings, never from key
// material. No private key exists for any of them, so the only way to move
// funds out is through a Ledger call presenting the matching Authority.
const (
	orderVaultSeed     = "custody/vault/order"
	orderAuthoritySeed = "custody/authority/order"
	protocolVaultSeed  = "custody/vault/protocol"
	vaultAuthoritySeed = "custody/vault-authority"
)

func deriveAddress(seed string, extra ...[]byte) [20]byte {
	parts := make([][]byte, 0, len(extra)+1)
	parts = append(parts, []byte(seed))
	parts = append(parts, extra...)
	digest := ethcrypto.Keccak256(parts...)
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// OrderVaultAddress returns the escrow vault bound to the given order.
func OrderVaultAddress(orderID [32]byte) [20]byte {
	return deriveAddress(orderVaultSeed, orderID[:])
}

// OrderAuthorityAddress returns the identity the settlement logic acts as when
// it authorizes transfers out of an order's escrow vault.
func OrderAuthorityAddress(orderID [32]byte) [20]byte {
	return deriveAddress(orderAuthoritySeed, orderID[:])
}

// ProtocolVaultAddress returns the protocol-wide vault for the token. It
// accumulates delivery proceeds and direct pre-funding independent of any
// single order.
func ProtocolVaultAddress(token string) [20]byte {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	return deriveAddress(protocolVaultSeed, []byte(normalized))
}

// VaultAuthorityAddress returns the identity that authorizes transfers out of
// the protocol-wide vaults.
func VaultAuthorityAddress() [20]byte {
	return deriveAddress(vaultAuthoritySeed)
}
