package gateway

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Quote is an authority-signed price assertion that lets escrow be funded
// without prior on-chain negotiation. The whole encoded record is signed by
// the registry's quote-signing key; any field change invalidates the
// signature.
type Quote struct {
	Requester       [20]byte
	JobHash         [32]byte
	Price           *big.Int
	Token           string
	PriceValidUntil int64
	Deadline        int64
}

const quoteSchemaVersion = 1

// wireQuote is the stable RLP layout. Field additions are append-only.
type wireQuote struct {
	Version         uint8
	Requester       [20]byte
	JobHash         [32]byte
	Price           *big.Int
	Token           string
	PriceValidUntil uint64
	Deadline        uint64
}

// EncodeQuote serialises the quote into its signed wire form.
func EncodeQuote(q *Quote) ([]byte, error) {
	if q == nil {
		return nil, fmt.Errorf("gateway: nil quote")
	}
	token, err := NormalizeToken(q.Token)
	if err != nil {
		return nil, err
	}
	price := q.Price
	if price == nil {
		price = big.NewInt(0)
	}
	if price.Sign() < 0 {
		return nil, fmt.Errorf("gateway: quote price must not be negative")
	}
	if q.PriceValidUntil < 0 || q.Deadline < 0 {
		return nil, fmt.Errorf("gateway: quote times must not be negative")
	}
	return rlp.EncodeToBytes(&wireQuote{
		Version:         quoteSchemaVersion,
		Requester:       q.Requester,
		JobHash:         q.JobHash,
		Price:           price,
		Token:           token,
		PriceValidUntil: uint64(q.PriceValidUntil),
		Deadline:        uint64(q.Deadline),
	})
}

// DecodeQuote parses the wire form back into a quote record.
func DecodeQuote(payload []byte) (*Quote, error) {
	var wire wireQuote
	if err := rlp.DecodeBytes(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuotePayload, err)
	}
	if wire.Version != quoteSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidQuotePayload, wire.Version)
	}
	token, err := NormalizeToken(wire.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuotePayload, err)
	}
	price := wire.Price
	if price == nil {
		price = big.NewInt(0)
	}
	return &Quote{
		Requester:       wire.Requester,
		JobHash:         wire.JobHash,
		Price:           new(big.Int).Set(price),
		Token:           token,
		PriceValidUntil: int64(wire.PriceValidUntil),
		Deadline:        int64(wire.Deadline),
	}, nil
}

// QuoteDigest returns the keccak256 digest the quote signer commits to.
func QuoteDigest(payload []byte) [32]byte {
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(payload))
	return digest
}

// SignQuote signs the encoded quote with the supplied secp256k1 key. Exposed
// for the authority tooling and tests.
func SignQuote(payload []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("gateway: signing key required")
	}
	digest := QuoteDigest(payload)
	return ethcrypto.Sign(digest[:], key)
}

// VerifiedQuote is the pre-validated claim handed to the settlement logic: the
// decoded quote plus the identity recovered from the signature. The engine
// compares the signer against the governance record and checks the field
// bindings; it never re-derives the claim itself.
type VerifiedQuote struct {
	Signer [20]byte
	Quote  *Quote
}

// VerifyQuote recovers the signer of the encoded quote and decodes the
// payload. Signature malleability or truncation surfaces as
// ErrInvalidSignature, malformed payloads as ErrInvalidQuotePayload.
func VerifyQuote(payload, sig []byte) (*VerifiedQuote, error) {
	if len(sig) != 65 {
		return nil, ErrInvalidSignature
	}
	digest := QuoteDigest(payload)
	pubKey, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	quote, err := DecodeQuote(payload)
	if err != nil {
		return nil, err
	}
	var signer [20]byte
	copy(signer[:], recovered[:])
	return &VerifiedQuote{Signer: signer, Quote: quote}, nil
}
