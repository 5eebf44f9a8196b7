// Package domain contains the core value types of the indexer: addresses,
// hashes, raw token amounts, domain events and their content ids. The domain
// layer is pure and has no infrastructure dependencies beyond the EVM
// primitives it models.
package domain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte hex address, normalised lowercase with 0x prefix.
type Address string

// Hash is a 32-byte hex hash, normalised lowercase with 0x prefix.
type Hash string

// Denomination identifies the pricing currency of a detail row.
type Denomination string

const (
	DenomUSD  Denomination = "USD"
	DenomAVAX Denomination = "AVAX"
)

// AllDenominations lists the denominations pricing phases cover when the
// caller does not restrict to one.
var AllDenominations = []Denomination{DenomUSD, DenomAVAX}

// NormalizeAddress lowercases and 0x-prefixes an address string.
func NormalizeAddress(s string) Address {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return Address(s)
}

// AddressFrom converts a go-ethereum address to the domain representation.
func AddressFrom(a common.Address) Address {
	return Address(strings.ToLower(a.Hex()))
}

// HashFrom converts a go-ethereum hash to the domain representation.
func HashFrom(h common.Hash) Hash {
	return Hash(strings.ToLower(h.Hex()))
}

// NormalizeHash lowercases and 0x-prefixes a hash string.
func NormalizeHash(s string) Hash {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return Hash(s)
}

// Amount is an unbounded integer in raw token units. Human-scaled values are
// derived via token decimals only at pricing time.
type Amount struct {
	*big.Int
}

// NewAmount wraps a big.Int as an Amount. Nil becomes zero.
func NewAmount(v *big.Int) Amount {
	if v == nil {
		return Amount{big.NewInt(0)}
	}
	return Amount{new(big.Int).Set(v)}
}

// AmountFromString parses a base-10 amount. Invalid input becomes zero.
func AmountFromString(s string) Amount {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{big.NewInt(0)}
	}
	return Amount{v}
}

// String returns the base-10 representation.
func (a Amount) String() string {
	if a.Int == nil {
		return "0"
	}
	return a.Int.String()
}

// IsZero reports whether the amount is zero or unset.
func (a Amount) IsZero() bool {
	return a.Int == nil || a.Int.Sign() == 0
}

// Human scales the raw amount by the token's decimals.
func (a Amount) Human(decimals int) float64 {
	if a.Int == nil {
		return 0
	}
	f := new(big.Float).SetInt(a.Int)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(f, scale).Float64()
	return out
}

// MinuteBucket floors a unix timestamp to its minute boundary.
func MinuteBucket(ts int64) int64 {
	return ts / 60 * 60
}
