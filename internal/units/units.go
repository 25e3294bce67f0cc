// Package units converts program base-unit amounts to the ledger's native unit.
//
// Escrow amounts are carried through the system as int64 base units (e.g.
// whole rupiah). The ledger contract deals in its own uint256 native unit.
// The factor between the two is policy, not arithmetic: it is injected once
// at startup and every submission path must go through the same Converter,
// so lock and release can never disagree about the unit.
package units

import (
	"fmt"
	"math/big"
)

// Converter maps base-unit amounts onto ledger native units at a fixed scale.
type Converter struct {
	scale *big.Int
}

// NewConverter creates a converter with the given native-units-per-base-unit
// scale. Scale must be positive.
func NewConverter(scale int64) (*Converter, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("units: scale must be positive, got %d", scale)
	}
	return &Converter{scale: big.NewInt(scale)}, nil
}

// ToNative converts a base-unit amount to ledger native units.
func (c *Converter) ToNative(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), c.scale)
}

// FromNative converts a ledger native amount back to base units.
// The second return is false when the native amount is not a whole multiple
// of the scale or overflows int64; either means a unit-policy mismatch with
// whatever wrote the on-chain value.
func (c *Converter) FromNative(native *big.Int) (int64, bool) {
	if native == nil {
		return 0, false
	}
	q, r := new(big.Int).QuoRem(native, c.scale, new(big.Int))
	if r.Sign() != 0 || !q.IsInt64() {
		return 0, false
	}
	return q.Int64(), true
}

// Scale returns the configured native-units-per-base-unit factor.
func (c *Converter) Scale() *big.Int {
	return new(big.Int).Set(c.scale)
}
