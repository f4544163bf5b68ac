package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// IsAddress reports whether s is a 20 byte hex address.
func IsAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}

// NormalizeAddress returns the checksummed form of s.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid chain address %q", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// Denomination converts ledger amounts to native units: native = amount * 10^Exponent.
type Denomination struct {
	Exponent int32
}

// Ether maps one ledger unit to 10^18 wei.
var Ether = Denomination{Exponent: 18}

func (d Denomination) ToNative(amount decimal.Decimal) (*big.Int, error) {
	shifted := amount.Shift(d.Exponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s is finer than the native unit", amount)
	}
	return shifted.BigInt(), nil
}

func (d Denomination) FromNative(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -d.Exponent)
}
