package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of fractional digits an amount may carry.
const MinorUnitExponent = 8

// MaxIntegerDigits is the number of integer digits a stored amount may carry,
// NUMERIC(30,8) less the fractional part.
const MaxIntegerDigits = 22

// maxAmountLength bounds the literal accepted by ParseAmount.
const maxAmountLength = 64

// StartingBalance is credited to every new account.
var StartingBalance = decimal.NewFromInt(1000)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
)

// ParseAmount parses a positive decimal with at most MinorUnitExponent fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if len(s) > maxAmountLength {
		return decimal.Zero, fmt.Errorf("%w: longer than %d characters", ErrInvalidAmount, maxAmountLength)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateAmount checks that d is strictly positive and fits NUMERIC(30,8). The bounds
// are checked on the exponent and digit count before anything rescales d.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, ErrNonPositiveAmount)
	}
	exp := d.Exponent()
	if exp > MaxIntegerDigits || exp < -maxAmountLength {
		return fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	if digits := d.NumDigits(); digits > maxAmountLength || digits+int(exp) > MaxIntegerDigits {
		return fmt.Errorf("%w: more than %d integer digits", ErrInvalidAmount, MaxIntegerDigits)
	}
	if !d.Equal(d.Truncate(MinorUnitExponent)) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, MinorUnitExponent)
	}
	return nil
}
