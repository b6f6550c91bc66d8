package entity

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CustodyAmount returns round(amount * percent / 100) to cents.
func CustodyAmount(amount, percent decimal.Decimal) decimal.Decimal {
	return percentOf(amount, percent)
}

func percentOf(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(hundred).Round(2)
}

// ToTokenUnits scales a fiat amount to integer token units for a token with
// the given decimals. Amounts that do not fit the precision are rejected.
func ToTokenUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %s has more precision than %d token decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromTokenUnits converts integer token units back to a decimal amount.
func FromTokenUnits(units *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(units, -int32(decimals))
}
