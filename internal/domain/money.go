package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MoneyScale is the number of micro-units in one whole currency unit.
const MoneyScale = 1_000_000

const moneyDecimals = 6

// Money is a fixed-point monetary amount expressed in micro-units of the
// account currency. All arithmetic is integer-only so that millions of
// fractional-cent deductions never drift.
type Money int64

// Units builds a Money value from whole currency units.
func Units(n int64) Money { return Money(n * MoneyScale) }

// Micros builds a Money value from micro-units.
func Micros(n int64) Money { return Money(n) }

// ParseMoney parses a decimal string such as "12", "0.0025" or "-1.5".
// More than six fractional digits are rejected rather than rounded.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}
	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	if len(frac) > moneyDecimals {
		return 0, fmt.Errorf("money: amount %q has more than %d decimals", s, moneyDecimals)
	}
	var units int64
	if whole != "" {
		v, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("money: invalid amount %q", s)
		}
		units = v
	}
	var micros int64
	if frac != "" {
		padded := frac + strings.Repeat("0", moneyDecimals-len(frac))
		v, err := strconv.ParseInt(padded, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("money: invalid amount %q", s)
		}
		micros = v
	}
	if units > (1<<63-1-micros)/MoneyScale {
		return 0, fmt.Errorf("money: amount %q overflows", s)
	}
	total := units*MoneyScale + micros
	if negative {
		total = -total
	}
	return Money(total), nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MustParseMoney is ParseMoney for constants and tests.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Micros returns the raw micro-unit amount.
func (m Money) Micros() int64 { return int64(m) }

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool { return m > 0 }

// Neg returns the negated amount.
func (m Money) Neg() Money { return -m }

// Mul multiplies the amount by an integer quantity.
func (m Money) Mul(qty int64) Money { return Money(int64(m) * qty) }

// Min returns the smaller of the two amounts.
func (m Money) Min(other Money) Money {
	if other < m {
		return other
	}
	return m
}

// String formats the amount with at least two and at most six decimals,
// e.g. "12.00", "0.0025", "-1.50".
func (m Money) String() string {
	sign := ""
	v := uint64(m)
	if m < 0 {
		sign = "-"
		// Two's complement negation in unsigned space also covers MinInt64.
		v = -v
	}
	frac := fmt.Sprintf("%06d", v%MoneyScale)
	frac = strings.TrimRight(frac, "0")
	for len(frac) < 2 {
		frac += "0"
	}
	return fmt.Sprintf("%s%d.%s", sign, v/MoneyScale, frac)
}

// MarshalJSON encodes the amount as a decimal string so clients never see
// floating point.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
