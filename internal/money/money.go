package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits carried by every amount.
const Places = 2

// DefaultCurrency is used when a wallet is created without one.
const DefaultCurrency = "XAF"

const (
	// maxIntegerDigits matches the NUMERIC(20,2) ledger columns.
	maxIntegerDigits = 18
	// maxFractionDigits bounds trailing zeros such as "1.50000".
	maxFractionDigits = 18
)

// ErrInvalid reports an amount that is not a positive value with at most
// two fractional digits.
var ErrInvalid = errors.New("invalid amount")

// limit is the smallest value a balance column cannot hold.
var limit = decimal.New(1, maxIntegerDigits)

// Positive reports whether d is a usable transfer or deposit amount. The
// exponent is bounded before anything rescales d.
func Positive(d decimal.Decimal) bool {
	if d.Sign() <= 0 {
		return false
	}
	if exp := d.Exponent(); exp >= maxIntegerDigits || exp < -maxFractionDigits {
		return false
	}
	return Fits(d) && d.Equal(d.Truncate(Places))
}

// Fits reports whether d fits a ledger balance column. d must already have a
// bounded exponent.
func Fits(d decimal.Decimal) bool {
	return d.LessThan(limit)
}

// Parse accepts the shapes amounts arrive in from JSON bodies and frames:
// strings, json.Number, and float or integer numbers.
func Parse(v any) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case decimal.Decimal:
		d = x
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(x))
	case json.Number:
		d, err = decimal.NewFromString(x.String())
	case float64:
		d = decimal.NewFromFloat(x)
	case int:
		d = decimal.NewFromInt(int64(x))
	case int64:
		d = decimal.NewFromInt(x)
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported type %T", ErrInvalid, v)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !Positive(d) {
		return decimal.Zero, fmt.Errorf("%w: out of range", ErrInvalid)
	}
	return d, nil
}

// Format renders d with the two-decimal convention.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Currency normalises a currency code, defaulting to XAF.
func Currency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return DefaultCurrency, nil
	}
	if len(code) != 3 {
		return "", fmt.Errorf("invalid currency %q", code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("invalid currency %q", code)
		}
	}
	return code, nil
}

// Amount is a decimal that unmarshals from either a JSON number or string.
type Amount struct {
	decimal.Decimal
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	a.Decimal = d
	return nil
}
