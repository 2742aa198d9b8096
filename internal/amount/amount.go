// Package amount converts between human decimal strings and the registry's
// fixed-point integer amounts without ever going through floating point.
package amount

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"staychain/pkg/apperror"

	"github.com/shopspring/decimal"
)

// RegistryScale is the number of fractional digits the registry uses.
const RegistryScale = 18

var plainDecimal = regexp.MustCompile(`^([0-9]+(\.[0-9]+)?|\.[0-9]+)$`)

// Codec encodes amounts at a fixed decimal scale.
type Codec struct {
	scale int32
}

// New returns a codec for the given number of fractional digits.
func New(scale int) Codec {
	if scale < 0 {
		scale = 0
	}
	return Codec{scale: int32(scale)}
}

// Registry is the 18-decimal codec used for rents and payments.
var Registry = New(RegistryScale)

// Scale returns the number of fractional digits.
func (c Codec) Scale() int {
	return int(c.scale)
}

// ToFixedPoint parses a non-negative decimal string into a scaled integer.
// Inputs with more fractional digits than the scale are rejected, not truncated.
func (c Codec) ToFixedPoint(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !plainDecimal.MatchString(s) {
		return nil, invalid(s, "not a non-negative decimal number")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, invalid(s, err.Error())
	}
	if d.Exponent() < -c.scale {
		return nil, invalid(s, fmt.Sprintf("more than %d fractional digits", c.scale))
	}
	return d.Shift(c.scale).BigInt(), nil
}

// FromFixedPoint renders a scaled integer as a minimal decimal string.
// Trailing fractional zeros are dropped; nil renders as "0".
func (c Codec) FromFixedPoint(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -c.scale).String()
}

// Normalize re-renders s in canonical form (leading and trailing zeros removed).
func (c Codec) Normalize(s string) (string, error) {
	x, err := c.ToFixedPoint(s)
	if err != nil {
		return "", err
	}
	return c.FromFixedPoint(x), nil
}

func invalid(s, why string) error {
	return apperror.ErrInvalidAmount(fmt.Sprintf("invalid amount %q: %s", s, why))
}
