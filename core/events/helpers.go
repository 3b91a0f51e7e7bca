package events

import (
	"math/big"
	"strconv"
)

// FormatAmount renders an amount in base units, treating nil as zero.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// FormatUint renders an unsigned integer attribute.
func FormatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
