package domain

import "fmt"

// ─── Monetary Units ─────────────────────────────────────────────────────────
// All monetary arithmetic uses MicroUSD (1/1,000,000 USD) as integers.
// Floating point never touches a balance.

// MicroUSD is an integer amount of 1/1,000,000 USD.
type MicroUSD int64

const (
	// MicroPerUSD is the number of micro-USD in one dollar.
	MicroPerUSD MicroUSD = 1_000_000

	// BpsDenominator is the basis-point divisor (1 bps = 1/10,000).
	BpsDenominator = 10_000
)

// USD converts whole dollars to micro-USD.
func USD(dollars int64) MicroUSD {
	return MicroUSD(dollars) * MicroPerUSD
}

// Cents converts whole cents to micro-USD.
func Cents(cents int64) MicroUSD {
	return MicroUSD(cents) * 10_000
}

// Dollars returns the amount as a float for display and threshold math only.
// Never feed the result back into a balance.
func (m MicroUSD) Dollars() float64 {
	return float64(m) / float64(MicroPerUSD)
}

// String formats the amount as a dollar string, e.g. "$1.000001".
func (m MicroUSD) String() string {
	sign := ""
	v := m
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%06d", sign, v/MicroPerUSD, v%MicroPerUSD)
}

// BpsShare returns the floor of amount × bps / 10,000.
// The truncation remainder is absorbed by the foundation share at the
// distribution layer, never lost.
func (m MicroUSD) BpsShare(bps int64) MicroUSD {
	return MicroUSD(int64(m) * bps / BpsDenominator)
}

// Bps expresses a revenue-split percentage as integer basis points.
type Bps int64

// Valid reports whether the value is a usable share (0–10,000).
func (b Bps) Valid() bool {
	return b >= 0 && b <= BpsDenominator
}
