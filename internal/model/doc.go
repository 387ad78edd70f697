// Package model defines shared data types used across the gateway adapter.
//
// Conventions:
//   - Expiries: "YYYYMMDD" for dated contracts, "YYYYMM" for contract months
//   - Strikes and ticks: float64 in the instrument's price currency
//   - Contract IDs: int64 assigned by the broker (0 = not yet resolved)
//   - Ticker IDs: dense local integers (0 = reserved sentinel)
package model
