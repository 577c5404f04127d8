// Package math implements checked fixed-point arithmetic for the margin
// engine. All quantities are scaled integers (Scale = 1e9); intermediates
// that can exceed 64 bits go through pooled big.Int values and fail only
// when the narrowed result does not fit.
package math

import (
	"errors"
	"math/big"
	"sync"
)

// Scale is the fixed-point scale shared by prices, sizes, collateral,
// funding indexes and ratios (9 decimal places).
const Scale int64 = 1_000_000_000

var (
	ErrOverflow  = errors.New("arithmetic overflow")
	ErrUnderflow = errors.New("arithmetic underflow")
)

// int128Pool holds big.Int scratch values for double-width intermediates.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// AddU64 returns a + b, failing on wraparound.
func AddU64(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SubU64 returns a - b, failing when b > a.
func SubU64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// SatSubU64 returns a - b, saturating to zero when b > a.
func SatSubU64(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// AddI64 returns a + b with signed-overflow checking.
func AddI64(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SubI64 returns a - b with signed-overflow checking.
func SubI64(a, b int64) (int64, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, ErrOverflow
	}
	return diff, nil
}

// MulI64 returns a * b, failing when the product does not fit in int64.
func MulI64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	prod := a * b
	if prod/b != a {
		return 0, ErrOverflow
	}
	return prod, nil
}

// AbsI64 returns |v| as uint64. Total: handles MinInt64.
func AbsI64(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

// MulDivU64 returns a * b / div through a 128-bit intermediate, truncating.
// Fails with ErrOverflow only when the quotient does not fit in uint64.
func MulDivU64(a, b, div uint64) (uint64, error) {
	if div == 0 {
		return 0, ErrOverflow
	}
	prod := getInt128()
	tmp := getInt128()
	defer putInt128(prod)
	defer putInt128(tmp)

	prod.SetUint64(a)
	tmp.SetUint64(b)
	prod.Mul(prod, tmp)
	tmp.SetUint64(div)
	prod.Quo(prod, tmp)

	if !prod.IsUint64() {
		return 0, ErrOverflow
	}
	return prod.Uint64(), nil
}

// MulDivI64 returns a * b / div through a 128-bit intermediate.
// Division truncates toward zero, which is the funding-payment convention.
// Fails with ErrOverflow when the quotient does not fit in int64.
func MulDivI64(a, b, div int64) (int64, error) {
	if div == 0 {
		return 0, ErrOverflow
	}
	prod := getInt128()
	tmp := getInt128()
	defer putInt128(prod)
	defer putInt128(tmp)

	prod.SetInt64(a)
	tmp.SetInt64(b)
	prod.Mul(prod, tmp)
	tmp.SetInt64(div)
	prod.Quo(prod, tmp)

	if !prod.IsInt64() {
		return 0, ErrOverflow
	}
	return prod.Int64(), nil
}
