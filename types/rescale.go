package types

import (
	"math/big"
)

// Rescale converts a timestamp from one time base to another:
//
//	round(ts * from.Num * to.Den / (from.Den * to.Num))
//
// Halves are rounded away from zero. NoPTSValue is passed through.
func Rescale(ts int64, from, to Rational) int64 {
	if ts == NoPTSValue {
		return NoPTSValue
	}
	if from == to {
		return ts
	}

	num := big.NewInt(ts)
	num.Mul(num, big.NewInt(int64(from.Num)))
	num.Mul(num, big.NewInt(int64(to.Den)))
	den := big.NewInt(int64(from.Den))
	den.Mul(den, big.NewInt(int64(to.Num)))
	if den.Sign() == 0 {
		return NoPTSValue
	}
	if den.Sign() < 0 {
		num.Neg(num)
		den.Neg(den)
	}

	neg := num.Sign() < 0
	num.Abs(num)
	num.Lsh(num, 1)
	num.Add(num, den)
	den.Lsh(den, 1)
	num.Quo(num, den)
	if neg {
		num.Neg(num)
	}
	return num.Int64()
}

// RescaleRealtime converts a wall-clock duration in microseconds to ticks
// of the given time base.
func RescaleRealtime(deltaMicroseconds int64, to Rational) int64 {
	return Rescale(deltaMicroseconds, TimeBaseMicroseconds, to)
}
