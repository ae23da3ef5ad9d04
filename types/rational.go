// rational.go defines Rational, the time base and frame rate type.

package types

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
)

type Rational struct {
	Num int
	Den int
}

func (r Rational) Reverse() Rational {
	return Rational{
		Num: r.Den,
		Den: r.Num,
	}
}

func (r Rational) IsZero() bool {
	return r.Num == 0 || r.Den == 0
}

func newNTSCRationalFromFloat64(f float64) *big.Rat {
	den := 1001 // common denominator for NTSC frame rates
	num := math.Ceil(f) * 1000
	r := big.NewRat(int64(num), int64(den))
	confirmValue, _ := r.Float64()
	if math.Abs(f-confirmValue) < 1e-2 {
		return r
	}
	return nil
}

// RationalFromApproxFloat64 snaps a frame rate like 29.97 to 30000/1001.
func RationalFromApproxFloat64(fps float64) (r Rational) {
	if float64(int(fps)) == fps {
		r.Num = int(fps)
		r.Den = 1
		return
	}

	rat := newNTSCRationalFromFloat64(fps)
	if rat != nil {
		r.Num = int(rat.Num().Int64())
		r.Den = int(rat.Denom().Int64())
		return
	}

	rat = big.NewRat(int64(math.Round(fps*1000000)), 1000000)
	r.Num = int(rat.Num().Int64())
	r.Den = int(rat.Denom().Int64())
	return
}

// RationalFromString parses "num/den", a decimal ("25", "0.5") or an
// approximate frame rate prefixed with '~' ("~29.97").
func RationalFromString(s string) (*Rational, error) {
	var r Rational
	switch {
	case len(s) == 0:
		return nil, fmt.Errorf("unable to parse Rational from empty string")
	case strings.Contains(s, "/"):
		if _, err := fmt.Sscanf(s, "%d/%d", &r.Num, &r.Den); err != nil {
			return nil, fmt.Errorf("unable to parse Rational from %q: %w", s, err)
		}
	case s[0] == '~':
		var fps float64
		if _, err := fmt.Sscanf(s[1:], "%g", &fps); err != nil {
			return nil, fmt.Errorf("unable to parse Rational from %q: %w", s, err)
		}
		r = RationalFromApproxFloat64(fps)
	default:
		rat, ok := new(big.Rat).SetString(s)
		if !ok {
			return nil, fmt.Errorf("unable to parse Rational from %q", s)
		}
		if !rat.Num().IsInt64() || !rat.Denom().IsInt64() {
			return nil, fmt.Errorf("Rational %q is out of range", s)
		}
		r.Num = int(rat.Num().Int64())
		r.Den = int(rat.Denom().Int64())
	}
	if r.Den == 0 {
		return nil, fmt.Errorf("denominator cannot be zero")
	}
	return &r, nil
}

func (r Rational) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Rational) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unable to unmarshal Rational from JSON '%s': %w", b, err)
	}
	v, err := RationalFromString(s)
	if err != nil {
		return fmt.Errorf("unable to unmarshal Rational from string %q: %w", s, err)
	}
	*r = *v
	return nil
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}
