package pricing

import (
	"errors"
	"math"

	"github.com/tashik/dneutral-sniper/internal/portfolio"
)

// Inputs for a single-option valuation. Spot is the underlying price, Strike
// the exercise price, TimeToExpiry in years, Vol annualized, Rate the
// risk-free rate.
type Inputs struct {
	Spot         float64
	Strike       float64
	TimeToExpiry float64
	Vol          float64
	Rate         float64
	Type         portfolio.OptionType
}

// Pricer values one option and returns its per-contract price, in the
// currency of Spot and Strike, and its delta, in units of underlying.
type Pricer interface {
	PriceAndDelta(in Inputs) (price, delta float64, err error)
}

var ErrBadInputs = errors.New("pricing inputs out of range")

// Black76 prices European options on futures with the Black-76 formula.
type Black76 struct{}

func (Black76) PriceAndDelta(in Inputs) (float64, float64, error) {
	if in.Spot <= 0 || in.Strike <= 0 {
		return 0, 0, ErrBadInputs
	}
	if in.Type != portfolio.Call && in.Type != portfolio.Put {
		return 0, 0, ErrBadInputs
	}
	if in.TimeToExpiry <= 0 {
		return expiredValue(in)
	}
	if in.Vol <= 0 {
		return 0, 0, ErrBadInputs
	}

	df := math.Exp(-in.Rate * in.TimeToExpiry)
	sqrtT := math.Sqrt(in.TimeToExpiry)
	d1 := (math.Log(in.Spot/in.Strike) + 0.5*in.Vol*in.Vol*in.TimeToExpiry) / (in.Vol * sqrtT)
	d2 := d1 - in.Vol*sqrtT

	if in.Type == portfolio.Call {
		price := df * (in.Spot*normCDF(d1) - in.Strike*normCDF(d2))
		return price, df * normCDF(d1), nil
	}
	price := df * (in.Strike*normCDF(-d2) - in.Spot*normCDF(-d1))
	return price, df * (normCDF(d1) - 1), nil
}

// expiredValue degenerates to intrinsic value with a binary delta, matching
// the d1 -> +/-inf limit.
func expiredValue(in Inputs) (float64, float64, error) {
	if in.Type == portfolio.Call {
		if in.Spot > in.Strike {
			return in.Spot - in.Strike, 1, nil
		}
		return 0, 0, nil
	}
	if in.Spot < in.Strike {
		return in.Strike - in.Spot, -1, nil
	}
	return 0, 0, nil
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
