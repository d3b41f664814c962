package hedger

import (
	"math"

	"github.com/tashik/dneutral-sniper/internal/portfolio"
)

// stepFor computes the hysteresis step in underlying units. In percentage
// mode the step scales with the option book's notional, measured as
// |sum(qty * mark / index)| per leg.
func stepFor(cfg Config, legs map[string]portfolio.LegPosition, indexPrice float64) float64 {
	if cfg.StepMode == StepAbsolute {
		return cfg.StepSize
	}
	if indexPrice <= 0 {
		return cfg.StepSize
	}
	notional := 0.0
	for _, leg := range legs {
		if leg.Expired || leg.LastMark <= 0 {
			continue
		}
		notional += leg.Quantity * leg.LastMark / indexPrice
	}
	return cfg.StepSize * math.Abs(notional)
}

// shouldHedge applies the hysteresis band: the distance from target must
// clear both the trigger floor and one full step since the last hedge.
func shouldHedge(cfg Config, step, netDelta, lastHedgedDelta float64) bool {
	drift := netDelta - cfg.TargetDelta
	if math.Abs(drift) < math.Max(cfg.MinTriggerDelta, step) {
		return false
	}
	return math.Abs(netDelta-lastHedgedDelta) >= step
}

// truncateToLot truncates a signed quantity toward zero to a lot multiple.
func truncateToLot(qty, lot float64) float64 {
	if lot <= 0 {
		return qty
	}
	lots := math.Trunc(qty / lot)
	return lots * lot
}

// hedgeQuantity sizes the offsetting order. A zero return means the hedge is
// skipped, either because it rounds below one lot or below the minimum
// notional.
func hedgeQuantity(cfg Config, netDelta, price, lot float64) float64 {
	qty := truncateToLot(cfg.TargetDelta-netDelta, lot)
	if qty == 0 {
		return 0
	}
	if math.Abs(qty)*price < cfg.MinHedgeUSD {
		return 0
	}
	return qty
}
