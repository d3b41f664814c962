package hedger

import (
	"time"

	"github.com/tashik/dneutral-sniper/internal/marketdata"
	"github.com/tashik/dneutral-sniper/internal/portfolio"
	"github.com/tashik/dneutral-sniper/internal/pricing"
)

const yearSeconds = 365 * 24 * 3600

// legDelta returns one option leg's delta contribution in underlying units.
// The ticker's greeks win when present; otherwise the pricer fills in from
// the leg's strike, expiry and last implied vol.
func (h *Hedger) legDelta(leg portfolio.LegPosition, tick marketdata.MarketTick, hasTick bool, spot float64, now time.Time) (float64, bool) {
	if leg.Expired {
		return 0, true
	}
	if hasTick && tick.HasGreeks {
		return leg.Quantity * tick.Delta, true
	}
	if spot <= 0 {
		return 0, false
	}
	vol := leg.LastIV
	if hasTick && tick.IV > 0 {
		vol = tick.IV
	}
	if vol <= 0 {
		vol = h.cfg.Volatility
	}
	t := leg.Expiry.Sub(now).Seconds() / yearSeconds
	_, delta, err := h.pricer.PriceAndDelta(pricing.Inputs{
		Spot:         spot,
		Strike:       leg.Strike,
		TimeToExpiry: t,
		Vol:          vol,
		Rate:         h.cfg.RiskFreeRate,
		Type:         leg.OptionType,
	})
	if err != nil {
		return 0, false
	}
	return leg.Quantity * delta, true
}

// hedgeLegDelta converts the hedge position to underlying units. Quantities
// are carried in underlying; a linear contract contributes its quantity
// directly, while an inverse contract's exposure scales with entry/spot.
func hedgeLegDelta(hedge *portfolio.LegPosition, linear bool, spot float64) float64 {
	if hedge == nil || hedge.Quantity == 0 {
		return 0
	}
	if linear || spot <= 0 || hedge.AvgEntryPrice <= 0 {
		return hedge.Quantity
	}
	return hedge.Quantity * hedge.AvgEntryPrice / spot
}

// computeNetDelta sums leg deltas against the latest marks. The second
// return reports full coverage: false while any live leg or the hedge
// instrument has not had a tick yet.
func (h *Hedger) computeNetDelta(now time.Time) (float64, bool) {
	spot := h.spotPrice()
	net := 0.0
	covered := true
	for name, leg := range h.snap.Positions {
		tick, hasTick := h.marks[name]
		if !hasTick && !leg.Expired {
			covered = false
		}
		d, ok := h.legDelta(leg, tick, hasTick, spot, now)
		if !ok {
			covered = false
			continue
		}
		net += d
	}
	// the premium-hedged share of the hedge position is static and stays
	// out of the dynamic delta
	hedgeLeg := h.snap.HedgePosition
	if hedgeLeg != nil && h.snap.PremiumHedgeQty != 0 {
		adj := *hedgeLeg
		adj.Quantity -= h.snap.PremiumHedgeQty
		hedgeLeg = &adj
	}
	net += hedgeLegDelta(hedgeLeg, h.hedgeInfo.Linear(), spot)
	if _, ok := h.marks[h.cfg.HedgeInstrument]; !ok {
		covered = false
	}
	return net, covered
}

// spotPrice is the underlying price, taken from the hedge instrument's index.
func (h *Hedger) spotPrice() float64 {
	if tick, ok := h.marks[h.cfg.HedgeInstrument]; ok {
		if tick.IndexPrice > 0 {
			return tick.IndexPrice
		}
		if tick.MarkPrice > 0 {
			return tick.MarkPrice
		}
	}
	if h.snap.LastHedgePrice > 0 {
		return h.snap.LastHedgePrice
	}
	return 0
}
