package marketdata

import (
	"github.com/goccy/go-json"
)

// MarketTick is one normalized ticker update. Delta and IV are only present
// for option instruments; HasGreeks reports whether the venue sent them.
type MarketTick struct {
	Instrument string
	MarkPrice  float64
	IndexPrice float64
	Bid        float64
	Ask        float64
	Timestamp  int64
	Delta      float64
	IV         float64
	HasGreeks  bool
}

type wireGreeks struct {
	Delta float64 `json:"delta"`
}

type wireTicker struct {
	InstrumentName string      `json:"instrument_name"`
	MarkPrice      float64     `json:"mark_price"`
	IndexPrice     float64     `json:"index_price"`
	BestBidPrice   float64     `json:"best_bid_price"`
	BestAskPrice   float64     `json:"best_ask_price"`
	Timestamp      int64       `json:"timestamp"`
	MarkIV         float64     `json:"mark_iv"`
	Greeks         *wireGreeks `json:"greeks"`
}

// TickerChannel names the venue stream for an instrument's ticker.
func TickerChannel(instrument string) string {
	return "ticker." + instrument + ".100ms"
}

func parseTick(data json.RawMessage) (MarketTick, error) {
	var w wireTicker
	if err := json.Unmarshal(data, &w); err != nil {
		return MarketTick{}, err
	}
	tick := MarketTick{
		Instrument: w.InstrumentName,
		MarkPrice:  w.MarkPrice,
		IndexPrice: w.IndexPrice,
		Bid:        w.BestBidPrice,
		Ask:        w.BestAskPrice,
		Timestamp:  w.Timestamp,
	}
	if w.Greeks != nil {
		tick.Delta = w.Greeks.Delta
		tick.HasGreeks = true
	}
	if w.MarkIV != 0 {
		// the venue quotes implied vol in percent
		tick.IV = w.MarkIV / 100
	}
	return tick, nil
}
