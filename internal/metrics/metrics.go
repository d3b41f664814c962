package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced   Counter
	OrdersFailed   Counter
	HedgesExecuted Counter
	HedgersFailed  Counter
	TicksDropped   Counter
	Reconnects     Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:   n,
		OrdersFailed:   n,
		HedgesExecuted: n,
		HedgersFailed:  n,
		TicksDropped:   n,
		Reconnects:     n,
	}
}
