package alerts

import (
	"context"
	"fmt"

	"github.com/tashik/dneutral-sniper/internal/bus"
	"github.com/tashik/dneutral-sniper/internal/hedger"

	"go.uber.org/zap"
)

// Watch forwards hedger failures from the event bus to telegram until the
// context is cancelled.
func Watch(ctx context.Context, b *bus.Bus, t *Telegram, log *zap.Logger) {
	events, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != bus.HedgerStateChanged {
				continue
			}
			change, ok := ev.Data.(bus.StateChange)
			if !ok || change.To != string(hedger.StateFailed) {
				continue
			}
			msg := fmt.Sprintf("Hedger %s failed: %s", ev.PortfolioID, change.Reason)
			if err := t.Send(ctx, msg); err != nil {
				log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
}
