package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tashik/dneutral-sniper/internal/metrics"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize = 64
	DefaultLinger    = 5 * time.Second
)

// Upstream is the slice of the exchange client the subscription manager
// needs: server-side channel (un)subscription with a per-channel handler.
type Upstream interface {
	Subscribe(ctx context.Context, channel string, handler func(json.RawMessage)) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Stream is one consumer's handle on a channel. Ticks are delivered through
// a bounded queue; when the consumer falls behind the oldest tick is dropped
// and a stale warning is raised.
type Stream struct {
	channel string
	ticks   chan MarketTick
	stale   chan struct{}
	dropped atomic.Uint64
	closed  atomic.Bool
}

func newStream(channel string, queueSize int) *Stream {
	return &Stream{
		channel: channel,
		ticks:   make(chan MarketTick, queueSize),
		stale:   make(chan struct{}, 1),
	}
}

func (s *Stream) Channel() string          { return s.channel }
func (s *Stream) Ticks() <-chan MarketTick { return s.ticks }

// Stale signals that at least one tick was dropped; the consumer must treat
// its view of the market as stale until the next tick.
func (s *Stream) Stale() <-chan struct{} { return s.stale }

func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

func (s *Stream) offer(tick MarketTick) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ticks <- tick:
		return true
	default:
	}
	// consumer is behind: drop the oldest and retry once
	select {
	case <-s.ticks:
	default:
	}
	s.dropped.Add(1)
	select {
	case s.stale <- struct{}{}:
	default:
	}
	select {
	case s.ticks <- tick:
	default:
	}
	return false
}

type entry struct {
	count   int
	streams map[*Stream]struct{}
	linger  *time.Timer
}

// Manager multiplexes instrument streams over a single upstream session with
// reference counting: the first acquire subscribes upstream, the last release
// unsubscribes after a linger so rapid stop/start cycles don't thrash the
// venue.
type Manager struct {
	upstream  Upstream
	log       *zap.Logger
	metrics   *metrics.Metrics
	linger    time.Duration
	queueSize int

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewManager(upstream Upstream, log *zap.Logger, m *metrics.Metrics, linger time.Duration, queueSize int) *Manager {
	if linger <= 0 {
		linger = DefaultLinger
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Manager{
		upstream:  upstream,
		log:       log,
		metrics:   m,
		linger:    linger,
		queueSize: queueSize,
		entries:   make(map[string]*entry),
	}
}

var ErrClosed = errors.New("subscription manager closed")

// Acquire returns a broadcast stream for the channel, subscribing upstream on
// the 0 -> 1 transition.
func (m *Manager) Acquire(ctx context.Context, channel string) (*Stream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := m.entries[channel]
	fresh := !ok
	if !ok {
		e = &entry{streams: make(map[*Stream]struct{})}
		m.entries[channel] = e
	}
	if e.linger != nil {
		e.linger.Stop()
		e.linger = nil
	}
	s := newStream(channel, m.queueSize)
	e.streams[s] = struct{}{}
	e.count++
	m.mu.Unlock()

	if fresh {
		if err := m.upstream.Subscribe(ctx, channel, m.fanout(channel)); err != nil {
			m.mu.Lock()
			delete(e.streams, s)
			e.count--
			if e.count == 0 {
				delete(m.entries, channel)
			}
			m.mu.Unlock()
			return nil, err
		}
	}
	return s, nil
}

// Release drops one consumer. On the 1 -> 0 transition the upstream
// unsubscribe is deferred by the linger window.
func (m *Manager) Release(s *Stream) {
	if s == nil || s.closed.Swap(true) {
		return
	}
	m.mu.Lock()
	e, ok := m.entries[s.channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, mine := e.streams[s]; !mine {
		m.mu.Unlock()
		return
	}
	delete(e.streams, s)
	e.count--
	if e.count > 0 || m.closed {
		m.mu.Unlock()
		return
	}
	channel := s.channel
	e.linger = time.AfterFunc(m.linger, func() {
		m.expire(channel)
	})
	m.mu.Unlock()
}

func (m *Manager) expire(channel string) {
	m.mu.Lock()
	e, ok := m.entries[channel]
	if !ok || e.count > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, channel)
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.upstream.Unsubscribe(ctx, channel); err != nil {
		m.log.Warn("upstream unsubscribe failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Refs returns the current consumer count for a channel.
func (m *Manager) Refs(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[channel]; ok {
		return e.count
	}
	return 0
}

// Close releases every channel immediately, without linger.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	channels := make([]string, 0, len(m.entries))
	for ch, e := range m.entries {
		if e.linger != nil {
			e.linger.Stop()
		}
		channels = append(channels, ch)
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ch := range channels {
		if err := m.upstream.Unsubscribe(ctx, ch); err != nil {
			m.log.Warn("upstream unsubscribe failed", zap.String("channel", ch), zap.Error(err))
		}
	}
}

func (m *Manager) fanout(channel string) func(json.RawMessage) {
	return func(data json.RawMessage) {
		tick, err := parseTick(data)
		if err != nil {
			m.log.Debug("undecodable tick", zap.String("channel", channel), zap.Error(err))
			return
		}
		m.mu.Lock()
		e, ok := m.entries[channel]
		if !ok {
			m.mu.Unlock()
			return
		}
		streams := make([]*Stream, 0, len(e.streams))
		for s := range e.streams {
			streams = append(streams, s)
		}
		m.mu.Unlock()
		for _, s := range streams {
			if !s.offer(tick) {
				m.metrics.TicksDropped.Inc()
			}
		}
	}
}
