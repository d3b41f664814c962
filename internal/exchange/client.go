package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tashik/dneutral-sniper/internal/metrics"
	"github.com/tashik/dneutral-sniper/internal/state"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const (
	maxPendingCalls = 512
	missedPingLimit = 2
	pingCallTimeout = 5 * time.Second
	callsPerSecond  = 20
	callBurst       = 40
)

type Options struct {
	URL          string
	Key          string
	Secret       string
	CallTimeout  time.Duration
	OrderTimeout time.Duration
	PingInterval time.Duration
	MaxReconnect time.Duration
	Labels       state.Store
	Metrics      *metrics.Metrics
}

// Client is an authenticated duplex JSON-RPC session to the venue. Socket
// writes are serialized by a single mutex; a dispatcher routes inbound frames
// to pending calls by correlation id or to stream handlers by channel name.
type Client struct {
	opts Options
	log  *zap.Logger

	limiter *rate.Limiter
	metrics *metrics.Metrics

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]func(json.RawMessage)
	pending  map[uint64]chan rpcInbound
	hooks    []func()

	writeMu sync.Mutex

	nextID       atomic.Uint64
	reconnecting atomic.Bool
	missedPings  atomic.Int32

	cancel  context.CancelFunc
	done    chan struct{}
	fatalMu sync.Mutex
	fatal   error
}

func NewClient(opts Options, log *zap.Logger) *Client {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.OrderTimeout == 0 {
		opts.OrderTimeout = 15 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.MaxReconnect == 0 {
		opts.MaxReconnect = 30 * time.Second
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Client{
		opts:     opts,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(callsPerSecond), callBurst),
		metrics:  m,
		handlers: make(map[string]func(json.RawMessage)),
		pending:  make(map[uint64]chan rpcInbound),
		done:     make(chan struct{}),
	}
}

// Start dials and authenticates synchronously so credential problems surface
// at startup, then serves the session in the background with automatic
// reconnection.
func (c *Client) Start(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	if err := c.authenticate(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "auth failed")
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx, conn)
	return nil
}

func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn("shutdown")
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// Err returns the terminal error if the session died unrecoverably.
func (c *Client) Err() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatal
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Connected() bool {
	return !c.reconnecting.Load()
}

// OnReconnect registers a hook invoked after every successful re-auth and
// re-subscribe, once the reconciliation sweep has completed.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.opts.MaxReconnect

	pingCtx, stopPing := context.WithCancel(ctx)
	go c.pingLoop(pingCtx)
	defer stopPing()

	reconnected := false
	for {
		readDone := make(chan error, 1)
		go func(cn *websocket.Conn) { readDone <- c.readLoop(ctx, cn) }(conn)
		if reconnected {
			// the pump for the new session is live; finish setup through it
			go c.afterReconnect(ctx)
		}

		err := <-readDone
		c.failPending()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("exchange session lost", zap.Error(err))
		c.reconnecting.Store(true)
		c.closeConn("reconnect")

		for {
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = c.opts.MaxReconnect
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			next, err := c.reconnect(ctx)
			if err != nil {
				if IsAuthError(err) {
					c.setFatal(err)
					c.log.Error("re-authentication failed, giving up", zap.Error(err))
					return
				}
				c.log.Warn("reconnect attempt failed", zap.Error(err))
				continue
			}
			conn = next
			reconnected = true
			backoffCfg.Reset()
			break
		}
	}
}

// reconnect dials and re-authenticates. Subscription replay and the
// reconciliation sweep run in afterReconnect, once the read pump for the new
// connection is serving.
func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.authenticate(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "auth failed")
		return nil, err
	}
	c.setConn(conn)
	c.missedPings.Store(0)
	c.reconnecting.Store(false)
	return conn, nil
}

func (c *Client) afterReconnect(ctx context.Context) {
	if err := c.resubscribe(ctx); err != nil {
		c.log.Warn("resubscribe after reconnect failed", zap.Error(err))
	}
	c.reconciliationSweep(ctx)
	c.metrics.Reconnects.Inc()
	c.mu.Lock()
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		go fn()
	}
	c.log.Info("exchange session re-established")
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
	if err != nil {
		return nil, transportErr(fmt.Sprintf("dial %s: %v", c.opts.URL, err), true)
	}
	conn.SetReadLimit(1 << 22)
	return conn, nil
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	params := map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     c.opts.Key,
		"client_secret": c.opts.Secret,
	}
	raw, err := c.callOn(ctx, conn, "public/auth", params)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind != KindAuthRequired && e.Kind != KindTransport && e.Kind != KindTimeout {
			return &Error{Kind: KindAuthRequired, Code: e.Code, Msg: e.Msg}
		}
		return err
	}
	var res authResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode auth result: %w", err)
	}
	if res.AccessToken == "" {
		return &Error{Kind: KindAuthRequired, Msg: "empty access token"}
	}
	return nil
}

// Call performs a request/response exchange with correlation id. It fails
// fast while the session is reconnecting.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.reconnecting.Load() {
		return nil, transportErr("session reconnecting", true)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, transportErr("not connected", true)
	}
	return c.callOn(ctx, conn, method, params)
}

func (c *Client) callOn(ctx context.Context, conn *websocket.Conn, method string, params any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportErr(err.Error(), true)
	}
	id := c.nextID.Add(1)
	ch := make(chan rpcInbound, 1)
	c.mu.Lock()
	if len(c.pending) >= maxPendingCalls {
		c.mu.Unlock()
		return nil, &Error{Kind: KindRateLimited, Msg: "pending call table full", Retryable: true}
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := c.writeFrame(ctx, conn, data); err != nil {
		return nil, transportErr(err.Error(), true)
	}

	// auth responses may arrive on a connection that is still handshaking,
	// before the background read loop has taken over
	if method == "public/auth" {
		go c.readOnce(ctx, conn)
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, timeoutErr(method)
	case resp := <-ch:
		if resp.Error != nil {
			if resp.Error.Code == codeConnectionLost {
				return nil, transportErr(resp.Error.Message, true)
			}
			return nil, errorFromRPC(resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (c *Client) readOnce(ctx context.Context, conn *websocket.Conn) {
	readCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return
	}
	c.dispatch(data)
}

func (c *Client) writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg rpcInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("undecodable frame", zap.Error(err))
		return
	}
	switch {
	case msg.ID != 0:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	case msg.Method == "subscription" && msg.Params != nil:
		c.mu.Lock()
		handler, ok := c.handlers[msg.Params.Channel]
		c.mu.Unlock()
		if ok {
			handler(msg.Params.Data)
		}
	case msg.Method == "heartbeat":
		go c.answerHeartbeat()
	}
}

func (c *Client) answerHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), pingCallTimeout)
	defer cancel()
	if _, err := c.Call(ctx, "public/test", nil); err != nil {
		c.log.Debug("heartbeat answer failed", zap.Error(err))
	}
}

// pingLoop sends a liveness probe at the configured cadence; two consecutive
// misses tear the connection down so the reconnect path takes over.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.reconnecting.Load() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, pingCallTimeout)
			_, err := c.Call(pingCtx, "public/test", nil)
			cancel()
			if err != nil {
				if c.missedPings.Add(1) >= missedPingLimit {
					c.log.Warn("heartbeat lost, tearing down connection")
					c.closeConn("heartbeat lost")
				}
				continue
			}
			c.missedPings.Store(0)
		}
	}
}

// Subscribe registers a handler for a server-side channel and subscribes
// upstream. Handlers survive reconnects; the channel set is replayed on every
// new session.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(json.RawMessage)) error {
	c.mu.Lock()
	c.handlers[channel] = handler
	c.mu.Unlock()
	if c.reconnecting.Load() {
		return nil
	}
	_, err := c.Call(ctx, subscribeMethod(channel), map[string]any{"channels": []string{channel}})
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	delete(c.handlers, channel)
	c.mu.Unlock()
	if c.reconnecting.Load() {
		return nil
	}
	_, err := c.Call(ctx, unsubscribeMethod(channel), map[string]any{"channels": []string{channel}})
	return err
}

func (c *Client) resubscribe(ctx context.Context) error {
	c.mu.Lock()
	channels := make([]string, 0, len(c.handlers))
	for ch := range c.handlers {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	var public, private []string
	for _, ch := range channels {
		if isPrivateChannel(ch) {
			private = append(private, ch)
		} else {
			public = append(public, ch)
		}
	}
	if len(public) > 0 {
		if _, err := c.Call(ctx, "public/subscribe", map[string]any{"channels": public}); err != nil {
			return err
		}
	}
	if len(private) > 0 {
		if _, err := c.Call(ctx, "private/subscribe", map[string]any{"channels": private}); err != nil {
			return err
		}
	}
	return nil
}

// reconciliationSweep pulls open orders after a reconnect. Hedge positions
// are not fetched here; the OnReconnect hooks run after it for that.
func (c *Client) reconciliationSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	orders, err := c.GetOpenOrders(sweepCtx)
	if err != nil {
		c.log.Warn("open order sweep failed", zap.Error(err))
		return
	}
	c.log.Info("reconciliation sweep complete", zap.Int("open_orders", len(orders)))
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) closeConn(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- rpcInbound{ID: id, Error: &rpcError{Code: codeConnectionLost, Message: "connection lost"}}:
		default:
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) setFatal(err error) {
	c.fatalMu.Lock()
	c.fatal = err
	c.fatalMu.Unlock()
}

func subscribeMethod(channel string) string {
	if isPrivateChannel(channel) {
		return "private/subscribe"
	}
	return "public/subscribe"
}

func unsubscribeMethod(channel string) string {
	if isPrivateChannel(channel) {
		return "private/unsubscribe"
	}
	return "public/unsubscribe"
}

func isPrivateChannel(channel string) bool {
	return strings.HasPrefix(channel, "user.")
}
