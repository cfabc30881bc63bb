// Package clearnode is the state-channel client: one authenticated duplex
// connection to a Clearnode ledger node with request correlation, app-session
// operations, keepalive and a shared reconnect.
package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/crypto"
	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/metrics"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = fmt.Errorf("clearnode: client closed: %w", domain.ErrTransport)

var errReplaced = errors.New("replaced by reconnect")

const retirePoll = 10 * time.Millisecond

// Config controls the connection and authorisation parameters.
type Config struct {
	URL         string
	Application string
	Scope       string
	Allowances  []crypto.Allowance

	SessionTTL     time.Duration
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	PingInterval   time.Duration

	// ReuseSession lets a reconnect resume an unexpired session key with the
	// issued JWT before falling back to a full challenge-response.
	ReuseSession bool

	// AuthInterval is the minimum spacing between full authentications.
	AuthInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Application == "" {
		c.Application = "pitchmarket"
	}
	if c.Scope == "" {
		c.Scope = "app"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.AuthInterval <= 0 {
		c.AuthInterval = time.Second
	}
}

// NotificationHandler receives server pushes that match no pending call. It
// runs on the read goroutine and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithMetrics records call latency and reconnects.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithNotificationHandler installs h for unsolicited server messages.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Client) { c.notify = h }
}

// WithClock overrides time.Now for session expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	wallet  *crypto.Signer
	dial    DialFunc
	metrics *metrics.Metrics
	notify  NotificationHandler
	logger  *slog.Logger
	now     func() time.Time

	pending     *pendingTable
	nextID      atomic.Uint64
	group       singleflight.Group
	authLimiter *rate.Limiter
	wg          sync.WaitGroup

	mu        sync.RWMutex
	link      *link
	connected bool
	session   *crypto.Signer
	expiresAt time.Time
	jwt       string
	closed    bool
	versions  map[string]uint64

	balMu      sync.RWMutex
	balances   []LedgerBalance
	balancesAt time.Time
}

// New creates a Client. It does not dial; the first operation (or Connect)
// does.
func New(cfg Config, wallet *crypto.Signer, logger *slog.Logger, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:         cfg,
		wallet:      wallet,
		dial:        DialWebsocket,
		logger:      logger.With(slog.String("component", "clearnode")),
		now:         time.Now,
		pending:     newPendingTable(),
		authLimiter: rate.NewLimiter(rate.Every(cfg.AuthInterval), 1),
		versions:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials and authenticates if the client is not already healthy.
func (c *Client) Connect(ctx context.Context) error {
	_, _, err := c.ensureConnected(ctx)
	return err
}

// Connected reports whether the transport is open and the session unexpired.
func (c *Client) Connected() bool {
	_, _, ok := c.healthy()
	return ok
}

// Address is the wallet identity the client authenticates as.
func (c *Client) Address() string {
	return c.wallet.Address().Hex()
}

// SessionKey returns the current session key address, or "" before the
// first authentication.
func (c *Client) SessionKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.Address().Hex()
}

// Close tears down the transport and rejects every pending call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.connected = false
	c.mu.Unlock()

	if l != nil {
		l.close()
	}
	c.pending.failLink(nil, ErrClosed)
	c.wg.Wait()
	return nil
}

// healthy returns the live link and session signer when both are usable.
func (c *Client) healthy() (*link, *crypto.Signer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || !c.connected || c.link == nil || c.link.closed() || c.session == nil {
		return nil, nil, false
	}
	if !c.now().Before(c.expiresAt) {
		return nil, nil, false
	}
	return c.link, c.session, true
}

// ensureConnected returns a healthy link, reconnecting if needed. Concurrent
// callers share one in-flight reconnect; each may abandon the wait through
// its own ctx without cancelling the attempt for the others.
func (c *Client) ensureConnected(ctx context.Context) (*link, *crypto.Signer, error) {
	if l, s, ok := c.healthy(); ok {
		return l, s, nil
	}

	ch := c.group.DoChan("connect", func() (any, error) {
		if _, _, ok := c.healthy(); ok {
			return nil, nil
		}
		rctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		defer cancel()
		return nil, c.reconnect(rctx)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, nil, r.Err
		}
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("clearnode: waiting for reconnect: %w", ctx.Err())
	}

	l, s, ok := c.healthy()
	if !ok {
		return nil, nil, fmt.Errorf("clearnode: connection lost after reconnect: %w", domain.ErrTransport)
	}
	return l, s, nil
}

// reconnect dials a fresh transport and authorises it, first by resuming the
// previous session when allowed and then by full challenge-response.
func (c *Client) reconnect(ctx context.Context) error {
	c.mu.RLock()
	old, prev, jwt, exp, closed := c.link, c.session, c.jwt, c.expiresAt, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if old != nil {
		c.retireLink(old)
	}

	tr, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		c.metrics.Reconnect("dial", "error")
		return fmt.Errorf("clearnode: %w: %w", domain.ErrTransport, err)
	}
	l := newLink(tr)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.close()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go c.readLoop(l)

	kind := "full"
	var sess *authSession
	if c.cfg.ReuseSession && prev != nil && jwt != "" && c.now().Before(exp) {
		kind = "light"
		sess, err = c.resume(ctx, l, prev, exp, jwt)
		if err != nil {
			c.metrics.Reconnect("light", "error")
			c.logger.Warn("clearnode: session resume refused, falling back to full auth", slog.String("error", err.Error()))
			kind = "full"
		}
	}
	if sess == nil {
		if err := c.authLimiter.Wait(ctx); err != nil {
			c.dropLink(l, errReplaced)
			c.metrics.Reconnect("full", "error")
			return fmt.Errorf("clearnode: auth throttled: %w", err)
		}
		sess, err = c.authenticate(ctx, l)
		if err != nil {
			c.dropLink(l, errReplaced)
			c.metrics.Reconnect("full", "error")
			return err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.close()
		return ErrClosed
	}
	c.link = l
	c.connected = true
	c.session = sess.signer
	c.expiresAt = sess.expiresAt
	c.jwt = sess.jwt
	c.wg.Add(1)
	c.mu.Unlock()
	go c.keepalive(l)

	c.metrics.Reconnect(kind, "ok")
	c.logger.Info("clearnode: connected",
		slog.String("mode", kind),
		slog.String("session_key", sess.signer.Address().Hex()),
		slog.Time("expires_at", sess.expiresAt),
	)
	return nil
}

// retireLink replaces a link that is still open, for instance when only the
// session signer expired. Calls already written to it keep their chance to be
// answered: the link is dropped once they drain or RequestTimeout passes.
// New calls wait for the replacement.
func (c *Client) retireLink(l *link) {
	if l.closed() {
		c.dropLink(l, errReplaced)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.dropLink(l, errReplaced)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		deadline := time.NewTimer(c.cfg.RequestTimeout)
		defer deadline.Stop()
		tick := time.NewTicker(retirePoll)
		defer tick.Stop()
	wait:
		for c.pending.countLink(l) > 0 {
			select {
			case <-tick.C:
			case <-l.done:
				break wait
			case <-deadline.C:
				break wait
			}
		}
		c.dropLink(l, errReplaced)
	}()
}

// dropLink marks l dead. Calls written to l are rejected with a transport
// error; the session signer is retained for a later resume.
func (c *Client) dropLink(l *link, cause error) {
	c.mu.Lock()
	current := c.link == l
	if current {
		c.connected = false
	}
	closing := c.closed
	c.mu.Unlock()

	wasOpen := !l.closed()
	l.close()
	n := c.pending.failLink(l, fmt.Errorf("clearnode: %w: %v", domain.ErrTransport, cause))

	if current && wasOpen && !closing && !errors.Is(cause, errReplaced) {
		c.logger.Warn("clearnode: transport lost", slog.Any("error", cause), slog.Int("failed_calls", n))
	}
}

func (c *Client) readLoop(l *link) {
	defer c.wg.Done()
	for {
		_, data, err := l.tr.ReadMessage()
		if err != nil {
			c.dropLink(l, err)
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame to its pending call, or to the
// notification handler when nothing is waiting for it.
func (c *Client) dispatch(data []byte) {
	msg, err := decodeResponse(data)
	if err != nil {
		c.logger.Warn("clearnode: malformed frame", slog.String("error", err.Error()))
		return
	}

	if msg.Method == methodError {
		var ep errorParams
		_ = json.Unmarshal(msg.Params, &ep)
		call := c.pending.remove(msg.ID)
		if call == nil {
			c.logger.Warn("clearnode: error for unknown request", slog.Uint64("id", msg.ID), slog.String("message", ep.Error))
			return
		}
		call.done <- result{err: &domain.RPCError{Method: call.method, Code: ep.Code, Message: ep.Error}}
		return
	}

	if call := c.pending.remove(msg.ID); call != nil {
		if call.expect != msg.Method {
			call.done <- result{err: &domain.RPCError{
				Method:  call.method,
				Message: fmt.Sprintf("unexpected response method %q", msg.Method),
			}}
			return
		}
		call.done <- result{params: msg.Params}
		return
	}

	// An id this client issued but no longer tracks belongs to a call that
	// already expired or failed; it must not resolve anything else.
	if msg.ID != 0 && msg.ID <= c.nextID.Load() {
		c.logger.Debug("clearnode: dropping late response", slog.Uint64("id", msg.ID), slog.String("method", msg.Method))
		return
	}
	if call := c.pending.takeOldest(msg.Method); call != nil {
		call.done <- result{params: msg.Params}
		return
	}
	if c.notify != nil {
		c.notify(msg.Method, msg.Params)
	}
}

// keepalive pings the node while l is open. Failures are logged only.
func (c *Client) keepalive(l *link) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			c.mu.RLock()
			s, current := c.session, c.link == l
			c.mu.RUnlock()
			if !current {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			_, err := c.roundTrip(ctx, l, "ping", methodPong, nil, s.Sign)
			cancel()
			if err != nil {
				c.logger.Debug("clearnode: keepalive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// roundTrip writes one request on l and waits for its correlated response.
func (c *Client) roundTrip(ctx context.Context, l *link, method, expect string, params any, sign func([]byte) (string, error)) (json.RawMessage, error) {
	start := time.Now()
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("clearnode: %s params: %w", method, err)
	}

	id := c.nextID.Add(1)
	frame, err := encodeRequest(rpcMessage{ID: id, Method: method, Params: raw, Timestamp: c.now().UnixMilli()}, sign)
	if err != nil {
		return nil, fmt.Errorf("clearnode: %w: %w", domain.ErrSigningFailed, err)
	}

	timeout := c.cfg.RequestTimeout
	call := c.pending.add(id, method, expect, l, timeout, func(pc *pendingCall) {
		pc.done <- result{err: fmt.Errorf("clearnode: %s: no %s within %s: %w", method, expect, timeout, domain.ErrTimeout)}
	})

	if err := l.write(frame); err != nil {
		c.pending.remove(id)
		c.dropLink(l, err)
		c.metrics.ObserveRPC(method, time.Since(start), "transport")
		return nil, fmt.Errorf("clearnode: write %s: %w: %v", method, domain.ErrTransport, err)
	}

	select {
	case r := <-call.done:
		c.metrics.ObserveRPC(method, time.Since(start), errorKind(r.err))
		return r.params, r.err
	case <-ctx.Done():
		c.pending.remove(id)
		c.metrics.ObserveRPC(method, time.Since(start), "canceled")
		return nil, fmt.Errorf("clearnode: %s: %w", method, ctx.Err())
	}
}

// do runs a session-signed call on a healthy connection.
func (c *Client) do(ctx context.Context, method string, params any, out any) error {
	l, s, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	raw, err := c.roundTrip(ctx, l, method, method, params, s.Sign)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("clearnode: decode %s response: %w", method, err)
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrRPC):
		return "rpc"
	case errors.Is(err, domain.ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
