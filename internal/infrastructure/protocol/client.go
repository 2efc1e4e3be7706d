package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dsplink/internal/core/domain"
	"dsplink/pkg/tracing"

	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultCommandTimeout = 3 * time.Second
	DefaultRetries        = 1

	maxLineBytes = 64 * 1024
	writeTimeout = 2 * time.Second
)

// CommandObserver receives the outcome of every exchange.
type CommandObserver interface {
	ObserveCommand(method domain.Method, duration time.Duration, err error)
}

type Option func(*Client)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithObserver(o CommandObserver) Option {
	return func(c *Client) { c.observer = o }
}

type response struct {
	f   frame
	err error
}

// pendingRequest is the single in-flight exchange of a connection.
type pendingRequest struct {
	id    uint64
	reply chan response
}

// Client is one live control session with a device. Commands are strictly
// serialized: the device answers one request at a time.
type Client struct {
	endpoint domain.DeviceEndpoint
	conn     net.Conn
	logger   *zap.SugaredLogger
	observer CommandObserver

	// slot holds the one command allowed on the wire at a time.
	slot   chan struct{}
	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   *pendingRequest

	handlerMu  sync.RWMutex
	handler    func(domain.Notification)
	handlerGen uint64

	lastActivity atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the device and starts the read loop.
func Dial(ctx context.Context, ep domain.DeviceEndpoint, opts ...Option) (*Client, error) {
	timeout := ep.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.DialAddress())
	if err != nil {
		return nil, &domain.ConnectionError{Address: ep.DialAddress(), Err: err}
	}
	return NewClient(conn, ep, opts...), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, ep domain.DeviceEndpoint, opts ...Option) *Client {
	if ep.CommandTimeout <= 0 {
		ep.CommandTimeout = DefaultCommandTimeout
	}
	if ep.Retries < 0 {
		ep.Retries = 0
	}
	c := &Client{
		endpoint: ep,
		conn:     conn,
		logger:   zap.NewNop().Sugar(),
		slot:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("device", ep.Key())
	c.touch()
	go c.readLoop()
	return c
}

func (c *Client) Endpoint() domain.DeviceEndpoint { return c.endpoint }

// SetNotificationHandler installs the handler for device-pushed frames. A
// nil handler drops them. The returned func removes h unless another
// handler has been installed since.
func (c *Client) SetNotificationHandler(h func(domain.Notification)) (unhook func()) {
	c.handlerMu.Lock()
	c.handlerGen++
	gen := c.handlerGen
	c.handler = h
	c.handlerMu.Unlock()
	return func() {
		c.handlerMu.Lock()
		if c.handlerGen == gen {
			c.handler = nil
		}
		c.handlerMu.Unlock()
	}
}

// Get reads one parameter.
func (c *Client) Get(ctx context.Context, param string, format domain.Format) (domain.Reply, error) {
	return c.SendCommand(ctx, domain.Command{Method: domain.MethodGet, Param: param, Format: format})
}

// Set writes one parameter. A device error token is returned as *domain.DeviceError.
func (c *Client) Set(ctx context.Context, param string, value any) error {
	_, err := c.SendCommand(ctx, domain.Command{Method: domain.MethodSet, Param: param, Value: value})
	return err
}

// Subscribe asks the device to push updates of param.
func (c *Client) Subscribe(ctx context.Context, param string, format domain.Format) error {
	_, err := c.SendCommand(ctx, domain.Command{Method: domain.MethodSub, Param: param, Format: format})
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, param string) error {
	_, err := c.SendCommand(ctx, domain.Command{Method: domain.MethodUnsub, Param: param})
	return err
}

// SendCommand performs one exchange, retrying on timeout only. Error
// replies come back as *domain.DeviceError alongside the decoded reply.
// A command whose ctx ends while it waits for the wire is never sent.
func (c *Client) SendCommand(ctx context.Context, cmd domain.Command) (domain.Reply, error) {
	ctx, span := tracing.TraceDeviceCommand(ctx, string(c.endpoint.Key()), string(cmd.Method), cmd.Param)
	defer span.End()

	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		tracing.RecordError(ctx, ctx.Err())
		return domain.Reply{}, ctx.Err()
	case <-c.done:
		return domain.Reply{}, c.linkError()
	}
	defer func() { <-c.slot }()

	var (
		reply domain.Reply
		err   error
	)
	for attempt := 0; attempt <= c.endpoint.Retries; attempt++ {
		start := time.Now()
		reply, err = c.exchange(ctx, cmd)
		if c.observer != nil {
			c.observer.ObserveCommand(cmd.Method, time.Since(start), err)
		}
		if err == nil || !domain.IsTimeout(err) {
			break
		}
		if attempt < c.endpoint.Retries {
			c.logger.Debugw("command timed out, retrying", "method", cmd.Method, "param", cmd.Param)
		}
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return reply, err
	}
	if reply.Kind == domain.ReplyError {
		derr := &domain.DeviceError{Param: cmd.Param, Code: reply.Code, Message: reply.Message}
		tracing.RecordError(ctx, derr)
		return reply, derr
	}
	return reply, nil
}

func (c *Client) exchange(ctx context.Context, cmd domain.Command) (domain.Reply, error) {
	if !c.Alive() {
		return domain.Reply{}, c.linkError()
	}
	if err := ctx.Err(); err != nil {
		return domain.Reply{}, err
	}

	id := c.nextID.Add(1)
	line, err := EncodeCommand(id, cmd)
	if err != nil {
		return domain.Reply{}, err
	}

	p := &pendingRequest{id: id, reply: make(chan response, 1)}
	c.pendingMu.Lock()
	c.pending = p
	c.pendingMu.Unlock()
	defer c.clearPending(p)

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(line); err != nil {
		c.fail(fmt.Errorf("write: %w", err))
		return domain.Reply{}, c.linkError()
	}
	c.touch()

	timer := time.NewTimer(c.endpoint.CommandTimeout)
	defer timer.Stop()

	select {
	case resp := <-p.reply:
		if resp.err != nil {
			return domain.Reply{}, resp.err
		}
		reply, err := decodeReply(resp.f, cmd)
		if err != nil {
			// The reply stream no longer lines up with our requests.
			c.fail(err)
			return domain.Reply{}, err
		}
		return reply, nil
	case <-timer.C:
		return domain.Reply{}, &domain.TimeoutError{Op: string(cmd.Method), Param: cmd.Param}
	case <-ctx.Done():
		return domain.Reply{}, ctx.Err()
	case <-c.done:
		return domain.Reply{}, c.linkError()
	}
}

func (c *Client) clearPending(p *pendingRequest) {
	c.pendingMu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.pendingMu.Unlock()
}

func (c *Client) readLoop() {
	reader := bufio.NewReaderSize(c.conn, 4096)
	for {
		line, err := readLine(reader)
		if err != nil {
			c.fail(err)
			return
		}
		if len(line) == 0 {
			continue
		}
		c.touch()

		f, err := decodeFrame(line)
		if err != nil {
			c.deliver(0, response{err: err}, true)
			c.fail(err)
			return
		}
		if f.notification {
			c.notify(f)
			continue
		}
		c.deliver(f.id, response{f: f}, false)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return nil, &domain.ProtocolError{Reason: "frame exceeds line limit"}
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

// deliver hands a reply to the waiter whose id matches. Replies for an
// exchange that already timed out are dropped.
func (c *Client) deliver(id uint64, resp response, force bool) {
	c.pendingMu.Lock()
	p := c.pending
	if p != nil && (force || p.id == id) {
		c.pending = nil
	} else {
		p = nil
	}
	c.pendingMu.Unlock()

	if p == nil {
		if !force {
			c.logger.Debugw("dropping reply with no waiter", "id", id)
		}
		return
	}
	p.reply <- resp
}

func (c *Client) notify(f frame) {
	n, err := decodeNotification(f)
	if err != nil {
		c.logger.Debugw("ignoring malformed update", "error", err)
		return
	}
	n.ReceivedAt = time.Now()

	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(n)
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity is the time of the last byte written or read.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// InFlight reports whether a request is awaiting its reply.
func (c *Client) InFlight() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pending != nil
}

func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed once the link is dead.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the link died, or nil while it is alive.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) linkError() error {
	if err := c.Err(); err != nil && !errors.Is(err, domain.ErrLinkClosed) {
		return &domain.ConnectionError{Address: c.endpoint.DialAddress(), Err: err}
	}
	return &domain.ConnectionError{Address: c.endpoint.DialAddress(), Err: domain.ErrLinkClosed}
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		if !errors.Is(err, domain.ErrLinkClosed) {
			c.logger.Warnw("device link lost", "error", err)
		}
	})
}

func (c *Client) Close() error {
	c.fail(domain.ErrLinkClosed)
	return nil
}
