/*
Package client implements the user-facing API of an mbus module.

A Client owns one broker connection. A reader goroutine decodes every inbound
envelope: a message some blocked call is waiting for is handed straight to
it, anything else joins an ordered inbound queue. The queue is drained on the
caller's goroutine by DispatchOne or Run, which invoke the handler registered
for the message type. Handlers may therefore call blocking operations such as
FindTypeByName: the reader keeps reading, replies reach their waiter, and
unrelated traffic stays queued in arrival order.

Losing the broker connection is fatal to the client. Every pending call fails
with msg.ErrConnectionLost and Options.OnDisconnect runs; there is no
reconnect.
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/CiaranWoodward/mbus/logging"
	"github.com/CiaranWoodward/mbus/msg"
)

// Options configure a Client
type Options struct {
	// Name the module identifies itself with
	Name string
	// Host reported at identify time; the broker uses the peer address when empty
	Host string
	// Transcoder for control payloads, CBOR when nil
	Transcoder msg.Transcoder
	// ReplyTimeout bounds every wait that has no deadline of its own.
	// Zero waits forever.
	ReplyTimeout time.Duration
	// OnDisconnect runs once, on the reader goroutine, when the broker
	// connection is lost. It does not run after Close.
	OnDisconnect func(err error)
	// Logger, the zero value discards everything
	Logger zerolog.Logger
}

// Match selects the message a blocking call is waiting for
type Match func(m *msg.Message) bool

// MatchSeq matches the broker reply carrying sequence number seq
func MatchSeq(seq int32) Match {
	return func(m *msg.Message) bool {
		return m.Option == msg.OptReply && m.Seq == seq
	}
}

// MatchTypeFrom matches data of type t sent by module from
func MatchTypeFrom(t msg.TypeID, from msg.ModuleID) Match {
	return func(m *msg.Message) bool {
		return m.Option == msg.OptData && m.Type == t && m.From == from
	}
}

// MatchType matches data of type t from any sender
func MatchType(t msg.TypeID) Match {
	return func(m *msg.Message) bool {
		return m.Option == msg.OptData && m.Type == t
	}
}

// one-shot filter registered for the duration of a wait
type waiter struct {
	match Match
	ch    chan *msg.Message
}

// Client struct - instantiated with NewClient or Dial.
type Client struct {
	con  net.Conn
	tc   msg.Transcoder
	opts Options
	log  zerolog.Logger

	id  atomic.Int32
	seq atomic.Int32

	// serialises envelope writes
	wmu sync.Mutex

	// guards queue, waiters, err and closing
	mu      sync.Mutex
	queue   []*msg.Message
	waiters []*waiter
	err     error
	closing bool
	notify  chan struct{}
	done    chan struct{}

	hmu      sync.RWMutex
	handlers map[msg.TypeID]MessageHandler
	direct   map[msg.TypeID]DirectHandler
	types    map[string]msg.TypeID

	wg sync.WaitGroup
}

// NewClient creates a new client on an established broker connection and
// starts reading from it. The client takes ownership of con.
// When work with the client is complete, Close must be called.
func NewClient(con net.Conn, opts Options) *Client {
	c := &Client{
		con:      con,
		tc:       opts.Transcoder,
		opts:     opts,
		log:      logging.Component(opts.Logger, "client"),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		handlers: make(map[msg.TypeID]MessageHandler),
		direct:   make(map[msg.TypeID]DirectHandler),
		types:    make(map[string]msg.TypeID),
	}
	if c.tc == nil {
		c.tc = &msg.CborTranscoder{}
	}
	c.id.Store(int32(msg.BrokerAddr))
	c.wg.Add(1)
	go c.reader()
	return c
}

// Dial connects to the broker at addr and identifies the module
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var d net.Dialer
	con, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", msg.ErrConnect, err)
	}
	c := NewClient(con, opts)
	if _, err := c.Identify(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// ID is the module id assigned by the broker, or msg.BrokerAddr before Identify
func (c *Client) ID() msg.ModuleID {
	return msg.ModuleID(c.id.Load())
}

// Name is the module name given in Options
func (c *Client) Name() string {
	return c.opts.Name
}

// Done is closed once the broker connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped, nil while it is connected
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the broker connection and waits for the reader to stop
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	err := c.con.Close()
	c.wg.Wait()
	return err
}

// Read envelopes until the connection fails
func (c *Client) reader() {
	defer c.wg.Done()
	for {
		m, err := msg.ReadMessage(c.con)
		if err != nil {
			c.fail(err)
			return
		}

		c.mu.Lock()
		if w := c.claim(m); w != nil {
			c.mu.Unlock()
			w.ch <- m
			continue
		}
		if m.Option == msg.OptReply {
			// Nobody is waiting any more, e.g. after a timeout
			c.mu.Unlock()
			c.log.Debug().Stringer("message", m).Msg("discarding late reply")
			continue
		}
		c.queue = append(c.queue, m)
		c.mu.Unlock()

		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// Find and unregister the first waiter wanting m. Requires c.mu.
func (c *Client) claim(m *msg.Message) *waiter {
	for i, w := range c.waiters {
		if w.match(m) {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return w
		}
	}
	return nil
}

// Unregister w, reporting whether it was still registered. Requires c.mu.
func (c *Client) dropWaiter(w *waiter) bool {
	for i, ww := range c.waiters {
		if ww == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Client) fail(cause error) {
	c.mu.Lock()
	deliberate := c.closing
	if deliberate {
		c.err = fmt.Errorf("%w: client closed", msg.ErrConnect)
	} else {
		c.err = fmt.Errorf("%w: %v", msg.ErrConnectionLost, cause)
	}
	waiters := c.waiters
	c.waiters = nil
	err := c.err
	c.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	close(c.done)
	c.con.Close()

	if deliberate {
		return
	}
	c.log.Error().Err(cause).Int32("module", c.id.Load()).Msg("broker connection lost")
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(err)
	}
}

// Register a waiter before anything that could produce its message is sent
func (c *Client) subscribe(match Match) (*waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	w := &waiter{match: match, ch: make(chan *msg.Message, 1)}
	c.waiters = append(c.waiters, w)
	return w, nil
}

func (c *Client) unsubscribe(w *waiter) {
	c.mu.Lock()
	c.dropWaiter(w)
	c.mu.Unlock()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.opts.ReplyTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.ReplyTimeout)
	}
	return ctx, func() {}
}

func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", msg.ErrTimeout, err)
	}
	return err
}

// Block until w is satisfied, the context ends or the connection fails
func (c *Client) wait(ctx context.Context, w *waiter) (*msg.Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	select {
	case m, ok := <-w.ch:
		if !ok {
			return nil, c.Err()
		}
		return m, nil
	case <-ctx.Done():
		c.mu.Lock()
		pending := c.dropWaiter(w)
		c.mu.Unlock()
		if pending {
			return nil, ctxError(ctx.Err())
		}
		// Matched while the context ended: the message is ours
		if m, ok := <-w.ch; ok {
			return m, nil
		}
		return nil, c.Err()
	}
}

// AwaitReply blocks until a message satisfying match arrives and returns it.
// A message already waiting in the inbound queue satisfies the call
// immediately. Everything else stays queued, in arrival order, for
// DispatchOne. Without a context deadline or Options.ReplyTimeout the call
// blocks until the message arrives or the connection is lost.
func (c *Client) AwaitReply(ctx context.Context, match Match) (*msg.Message, error) {
	c.mu.Lock()
	for i, m := range c.queue {
		if match(m) {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.mu.Unlock()
			return m, nil
		}
	}
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	w := &waiter{match: match, ch: make(chan *msg.Message, 1)}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return c.wait(ctx, w)
}

// Request sends m and waits for the message satisfying match. The wait is
// registered before m is sent, so a fast answer cannot be missed.
func (c *Client) Request(ctx context.Context, m *msg.Message, match Match) (*msg.Message, error) {
	w, err := c.subscribe(match)
	if err != nil {
		return nil, err
	}
	if err := c.Send(m); err != nil {
		c.unsubscribe(w)
		return nil, err
	}
	return c.wait(ctx, w)
}

func (c *Client) nextSeq() int32 {
	return c.seq.Add(1)
}

// Send queues m for transmission. It stamps the sender and a fresh sequence
// number, and does not wait for delivery: it fails only when the connection
// is broken.
func (c *Client) Send(m *msg.Message) error {
	m.Seq = c.nextSeq()
	return c.write(m)
}

func (c *Client) write(m *msg.Message) error {
	m.From = c.ID()
	c.wmu.Lock()
	err := msg.WriteMessage(c.con, m)
	c.wmu.Unlock()
	if err != nil {
		if e := c.Err(); e != nil {
			return e
		}
		return fmt.Errorf("%w: %v", msg.ErrConnect, err)
	}
	return nil
}

// Run a control round trip with the broker
func (c *Client) control(ctx context.Context, req msg.Control) (msg.Control, error) {
	seq := c.nextSeq()
	m, err := msg.EncodeControl(c.tc, msg.OptRequest, msg.BrokerAddr, seq, req)
	if err != nil {
		return msg.Control{}, err
	}
	w, err := c.subscribe(MatchSeq(seq))
	if err != nil {
		return msg.Control{}, err
	}
	if err := c.write(m); err != nil {
		c.unsubscribe(w)
		return msg.Control{}, err
	}
	rsp, err := c.wait(ctx, w)
	if err != nil {
		return msg.Control{}, fmt.Errorf("%s: %w", req.Command(), err)
	}
	return msg.DecodeControl(c.tc, rsp)
}
