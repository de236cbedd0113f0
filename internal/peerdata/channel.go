// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package peerdata

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/backoffpolicy"
	"github.com/it-robotics/cros/internal/bytebuffer"
	"github.com/it-robotics/cros/internal/logging"
	"github.com/it-robotics/cros/internal/loopbus"
)

// readBufCapacityHint is the initial backing-array size reserved for a
// channel's read buffer; large enough that a typical header or small topic
// message never triggers a Grow.
const readBufCapacityHint = 4096

// Handlers are the user/owner-side callbacks a Channel invokes as it
// progresses. OnHeader is called synchronously on the Channel's own
// connection goroutine, since its return value decides whether the channel
// goes on; every other handler is invoked via bus.Post, so it runs on the
// loop goroutine, never on the connection goroutine — this is what lets
// spec.md §5's "only the loop invokes callbacks, never re-entrant" guarantee
// hold for them even though the channel itself does blocking I/O on its own
// goroutine.
type Handlers struct {
	// OnHeader validates an inbound header (e.g. MD5 agreement). Returning a
	// non-nil error aborts the channel before any data-phase bytes are
	// processed (spec.md invariant: "no data bytes are delivered" on
	// mismatch).
	OnHeader func(fields map[string]string) error
	// OnFrame delivers one inbound data-phase message (subscriber side) or
	// one inbound request (service-provider side).
	OnFrame func(payload []byte)
	// OnServiceResponse delivers one inbound service response
	// (service-caller side).
	OnServiceResponse func(ok bool, payload []byte)
	// OnStateChange is notified on every state transition; nil is fine.
	OnStateChange func(State)
	// OnClosed is invoked exactly once, when the channel's connection
	// goroutine exits for any reason (err is nil on a clean, requested
	// close).
	OnClosed func(err error)
}

// Channel drives one TCP connection through the peer data state machine of
// spec.md §4.3. One Channel exists per live (or reconnecting) peer process.
type Channel struct {
	Role       Role
	Topic      string // topic name, or service name when IsService
	Type       string
	MD5        string
	CallerID   string
	IsService  bool
	Persistent bool
	Latching   bool

	RemoteHost string
	RemotePort int

	log      *zap.Logger
	bus      *loopbus.Bus
	handlers Handlers

	mu                sync.Mutex
	state             State
	conn              net.Conn
	lastActivity      time.Time
	reconnectAttempts int
	reconnect         backoff.BackOff
	lastErr           error

	// buf backs every size-prefixed read this channel performs (header,
	// frame length, frame payload): readExact never reads more than it is
	// asked for, so the same buffer safely spans the connection's whole
	// lifetime.
	buf *bytebuffer.Buffer

	Out *OutQueue

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannel builds a Channel around an already-established (or
// about-to-be-dialed) connection. conn may be nil for the subscriber/
// service-caller roles that dial lazily via Dial.
func NewChannel(role Role, bus *loopbus.Bus, log *zap.Logger, h Handlers, queueSize, highWaterMark int) *Channel {
	if log == nil {
		log = logging.Nop()
	}
	return &Channel{
		Role:      role,
		log:       log,
		bus:       bus,
		handlers:  h,
		state:     StateIdle,
		reconnect: backoffpolicy.NewPeerReconnect(),
		buf:       bytebuffer.New(readBufCapacityHint),
		Out:       NewOutQueue(queueSize, highWaterMark),
		closed:    make(chan struct{}),
	}
}

// readExact reads exactly n bytes from conn, buffering through c.buf so a
// header or frame delivered across several short TCP reads is assembled in
// one place. The returned slice is a copy: buf reuses its backing array on
// the next call, so the original is not safe to retain past it.
func (c *Channel) readExact(conn net.Conn, n int) ([]byte, error) {
	return readExactFrom(c.buf, conn, n)
}

// readExactFrom reads exactly n bytes from conn into buf, topping it up with
// conn.Read calls sized to never request more than still needed — unlike a
// naive read-ahead, this never leaves bytes buffered past the n requested,
// so callers that hand conn off to a different reader afterwards (the
// accept-side header peek in dataconn.go) never lose data.
func readExactFrom(buf *bytebuffer.Buffer, conn net.Conn, n int) ([]byte, error) {
	buf.Grow(n)
	for buf.Len() < n {
		chunk := make([]byte, n-buf.Len())
		m, err := conn.Read(chunk)
		if m > 0 {
			buf.Write(chunk[:m])
		}
		if err != nil {
			return nil, err
		}
	}
	out := make([]byte, n)
	copy(out, buf.Next(n))
	return out, nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.lastActivity = time.Now()
	c.mu.Unlock()
	if c.handlers.OnStateChange != nil {
		c.bus.Post(func() { c.handlers.OnStateChange(s) })
	}
}

// State returns the channel's current state. Safe to call from any
// goroutine (used by diagnostics/BusInfo).
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity returns the time of the channel's last state transition.
func (c *Channel) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ReconnectAttempts reports how many times Dial has been retried since the
// last successful header exchange.
func (c *Channel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// noteReconnected resets the backoff schedule and attempt counter, per
// spec.md §4.1 ("reset on successful header exchange").
func (c *Channel) noteReconnected() {
	c.mu.Lock()
	c.reconnectAttempts = 0
	c.mu.Unlock()
	c.reconnect.Reset()
}

// NextReconnectDelay advances and returns the backoff schedule's next
// interval for this channel.
func (c *Channel) NextReconnectDelay() time.Duration {
	c.mu.Lock()
	c.reconnectAttempts++
	c.mu.Unlock()
	d, ok := backoffpolicy.Next(c.reconnect)
	if !ok {
		// NewPeerReconnect never stops (MaxElapsedTime: 0); this is
		// unreachable but keeps the return type simple for callers.
		return backoffpolicy.NewPeerReconnect().NextBackOff()
	}
	return d
}

// Dial opens the TCP connection a subscriber or service-caller channel
// drives. Publisher-side and service-provider-side channels are built
// around an already-accepted connection instead (see Accept).
func (c *Channel) Dial(host string, port int) error {
	c.setState(StateConnecting)
	portStr := strconv.Itoa(port)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, portStr), 10*time.Second)
	if err != nil {
		return errs.Wrap(errs.TransportIO, "peerdata", err, "dial ", host, ":", portStr)
	}
	c.mu.Lock()
	c.conn = conn
	c.RemoteHost = host
	c.RemotePort = port
	c.mu.Unlock()
	return nil
}

// Accept wires an already-accepted connection (publisher or service-provider
// side) into the channel.
func (c *Channel) Accept(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.RemoteHost = tcpAddr.IP.String()
		c.RemotePort = tcpAddr.Port
	}
	c.mu.Unlock()
	c.setState(StateAccepted)
}

// RunSubscriber drives the subscriber side of a topic data channel to
// completion: WRITING_HEADER, READING_HEADER (with MD5 validation via
// handlers.OnHeader), then an indefinite READING_SIZE/READING_PAYLOAD loop
// delivering each inbound message via handlers.OnFrame. Blocks until the
// connection fails or Close is called; run it on its own goroutine.
func (c *Channel) RunSubscriber(outHeader map[string]string) {
	err := c.headerExchange(outHeader, true)
	if err != nil {
		c.fail(err)
		return
	}
	c.noteReconnected()

	conn := c.currentConn()
	for {
		c.setState(StateReadingSize)
		lenBuf, err := c.readExact(conn, 4)
		if err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "reading frame length"))
			return
		}
		n, err := FrameLen(lenBuf)
		if err != nil {
			c.fail(err)
			return
		}
		c.setState(StateReadingPayload)
		payload, err := c.readExact(conn, n)
		if err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "reading frame payload"))
			return
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		if c.handlers.OnFrame != nil {
			c.bus.Post(func() { c.handlers.OnFrame(payload) })
		}
		select {
		case <-c.closed:
			return
		default:
		}
	}
}

// RunPublisher drives the publisher side of a topic data channel: reads the
// subscriber's header first (ACCEPTED → READING_HEADER), writes its own
// header back (WRITING_HEADER), then drains Out into the socket
// (WRITING_PAYLOAD) until closed. If Latching and latchedPayload is non-nil,
// it is written immediately after the header exchange, before draining Out,
// satisfying the late-subscriber replay semantics.
//
// If inHeader is non-nil, it is used as the already-read subscriber header
// (the acceptor commonly has to peek the header before it even knows which
// local slot — publisher or service provider — the new connection is for;
// see ReadHeader) and the READING_HEADER wire read is skipped;
// otherwise the header is read from the connection as usual.
func (c *Channel) RunPublisher(inHeader map[string]string, outHeader map[string]string, latchedPayload []byte) {
	conn := c.currentConn()

	in := inHeader
	if in == nil {
		c.setState(StateReadingHeader)
		var err error
		in, err = readHeaderUsing(c.buf, conn)
		if err != nil {
			c.fail(err)
			return
		}
	}
	if c.handlers.OnHeader != nil {
		if verr := c.handlers.OnHeader(in); verr != nil {
			c.fail(verr)
			return
		}
	}

	c.setState(StateWritingHeader)
	if _, err := conn.Write(EncodeHeader(outHeader)); err != nil {
		c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "writing header"))
		return
	}

	if latchedPayload != nil {
		c.setState(StateWritingPayload)
		if _, err := conn.Write(EncodeFrame(latchedPayload)); err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "writing latched payload"))
			return
		}
	}

	for {
		frame, ok := c.Out.Dequeue()
		if !ok {
			c.closeConn(nil)
			return
		}
		c.setState(StateWritingPayload)
		if _, err := conn.Write(frame); err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "writing payload"))
			return
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
	}
}

// RunServiceCaller drives the service-caller side: header exchange, write
// one request, read one ok-flagged response, repeat if Persistent, else
// close after the first round trip.
func (c *Channel) RunServiceCaller(outHeader map[string]string, requests <-chan []byte) {
	if err := c.headerExchange(outHeader, true); err != nil {
		c.fail(err)
		return
	}
	c.noteReconnected()
	conn := c.currentConn()

	for payload := range requests {
		c.setState(StateWritingPayload)
		if _, err := conn.Write(EncodeFrame(payload)); err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "writing service request"))
			return
		}

		c.setState(StateReadingSize)
		okFlag, err := c.readExact(conn, 1)
		if err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "reading service ok flag"))
			return
		}
		lenBuf, err := c.readExact(conn, 4)
		if err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "reading service response length"))
			return
		}
		n, err := FrameLen(lenBuf)
		if err != nil {
			c.fail(err)
			return
		}
		c.setState(StateReadingPayload)
		resp, err := c.readExact(conn, n)
		if err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "reading service response payload"))
			return
		}
		ok := okFlag[0] != 0
		if c.handlers.OnServiceResponse != nil {
			c.bus.Post(func() { c.handlers.OnServiceResponse(ok, resp) })
		}
		if !c.Persistent {
			c.closeConn(nil)
			return
		}
	}
	c.closeConn(nil)
}

// RunServiceProvider drives the service-provider side: reads the caller's
// header, writes its own, then alternates reading a request and invoking
// handle to produce the (ok, response) to write back, until the caller
// disconnects or (non-persistent) after the first round trip. inHeader
// behaves as in RunPublisher: pass an already-read header to skip the wire
// read, or nil to read it here.
func (c *Channel) RunServiceProvider(inHeader map[string]string, outHeader map[string]string, handle func(request []byte) (ok bool, response []byte)) {
	conn := c.currentConn()

	in := inHeader
	if in == nil {
		c.setState(StateReadingHeader)
		var err error
		in, err = readHeaderUsing(c.buf, conn)
		if err != nil {
			c.fail(err)
			return
		}
	}
	if c.handlers.OnHeader != nil {
		if verr := c.handlers.OnHeader(in); verr != nil {
			c.fail(verr)
			return
		}
	}

	c.setState(StateWritingHeader)
	if _, err := conn.Write(EncodeHeader(outHeader)); err != nil {
		c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "writing header"))
		return
	}

	for {
		c.setState(StateReadingSize)
		lenBuf, err := c.readExact(conn, 4)
		if err != nil {
			if err == io.EOF {
				c.closeConn(nil)
				return
			}
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "reading service request length"))
			return
		}
		n, err := FrameLen(lenBuf)
		if err != nil {
			c.fail(err)
			return
		}
		c.setState(StateReadingPayload)
		req, err := c.readExact(conn, n)
		if err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "reading service request payload"))
			return
		}

		ok, resp := handle(req)
		c.setState(StateWritingPayload)
		if _, err := conn.Write(EncodeServiceResponse(ok, resp)); err != nil {
			c.fail(errs.Wrap(errs.TransportIO, "peerdata", err, "writing service response"))
			return
		}
		if !c.Persistent {
			c.closeConn(nil)
			return
		}
	}
}

// headerExchange performs the WRITING_HEADER→READING_HEADER sequence used by
// the subscriber and service-caller sides (the dialing side writes first).
func (c *Channel) headerExchange(outHeader map[string]string, writeFirst bool) error {
	conn := c.currentConn()
	c.setState(StateWritingHeader)
	if _, err := conn.Write(EncodeHeader(outHeader)); err != nil {
		return errs.Wrap(errs.TransportIO, "peerdata", err, "writing header")
	}
	c.setState(StateReadingHeader)
	in, err := readHeaderUsing(c.buf, conn)
	if err != nil {
		return err
	}
	if c.handlers.OnHeader != nil {
		if verr := c.handlers.OnHeader(in); verr != nil {
			return verr
		}
	}
	return nil
}

// ReadHeader reads one complete header block directly off conn, without any
// Channel bookkeeping. The peer data acceptor uses this to learn a new
// connection's topic/service name before it knows which local slot (and
// therefore which Role) the connection belongs to; the result is then
// passed back into RunPublisher/RunServiceProvider as inHeader so the wire
// bytes are not read twice.
func ReadHeader(conn net.Conn) (map[string]string, error) {
	return readHeaderUsing(bytebuffer.New(readBufCapacityHint), conn)
}

// readHeaderUsing reads one length-prefixed header block off conn through
// buf. readExactFrom never reads past what it is asked for, so handing conn
// off to a fresh reader afterwards (as the accept-side header peek does,
// before a Channel even exists) never drops buffered bytes.
func readHeaderUsing(buf *bytebuffer.Buffer, conn net.Conn) (map[string]string, error) {
	lenBuf, err := readExactFrom(buf, conn, 4)
	if err != nil {
		return nil, errs.Wrap(errs.TransportIO, "peerdata", err, "reading header length")
	}
	n, err := HeaderTotalLen(lenBuf)
	if err != nil {
		return nil, err
	}
	body, err := readExactFrom(buf, conn, n)
	if err != nil {
		return nil, errs.Wrap(errs.TransportIO, "peerdata", err, "reading header body")
	}
	return DecodeHeader(body)
}

func (c *Channel) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) fail(err error) {
	c.log.Warn("peerdata: channel failed", zap.String("topic", c.Topic), zap.Error(err))
	c.closeConn(err)
}

// LastError returns the error that caused the channel to close, or nil for
// a clean, requested close. Valid once RunSubscriber/RunPublisher/
// RunServiceCaller/RunServiceProvider has returned on the goroutine that
// called it.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Channel) closeConn(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.setState(StateClosed)
		c.Out.Close()
		close(c.closed)
		if conn := c.currentConn(); conn != nil {
			_ = conn.Close()
		}
		if c.handlers.OnClosed != nil {
			c.bus.Post(func() { c.handlers.OnClosed(err) })
		}
	})
}

// Close requests an orderly shutdown of the channel from outside its own
// goroutine (e.g. on Unregister); safe to call multiple times.
func (c *Channel) Close() {
	c.closeConn(nil)
}
