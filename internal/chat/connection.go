package chat

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/amritsingh183/chat-server/internal/protocol"
	"github.com/amritsingh183/chat-server/internal/telemetry"
)

// connState tags the per-connection state machine. Transitions are strictly
// forward: Unauthenticated -> Joined -> Disconnected, never back.
type connState int

const (
	stateUnauthenticated connState = iota
	stateJoined
	stateDisconnected
)

const (
	// ReadTimeout bounds how long a connection task waits for a line.
	ReadTimeout = 30 * time.Second
	// tooLongReason is the wire text for an oversized line.
	tooLongReason = "message too long"
)

// lineResult is what the reader goroutine bridges onto an unbuffered
// channel: line on success, err on failure. A partial final line read before
// EOF arrives with both set; the state machine treats it as a close.
type lineResult struct {
	line []byte
	err  error
}

// Connection drives one accepted socket through its state machine. It owns
// no synchronous blocking call itself: the one blocking read runs on a
// dedicated reader goroutine bridged in via lines.
type Connection struct {
	conn   net.Conn
	remote string
	reader *bufio.Reader

	broker           *Broker
	registry         *Registry
	rateLimiter      *RateLimiter
	outboundCapacity int
	log              telemetry.Logger

	shutdown <-chan struct{}

	state    connState
	user     *User
	outbound chan []byte

	lines      chan lineResult
	stopReader chan struct{}
}

// NewConnection wraps an accepted socket. shutdown is the process-wide
// cooperative cancellation signal, closed once at server shutdown.
// outboundCapacity sizes this connection's per-user outbound queue once it
// joins (DefaultOutboundCapacity via NewOutboundQueue if <= 0).
func NewConnection(conn net.Conn, broker *Broker, registry *Registry, log telemetry.Logger, rateLimit, rateBurst, outboundCapacity int, shutdown <-chan struct{}) *Connection {
	if log == nil {
		log = telemetry.NewNop()
	}
	c := &Connection{
		conn:             conn,
		remote:           conn.RemoteAddr().String(),
		reader:           bufio.NewReaderSize(conn, protocol.MaxLineLength),
		broker:           broker,
		registry:         registry,
		rateLimiter:      NewRateLimiter(rateLimit, rateBurst),
		outboundCapacity: outboundCapacity,
		log:              log.With("connection"),
		shutdown:         shutdown,
		state:            stateUnauthenticated,
		lines:            make(chan lineResult),
		stopReader:       make(chan struct{}),
	}
	return c
}

// logKV prefixes every log call with the connection's remote address and,
// once known, its username — never the raw unvalidated JOIN candidate.
func (c *Connection) logKV(kv ...any) []any {
	base := []any{"remote", c.remote}
	if c.user != nil {
		base = append(base, "username", c.user.Username.String())
	}
	return append(base, kv...)
}

// Run drives the connection to completion. It never returns until the
// connection has fully torn down (socket closed, user unregistered if ever
// registered, outbound queue abandoned).
func (c *Connection) Run() {
	defer c.conn.Close()
	c.log.Info("connection accepted", c.logKV()...)

	go c.readLoop()
	defer close(c.stopReader)

	for {
		switch c.state {
		case stateUnauthenticated:
			if !c.tickUnauthenticated() {
				c.teardown()
				return
			}
		case stateJoined:
			if !c.tickJoined() {
				c.teardown()
				return
			}
		case stateDisconnected:
			return
		}
	}
}

// readLoop is the dedicated goroutine bridging the blocking capped-length
// line read onto a channel the state machine can select over. It exits when
// stopReader is closed, so an abandoned send never leaks the goroutine. An
// oversized line or a read timeout is reported and reading continues; any
// other error ends the loop.
func (c *Connection) readLoop() {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		line, err := readLineCapped(c.reader)
		select {
		case c.lines <- lineResult{line: line, err: err}:
		case <-c.stopReader:
			return
		}
		if err != nil {
			var netErr net.Error
			if errors.Is(err, errLineTooLong) || (errors.As(err, &netErr) && netErr.Timeout()) {
				continue
			}
			return
		}
	}
}

// readLineCapped reads one line up to protocol.MaxLineLength bytes
// (including the terminator). A line longer than that is reported as
// errLineTooLong after draining the remainder so the stream stays framed.
func readLineCapped(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		drainRemainder(r)
		return nil, errLineTooLong
	}
	if err != nil {
		if len(line) == 0 {
			return nil, err
		}
		// Partial final line before EOF: hand it back alongside the error.
	}
	out := make([]byte, len(line))
	copy(out, line)
	return out, err
}

// drainRemainder discards bytes up to and including the next '\n', or until
// the connection errors, so an oversized line does not desynchronize framing
// for the next read.
func drainRemainder(r *bufio.Reader) {
	for {
		_, err := r.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}

var errLineTooLong = errors.New("line exceeds maximum length")

// waitNext realizes the priority order of shutdown > outbound queue (Joined
// only) > socket line, via nested non-blocking-then-blocking selects: the
// higher-priority cases are polled non-blocking first, and only if none is
// ready does the select block across all of them together.
type waitOutcome int

const (
	waitShutdown waitOutcome = iota
	waitOutboundReady
	waitLineReady
)

func (c *Connection) waitNext() (waitOutcome, []byte, lineResult) {
	// Checked alone, strictly before outbound: two sequential non-blocking
	// selects rather than one combined select, so a ready outbound message
	// can never win the pseudo-random tie-break over a pending shutdown.
	select {
	case <-c.shutdown:
		return waitShutdown, nil, lineResult{}
	default:
	}

	if c.state == stateJoined {
		select {
		case payload := <-c.outbound:
			return waitOutboundReady, payload, lineResult{}
		default:
		}
	}

	if c.state == stateJoined {
		select {
		case <-c.shutdown:
			return waitShutdown, nil, lineResult{}
		case payload := <-c.outbound:
			return waitOutboundReady, payload, lineResult{}
		case res := <-c.lines:
			return waitLineReady, nil, res
		}
	}
	select {
	case <-c.shutdown:
		return waitShutdown, nil, lineResult{}
	case res := <-c.lines:
		return waitLineReady, nil, res
	}
}

// tickUnauthenticated processes exactly one event; false means the
// connection must terminate (its caller still runs teardown).
func (c *Connection) tickUnauthenticated() bool {
	outcome, _, res := c.waitNext()
	switch outcome {
	case waitShutdown:
		return false
	case waitLineReady:
		return c.handleUnauthenticatedLine(res)
	}
	return true
}

func (c *Connection) handleUnauthenticatedLine(res lineResult) bool {
	if res.err != nil {
		if errors.Is(res.err, errLineTooLong) {
			c.writeLine(protocol.Encode(protocol.NewErr(tooLongReason)))
			return true
		}
		if errors.Is(res.err, io.EOF) {
			return false
		}
		var netErr net.Error
		if errors.As(res.err, &netErr) && netErr.Timeout() {
			c.log.Info("read timeout while unauthenticated, closing", c.logKV()...)
			return false
		}
		c.log.Warn("socket read error", c.logKV("error", res.err.Error())...)
		return false
	}

	msg, err := protocol.Decode(trimNewline(res.line))
	if err != nil {
		c.writeLine(protocol.Encode(protocol.NewErr(err.Error())))
		return true
	}

	switch msg.Command {
	case protocol.CmdJoin:
		return c.handleJoin(msg.Username)
	default:
		c.writeLine(protocol.Encode(protocol.NewErr("must join first")))
		return true
	}
}

func (c *Connection) handleJoin(candidate string) bool {
	username, err := NewUsername(candidate)
	if err != nil {
		c.writeLine(protocol.Encode(protocol.NewErr(err.Error())))
		return true
	}

	outboundCh, outbound := NewOutboundQueue(c.outboundCapacity)
	user, err := c.registry.Register(username, outbound)
	if err != nil {
		c.writeLine(protocol.Encode(protocol.NewErr(registerErrReason(username, err))))
		return true
	}

	c.user = user
	c.outbound = outboundCh
	c.state = stateJoined

	c.writeLine(protocol.Encode(protocol.NewOK()))
	if err := c.broker.Forward(protocol.Encode(protocol.NewJoined(username.String()))); err != nil {
		c.log.Warn("failed to publish JOINED", c.logKV("error", err.Error())...)
	}
	c.log.Info("joined", c.logKV()...)
	return true
}

func registerErrReason(username Username, err error) string {
	if errors.Is(err, ErrUsernameTaken) {
		return "username '" + username.String() + "' is already taken"
	}
	return err.Error()
}

// tickJoined processes exactly one event; false means terminate (teardown
// still runs in the caller).
func (c *Connection) tickJoined() bool {
	outcome, payload, res := c.waitNext()
	switch outcome {
	case waitShutdown:
		return false
	case waitOutboundReady:
		c.writeLine(payload)
		return true
	case waitLineReady:
		return c.handleJoinedLine(res)
	}
	return true
}

func (c *Connection) handleJoinedLine(res lineResult) bool {
	if res.err != nil {
		if errors.Is(res.err, errLineTooLong) {
			c.writeLine(protocol.Encode(protocol.NewErr(tooLongReason)))
			return true
		}
		if errors.Is(res.err, io.EOF) {
			return false
		}
		var netErr net.Error
		if errors.As(res.err, &netErr) && netErr.Timeout() {
			return true // Non-fatal in Joined: just loop again.
		}
		c.log.Warn("socket read error", c.logKV("error", res.err.Error())...)
		return false
	}

	msg, err := protocol.Decode(trimNewline(res.line))
	if err != nil {
		c.writeLine(protocol.Encode(protocol.NewErr(err.Error())))
		return true
	}

	switch msg.Command {
	case protocol.CmdSend:
		return c.handleSend(msg.Text)
	case protocol.CmdLeave:
		return false
	case protocol.CmdJoin:
		c.writeLine(protocol.Encode(protocol.NewErr("already joined")))
		return true
	default:
		c.writeLine(protocol.Encode(protocol.NewErr("unknown command")))
		return true
	}
}

func (c *Connection) handleSend(text string) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := c.rateLimiter.Acquire(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			select {
			case <-c.shutdown:
				return false
			default:
			}
		}
		c.writeLine(protocol.Encode(protocol.NewErr("rate limit wait canceled")))
		return true
	}

	payload := protocol.Encode(protocol.NewBroadcast(c.user.Username.String(), text))
	if err := c.broker.Forward(payload); err != nil {
		c.writeLine(protocol.Encode(protocol.NewErr(err.Error())))
	}
	return true
}

// teardown runs exactly once per connection, regardless of which state it
// terminated from. If the connection was ever registered, it unregisters,
// drains any remaining outbound broadcasts to the socket (best-effort), and
// publishes LEFT only once unregister confirms removal — guaranteeing no
// further delivery reaches a connection that is about to close.
func (c *Connection) teardown() {
	c.state = stateDisconnected
	if c.user == nil {
		c.log.Info("connection closed", c.logKV()...)
		return
	}

	removed, err := c.registry.Unregister(c.user)
	if err != nil {
		c.log.Warn("unregister failed during teardown", c.logKV("error", err.Error())...)
	}

	c.drainOutbound()

	if removed {
		payload := protocol.Encode(protocol.NewLeft(c.user.Username.String()))
		if err := c.broker.Forward(payload); err != nil {
			c.log.Warn("failed to publish LEFT", c.logKV("error", err.Error())...)
		}
	}
	c.log.Info("left", c.logKV()...)
}

// drainOutbound flushes whatever broadcasts were already queued for this
// user before it fully disconnects, best-effort: a write failure here just
// ends the drain early since the socket is going away regardless.
func (c *Connection) drainOutbound() {
	if c.outbound == nil {
		return
	}
	for {
		select {
		case payload := <-c.outbound:
			c.writeLine(payload)
		default:
			return
		}
	}
}

// writeLine appends the line terminator and flushes before the caller
// resumes waiting — a write is never left partially buffered.
func (c *Connection) writeLine(payload []byte) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(ReadTimeout))
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	if _, err := c.conn.Write(buf); err != nil {
		c.log.Warn("write failed", c.logKV("error", err.Error())...)
	}
}

func trimNewline(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}
