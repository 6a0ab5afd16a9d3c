// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// State is the lifecycle state of one channel connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRequestSent
	StateAwaitingReply
	StateAuthenticating
	StateLinked
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateRequestSent:    "request-sent",
	StateAwaitingReply:  "awaiting-reply",
	StateAuthenticating: "authenticating",
	StateLinked:         "linked",
	StateFailed:         "failed",
	StateClosed:         "closed",
}

// String returns the state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// StateChange describes one transition. Err is set on transitions to
// StateFailed.
type StateChange struct {
	Channel ChannelKey
	From    State
	To      State
	Err     error
}

// StateObserver receives channel state changes.
type StateObserver func(StateChange)

// Message is one framed message read from a linked channel.
type Message struct {
	Header  DataHeader
	Payload []byte
}

// ChannelConn is one channel of a session. It links itself over its own
// transport connection and, once linked, carries framed messages for that
// channel.
type ChannelConn struct {
	key     ChannelKey
	address string
	config  *ClientConfig
	logger  Logger
	cred    *credential
	connID  uint32

	localCommon  Capabilities
	localChannel Capabilities

	mu     sync.Mutex
	state  State
	err    error
	conn   net.Conn
	reply  *LinkReply
	layout HeaderLayout

	readMu  sync.Mutex
	writeMu sync.Mutex
	serial  uint64
}

func newChannelConn(key ChannelKey, address string, cfg *ClientConfig, cred *credential, connID uint32, logger Logger) *ChannelConn {
	return &ChannelConn{
		key:          key,
		address:      address,
		config:       cfg,
		logger:       logger.With(Field{Key: "channel", Value: key}),
		cred:         cred,
		connID:       connID,
		localCommon:  BuildCommonCapabilities(cfg.Capabilities.Common),
		localChannel: BuildChannelCapabilities(key.Type, cfg.Capabilities),
		state:        StateDisconnected,
	}
}

// Key returns the channel key.
func (c *ChannelConn) Key() ChannelKey { return c.key }

// State returns the current state.
func (c *ChannelConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure that moved the channel to StateFailed.
func (c *ChannelConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Reply returns the server's link reply, nil before one was accepted.
func (c *ChannelConn) Reply() *LinkReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply
}

// HeaderLayout returns the data header layout resolved at link time.
func (c *ChannelConn) HeaderLayout() HeaderLayout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layout
}

// RemoteAddr returns the server address of the transport, nil when there is
// none.
func (c *ChannelConn) RemoteAddr() net.Addr {
	if conn := c.transport(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

func (c *ChannelConn) transport() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// transition moves the channel to next unless it already reached a terminal
// state. It reports whether the move happened.
func (c *ChannelConn) transition(next State, cause error) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = next
	if next == StateFailed {
		c.err = cause
	}
	c.mu.Unlock()

	c.logger.Debug("Channel state changed",
		Field{Key: "from", Value: from},
		Field{Key: "to", Value: next})
	if observer := c.config.StateObserver; observer != nil {
		observer(StateChange{Channel: c.key, From: from, To: next, Err: cause})
	}
	return true
}

// fail records err, moves the channel to StateFailed and releases the
// transport. A channel that was closed meanwhile stays closed.
func (c *ChannelConn) fail(err error) error {
	err = withChannel(err, c.key)
	if c.transition(StateFailed, err) {
		c.logger.Error("Channel link failed", Field{Key: "error", Value: err})
	}
	c.closeTransport()
	return err
}

func (c *ChannelConn) closeTransport() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// link runs the handshake to StateLinked or a terminal state. Cancelling ctx
// closes the channel; an expired ctx deadline fails it with a timeout.
func (c *ChannelConn) link(ctx context.Context) error {
	if !c.transition(StateConnecting, nil) {
		return withChannel(sessionError("link", "channel already closed", ErrClosed), c.key)
	}
	c.logger.Info("Linking channel", Field{Key: "address", Value: c.address})

	stop := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.closeTransport()
			return
		}
		_ = c.Close()
	})
	defer stop()

	if err := c.connect(ctx); err != nil {
		return c.fail(err)
	}

	req := LinkRequest{
		Major:        VersionMajor,
		Minor:        VersionMinor,
		ConnectionID: c.connID,
		ChannelType:  c.key.Type,
		ChannelID:    c.key.ID,
		CommonCaps:   c.localCommon,
		ChannelCaps:  c.localChannel,
	}
	c.logger.Debug("Sending link request",
		Field{Key: "connection_id", Value: req.ConnectionID},
		Field{Key: "common_caps", Value: req.CommonCaps},
		Field{Key: "channel_caps", Value: req.ChannelCaps})
	if _, err := c.writeWithContext(ctx, EncodeLinkRequest(req)); err != nil {
		return c.fail(c.ioFailure(ctx, "link", "failed to send link request", err))
	}
	c.transition(StateRequestSent, nil)
	c.transition(StateAwaitingReply, nil)

	reply, err := c.readLinkReply(ctx)
	if err != nil {
		return c.fail(err)
	}
	if reply.Error != LinkErrOK {
		c.logger.Warn("Server rejected link", Field{Key: "code", Value: reply.Error})
		return c.fail(linkError("link", reply.Error))
	}
	if err := newInputValidator().ValidateReplyVersion(&reply); err != nil {
		return c.fail(err)
	}

	layout := c.resolveLayout(reply.CommonCaps)
	c.mu.Lock()
	c.reply = &reply
	c.layout = layout
	c.mu.Unlock()

	if len(reply.PublicKey) > 0 {
		if err := c.authenticate(ctx, &reply); err != nil {
			return c.fail(err)
		}
	}

	if conn := c.transport(); conn != nil {
		_ = conn.SetDeadline(time.Time{})
	}
	if !c.transition(StateLinked, nil) {
		return withChannel(networkError("link", "link cancelled", context.Cause(ctx)), c.key)
	}
	c.logger.Info("Channel linked",
		Field{Key: "server_version", Value: fmt.Sprintf("%d.%d", reply.Major, reply.Minor)},
		Field{Key: "header_layout", Value: layout})
	return nil
}

func (c *ChannelConn) connect(ctx context.Context) error {
	dialCtx := ctx
	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.config.Dialer.DialContext(dialCtx, "tcp", c.address)
	if err != nil {
		return c.ioFailure(dialCtx, "connect", "failed to connect to "+c.address, err)
	}

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		_ = conn.Close()
		return networkError("connect", "link cancelled", context.Cause(ctx))
	}
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *ChannelConn) readLinkReply(ctx context.Context) (LinkReply, error) {
	const op = "readLinkReply"
	msg := make([]byte, LinkHeaderSize)
	if _, err := c.readWithContext(ctx, msg); err != nil {
		return LinkReply{}, c.ioFailure(ctx, op, "failed to read link header", err)
	}
	h, err := DecodeLinkHeader(msg)
	if err != nil {
		return LinkReply{}, err
	}

	msg = append(msg, make([]byte, h.Size)...)
	if _, err := c.readWithContext(ctx, msg[LinkHeaderSize:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return LinkReply{}, protocolError(op,
				fmt.Sprintf("connection closed inside %d-byte link body", h.Size), ErrTruncated)
		}
		return LinkReply{}, c.ioFailure(ctx, op, "failed to read link body", err)
	}
	reply, err := DecodeLinkReply(msg)
	if err != nil {
		return LinkReply{}, err
	}
	c.logger.Debug("Received link reply",
		Field{Key: "code", Value: reply.Error},
		Field{Key: "common_caps", Value: reply.CommonCaps},
		Field{Key: "channel_caps", Value: reply.ChannelCaps},
		Field{Key: "key_bytes", Value: len(reply.PublicKey)})
	return reply, nil
}

func (c *ChannelConn) resolveLayout(serverCommon Capabilities) HeaderLayout {
	if c.config.HeaderLayout != HeaderAuto {
		return c.config.HeaderLayout
	}
	if Negotiated(c.localCommon, serverCommon, CapMiniHeader) {
		return HeaderNoSerial
	}
	return HeaderFull
}

// authenticate sends the optional mechanism selection and the encrypted
// ticket, then waits for the server's link result.
func (c *ChannelConn) authenticate(ctx context.Context, reply *LinkReply) error {
	const op = "authenticate"
	c.transition(StateAuthenticating, nil)

	registry := c.config.AuthRegistry
	selection := Negotiated(c.localCommon, reply.CommonCaps, CapProtocolAuthSelection)

	var auth ClientAuth
	var err error
	if selection {
		auth, err = registry.NegotiateAuth(reply.CommonCaps)
	} else {
		auth, err = registry.CreateAuth(AuthMechanismSpice)
	}
	if err != nil {
		return err
	}
	if l, ok := auth.(interface{ SetLogger(Logger) }); ok {
		l.SetLogger(c.logger)
	}

	var ticket []byte
	err = c.cred.use(func(secret []byte) error {
		var err error
		ticket, err = auth.Ticket(reply, secret)
		return err
	})
	if err != nil {
		return err
	}

	msg := make([]byte, 0, 4+len(ticket))
	if selection {
		msg = binary.LittleEndian.AppendUint32(msg, auth.Mechanism())
	}
	msg = append(msg, ticket...)
	c.logger.Debug("Sending authentication",
		Field{Key: "method", Value: auth.String()},
		Field{Key: "auth_selection", Value: selection})
	if _, err := c.writeWithContext(ctx, msg); err != nil {
		return c.ioFailure(ctx, op, "failed to send ticket", err)
	}

	var result [4]byte
	if _, err := c.readWithContext(ctx, result[:]); err != nil {
		return c.ioFailure(ctx, op, "failed to read authentication result", err)
	}
	if code := LinkErrorCode(binary.LittleEndian.Uint32(result[:])); code != LinkErrOK {
		c.logger.Warn("Server rejected ticket", Field{Key: "code", Value: code})
		return linkError(op, code)
	}
	return nil
}

// deadlineFor returns the earlier of now+timeout and the ctx deadline.
func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// readWithContext fills buf and reports how many bytes it consumed. The ctx
// check follows the deadline update so a concurrent cancellation that pulled
// the deadline forward is never overwritten unnoticed.
func (c *ChannelConn) readWithContext(ctx context.Context, buf []byte) (int, error) {
	conn := c.transport()
	if conn == nil {
		return 0, net.ErrClosed
	}
	if err := conn.SetReadDeadline(deadlineFor(ctx, c.config.ReadTimeout)); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return io.ReadFull(conn, buf)
}

func (c *ChannelConn) writeWithContext(ctx context.Context, data []byte) (int, error) {
	conn := c.transport()
	if conn == nil {
		return 0, net.ErrClosed
	}
	if err := conn.SetWriteDeadline(deadlineFor(ctx, c.config.WriteTimeout)); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return conn.Write(data)
}

// ioFailure classifies a transport error. Expired deadlines become timeouts;
// everything else is a network failure.
func (c *ChannelConn) ioFailure(ctx context.Context, op, message string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return timeoutError(op, message, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return networkError(op, "link cancelled", context.Cause(ctx))
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return networkError(op, message+": connection closed by server", err)
	default:
		return networkError(op, message, err)
	}
}

// linkedConn returns the transport if the channel is linked.
func (c *ChannelConn) linkedConn(op string) (net.Conn, HeaderLayout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLinked || c.conn == nil {
		return nil, 0, withChannel(networkError(op, "channel is "+c.state.String(), ErrClosed), c.key)
	}
	return c.conn, c.layout, nil
}

// lost closes a linked channel whose transport or stream position is gone.
func (c *ChannelConn) lost(err error) error {
	err = withChannel(err, c.key)
	if c.transition(StateClosed, nil) {
		c.logger.Warn("Channel transport lost", Field{Key: "error", Value: err})
		c.closeTransport()
	}
	return err
}

// interrupted classifies a frame transfer that stopped after n bytes. A
// timeout or cancellation before the first byte leaves the channel linked;
// anything else leaves the stream mid-frame and closes the channel.
func (c *ChannelConn) interrupted(ctx context.Context, op, message string, n int, err error) error {
	var failure error
	if errors.Is(ctx.Err(), context.Canceled) && (errors.Is(err, context.Canceled) || isTimeout(err)) {
		failure = sessionError(op, message+": cancelled", context.Cause(ctx))
	} else {
		failure = c.ioFailure(ctx, op, message, err)
	}
	if n == 0 && !IsSpiceError(failure, ErrNetwork) {
		return withChannel(failure, c.key)
	}
	return c.lost(failure)
}

// interruptOn pulls a pending deadline forward to now when ctx is cancelled.
// The returned func unregisters it and waits for an interruption already in
// flight, so it cannot land on a later call's deadline.
func interruptOn(ctx context.Context, setDeadline func(time.Time) error) func() {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Now())
		close(done)
	})
	return func() {
		if !stop() {
			<-done
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ReadMessage reads one framed message using the negotiated header layout.
// Cancelling ctx interrupts a pending read. A timeout or cancellation before
// any byte of the frame arrived leaves the channel linked; every other
// failure closes it.
func (c *ChannelConn) ReadMessage(ctx context.Context) (*Message, error) {
	const op = "ReadMessage"
	conn, _, err := c.linkedConn(op)
	if err != nil {
		return nil, err
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	layout := c.HeaderLayout()

	defer interruptOn(ctx, conn.SetReadDeadline)()

	hdr := make([]byte, layout.Size())
	if n, err := c.readWithContext(ctx, hdr); err != nil {
		return nil, c.interrupted(ctx, op, "failed to read data header", n, err)
	}
	h, err := DecodeDataHeader(hdr, layout)
	if err != nil {
		return nil, c.lost(err)
	}
	if err := newInputValidator().ValidateMessageSize(h.Size, c.config.MaxMessageSize); err != nil {
		return nil, c.lost(err)
	}

	payload := make([]byte, h.Size)
	if h.Size > 0 {
		if n, err := c.readWithContext(ctx, payload); err != nil {
			return nil, c.interrupted(ctx, op, "failed to read message payload", len(hdr)+n, err)
		}
	}
	return &Message{Header: h, Payload: payload}, nil
}

// WriteMessage frames payload with a data header and sends it. Under the full
// layout each message gets the next serial, starting at 1. Cancelling ctx
// interrupts a pending write; a partially written frame closes the channel.
func (c *ChannelConn) WriteMessage(ctx context.Context, msgType uint16, payload []byte) error {
	const op = "WriteMessage"
	conn, layout, err := c.linkedConn(op)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(c.config.MaxMessageSize) {
		return withChannel(validationError(op,
			fmt.Sprintf("payload of %d bytes exceeds %d", len(payload), c.config.MaxMessageSize), nil), c.key)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	defer interruptOn(ctx, conn.SetWriteDeadline)()

	h := DataHeader{Serial: c.serial + 1, Type: msgType, Size: uint32(len(payload))} // #nosec G115 - bounded by MaxMessageSize
	msg := append(EncodeDataHeader(h, layout), payload...)
	if n, err := c.writeWithContext(ctx, msg); err != nil {
		return c.interrupted(ctx, op, "failed to write message", n, err)
	}
	c.serial++
	return nil
}

// Read reads raw bytes from a linked channel. It is unframed and bounded only
// by the read timeout.
func (c *ChannelConn) Read(p []byte) (int, error) {
	conn, _, err := c.linkedConn("Read")
	if err != nil {
		return 0, err
	}
	if c.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
	return conn.Read(p)
}

// Write writes raw bytes to a linked channel.
func (c *ChannelConn) Write(p []byte) (int, error) {
	conn, _, err := c.linkedConn("Write")
	if err != nil {
		return 0, err
	}
	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return conn.Write(p)
}

// Close moves the channel to StateClosed and releases its transport. Closing
// a closed or failed channel is a no-op.
func (c *ChannelConn) Close() error {
	if !c.transition(StateClosed, nil) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return withChannel(networkError("Close", "failed to close transport", err), c.key)
	}
	c.logger.Debug("Channel closed")
	return nil
}
