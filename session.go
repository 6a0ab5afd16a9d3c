// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Session is one client session against a SPICE server: a target, a
// credential and the set of channels joined under them. All methods are safe
// for concurrent use.
type Session struct {
	id      uuid.UUID
	address string
	config  *ClientConfig
	logger  Logger
	cred    *credential
	connID  atomic.Uint32

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	ended    bool
	channels map[ChannelKey]*channelEntry
}

type channelEntry struct {
	conn   *ChannelConn
	cancel context.CancelFunc
}

// NewSession validates the target and credential and returns a session with
// no channels. The credential is copied; the caller may clear its slice.
//
// Example:
//
//	session, err := spice.NewSession("localhost", 5900, []byte("secret"),
//		spice.WithTimeout(5*time.Second))
func NewSession(host string, port int, secret []byte, opts ...ClientOption) (*Session, error) {
	validator := newInputValidator()
	if err := validator.ValidateTarget(host, port); err != nil {
		return nil, err
	}
	if err := validator.ValidateCredential(secret); err != nil {
		return nil, err
	}

	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		id:       id,
		address:  targetAddress(host, port),
		config:   cfg,
		logger:   cfg.Logger.With(Field{Key: "session", Value: id}),
		cred:     newCredential(secret),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[ChannelKey]*channelEntry),
	}
	s.connID.Store(cfg.ConnectionID)
	s.logger.Info("Session created", Field{Key: "address", Value: s.address})
	return s, nil
}

// ID returns the client-side session identifier used in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Address returns the host:port target.
func (s *Session) Address() string { return s.address }

// ConnectionID returns the connection id sent in new link requests.
func (s *Session) ConnectionID() uint32 { return s.connID.Load() }

// SetConnectionID sets the connection id for subsequent joins, normally the
// session id the server assigned on the main channel.
func (s *Session) SetConnectionID(id uint32) {
	s.connID.Store(id)
	s.logger.Debug("Connection id set", Field{Key: "connection_id", Value: id})
}

// JoinChannel links the channel identified by key and records it in the
// session. A key that is already joined or still linking fails with
// ErrAlreadyJoined; a failed join leaves the key free.
func (s *Session) JoinChannel(ctx context.Context, key ChannelKey) (*ChannelConn, error) {
	const op = "Session.JoinChannel"
	if err := newInputValidator().ValidateChannelKey(key); err != nil {
		return nil, withChannel(err, key)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, withChannel(sessionError(op, "session has ended", ErrSessionEnded), key)
	}
	if _, exists := s.channels[key]; exists {
		s.mu.Unlock()
		return nil, withChannel(sessionError(op, "channel already joined", ErrAlreadyJoined), key)
	}
	linkCtx, cancel := context.WithCancel(ctx)
	entry := &channelEntry{
		conn:   newChannelConn(key, s.address, s.config, s.cred, s.connID.Load(), s.logger),
		cancel: cancel,
	}
	s.channels[key] = entry
	s.mu.Unlock()

	stopSession := context.AfterFunc(s.ctx, cancel)
	err := entry.conn.link(linkCtx)
	stopSession()
	cancel()

	if err != nil {
		s.mu.Lock()
		if s.channels[key] == entry {
			delete(s.channels, key)
		}
		s.mu.Unlock()
		return nil, err
	}
	return entry.conn, nil
}

// LeaveChannel closes the channel and removes it from the session. Leaving a
// channel that is still linking aborts the link.
func (s *Session) LeaveChannel(key ChannelKey) error {
	s.mu.Lock()
	entry, exists := s.channels[key]
	if !exists {
		s.mu.Unlock()
		return withChannel(sessionError("Session.LeaveChannel", "channel not joined", ErrNotJoined), key)
	}
	delete(s.channels, key)
	s.mu.Unlock()

	entry.cancel()
	s.logger.Debug("Leaving channel", Field{Key: "channel", Value: key})
	return entry.conn.Close()
}

// EndSession closes every channel, including those still linking, and
// releases the credential. Close failures are joined into the returned
// error. Ending an ended session is a no-op.
func (s *Session) EndSession() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	entries := make([]*channelEntry, 0, len(s.channels))
	for _, entry := range s.channels {
		entries = append(entries, entry)
	}
	clear(s.channels)
	s.mu.Unlock()

	s.cancel(ErrSessionEnded)

	var errs []error
	for _, entry := range entries {
		if err := entry.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cred.release()

	s.logger.Info("Session ended",
		Field{Key: "channels", Value: len(entries)},
		Field{Key: "close_errors", Value: len(errs)})
	return oops.Join(errs...)
}

// Channel returns the joined channel for key.
func (s *Session) Channel(key ChannelKey) (*ChannelConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.channels[key]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Channels returns the keys of joined and linking channels, ordered by type
// and id.
func (s *Session) Channels() []ChannelKey {
	s.mu.Lock()
	keys := make([]ChannelKey, 0, len(s.channels))
	for key := range s.channels {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	slices.SortFunc(keys, func(a, b ChannelKey) int {
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return keys
}

// JoinResult reports the outcome of one join in JoinChannels.
type JoinResult struct {
	Key  ChannelKey
	Conn *ChannelConn
	Err  error
}

// JoinChannels joins keys concurrently, at most limit at a time (no limit
// when limit <= 0). One failure does not abort the others. Results are in
// the order of keys; the error joins every failure.
func (s *Session) JoinChannels(ctx context.Context, keys []ChannelKey, limit int) ([]JoinResult, error) {
	results := make([]JoinResult, len(keys))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, key := range keys {
		g.Go(func() error {
			conn, err := s.JoinChannel(ctx, key)
			results[i] = JoinResult{Key: key, Conn: conn, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) > 0 {
		s.logger.Warn("Some channels failed to join",
			Field{Key: "failed", Value: len(errs)},
			Field{Key: "requested", Value: len(keys)})
	}
	return results, oops.Join(errs...)
}

// RetryPolicy paces JoinChannelWithRetry.
type RetryPolicy struct {
	// Attempts is the total number of joins tried, at least 1.
	Attempts int
	// Interval is the minimum spacing between attempts.
	Interval time.Duration
}

// DefaultRetryPolicy tries three times, one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Interval: time.Second}
}

// JoinChannelWithRetry repeats JoinChannel while it fails with a retryable
// error (transport failure or timeout). Link, protocol and crypto failures
// are returned immediately.
func (s *Session) JoinChannelWithRetry(ctx context.Context, key ChannelKey, policy RetryPolicy) (*ChannelConn, error) {
	attempts := max(policy.Attempts, 1)
	limiter := rate.NewLimiter(rate.Every(policy.Interval), 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, withChannel(networkError("Session.JoinChannelWithRetry",
				fmt.Sprintf("retry aborted after %d attempts", attempt-1), oops.Join(err, lastErr)), key)
		}
		conn, err := s.JoinChannel(ctx, key)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		s.logger.Warn("Channel join failed, retrying",
			Field{Key: "channel", Value: key},
			Field{Key: "attempt", Value: attempt},
			Field{Key: "error", Value: err})
	}
	return nil, lastErr
}
