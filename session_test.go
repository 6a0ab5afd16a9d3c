// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionValidation(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		port    int
		secret  []byte
		opts    []ClientOption
		wantErr bool
	}{
		{name: "valid", host: "localhost", port: 5900, secret: []byte("pw")},
		{name: "empty credential", host: "::1", port: 5900},
		{name: "empty host", host: "", port: 5900, wantErr: true},
		{name: "port zero", host: "localhost", port: 0, wantErr: true},
		{name: "port too large", host: "localhost", port: 70000, wantErr: true},
		{name: "credential too long", host: "localhost", port: 5900, secret: make([]byte, MaxCredentialLength+1), wantErr: true},
		{name: "negative timeout", host: "localhost", port: 5900, opts: []ClientOption{WithReadTimeout(-time.Second)}, wantErr: true},
		{name: "unbounded write", host: "localhost", port: 5900, opts: []ClientOption{WithWriteTimeout(0)}, wantErr: true},
		{name: "nil dialer", host: "localhost", port: 5900, opts: []ClientOption{WithDialer(nil)}, wantErr: true},
		{name: "zero max message", host: "localhost", port: 5900, opts: []ClientOption{WithMaxMessageSize(0)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSession(tt.host, tt.port, tt.secret, tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrConfiguration, GetErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, s.ID().String(), "")
			assert.Empty(t, s.Channels())
			assert.NoError(t, s.EndSession())
		})
	}
}

func TestNewSessionCopiesCredential(t *testing.T) {
	mock := NewMockSpiceServer()
	mock.Key = testKey()
	mock.Password = "hunter2"
	srv := startMockServer(t, mock)

	secret := []byte("hunter2")
	host, port := srv.HostPort(t)
	s, err := NewSession(host, port, secret)
	require.NoError(t, err)
	defer s.EndSession()

	clear(secret)
	_, err = s.JoinChannel(context.Background(), mainKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"hunter2"}, srv.Tickets())
}

func TestSessionJoinAlreadyJoined(t *testing.T) {
	srv := startMockServer(t, NewMockSpiceServer())
	s := newTestSession(t, srv, "")
	ctx := context.Background()

	_, err := s.JoinChannel(ctx, mainKey)
	require.NoError(t, err)

	_, err = s.JoinChannel(ctx, mainKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.Equal(t, ErrSession, GetErrorCode(err))
	assert.Len(t, srv.Requests(), 1)

	other := ChannelKey{Type: ChannelDisplay, ID: 0}
	_, err = s.JoinChannel(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, []ChannelKey{mainKey, other}, s.Channels())
}

func TestSessionJoinWhileLinking(t *testing.T) {
	mock := NewMockSpiceServer()
	mock.ReplyDelay = 200 * time.Millisecond
	srv := startMockServer(t, mock)
	s := newTestSession(t, srv, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.JoinChannel(ctx, mainKey)
		}()
	}
	wg.Wait()

	var joined, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			joined++
		case errors.Is(err, ErrAlreadyJoined):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, joined)
	assert.Equal(t, 3, rejected)
}

func TestSessionInvalidChannelKey(t *testing.T) {
	srv := startMockServer(t, NewMockSpiceServer())
	s := newTestSession(t, srv, "")

	_, err := s.JoinChannel(context.Background(), ChannelKey{Type: ChannelTunnel})
	assert.Equal(t, ErrUnsupported, GetErrorCode(err))

	_, err = s.JoinChannel(context.Background(), ChannelKey{})
	assert.Equal(t, ErrValidation, GetErrorCode(err))
	assert.Empty(t, srv.Requests())
}

func TestSessionLeaveChannel(t *testing.T) {
	srv := startMockServer(t, NewMockSpiceServer())
	s := newTestSession(t, srv, "")
	ctx := context.Background()

	ch, err := s.JoinChannel(ctx, mainKey)
	require.NoError(t, err)

	require.NoError(t, s.LeaveChannel(mainKey))
	assert.Equal(t, StateClosed, ch.State())
	assert.Empty(t, s.Channels())

	err = s.LeaveChannel(mainKey)
	assert.ErrorIs(t, err, ErrNotJoined)

	// The key is free again.
	_, err = s.JoinChannel(ctx, mainKey)
	require.NoError(t, err)
}

func TestSessionLeaveChannelWhileLinking(t *testing.T) {
	mock := NewMockSpiceServer()
	mock.Silent = true
	srv := startMockServer(t, mock)
	s := newTestSession(t, srv, "")

	done := make(chan error, 1)
	go func() {
		_, err := s.JoinChannel(context.Background(), mainKey)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(srv.Requests()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.LeaveChannel(mainKey))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("JoinChannel did not return after LeaveChannel")
	}
	assert.Empty(t, s.Channels())
}

func TestSessionEndSession(t *testing.T) {
	srv := startMockServer(t, NewMockSpiceServer())
	s := newTestSession(t, srv, "pw")
	ctx := context.Background()

	keys := []ChannelKey{mainKey, {Type: ChannelDisplay}, {Type: ChannelInputs}}
	var conns []*ChannelConn
	for _, key := range keys {
		ch, err := s.JoinChannel(ctx, key)
		require.NoError(t, err)
		conns = append(conns, ch)
	}

	require.NoError(t, s.EndSession())
	for _, ch := range conns {
		assert.Equal(t, StateClosed, ch.State(), ch.Key().String())
	}
	assert.Empty(t, s.Channels())
	assert.True(t, s.cred.buf.IsCleared())

	_, err := s.JoinChannel(ctx, mainKey)
	assert.ErrorIs(t, err, ErrSessionEnded)

	assert.NoError(t, s.EndSession())
}

func TestSessionEndSessionAbortsPendingJoins(t *testing.T) {
	mock := NewMockSpiceServer()
	mock.Silent = true
	srv := startMockServer(t, mock)
	s := newTestSession(t, srv, "")

	keys := []ChannelKey{mainKey, {Type: ChannelDisplay}}
	done := make(chan error, len(keys))
	for _, key := range keys {
		go func() {
			_, err := s.JoinChannel(context.Background(), key)
			done <- err
		}()
	}
	require.Eventually(t, func() bool { return len(srv.Requests()) == len(keys) }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.EndSession())
	for range keys {
		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("pending join did not return after EndSession")
		}
	}
}

func TestSessionJoinChannels(t *testing.T) {
	srv := startMockServer(t, NewMockSpiceServer())
	s := newTestSession(t, srv, "")

	keys := []ChannelKey{mainKey, {Type: ChannelDisplay}, {Type: ChannelTunnel}, {Type: ChannelCursor}, mainKey}
	results, err := s.JoinChannels(context.Background(), keys, 2)
	require.Error(t, err)
	require.Len(t, results, len(keys))

	for i, r := range results {
		assert.Equal(t, keys[i], r.Key)
	}
	assert.NoError(t, results[1].Err)
	assert.NoError(t, results[3].Err)
	assert.Equal(t, ErrUnsupported, GetErrorCode(results[2].Err))

	// Exactly one of the duplicate main joins wins.
	mainErrs := []error{results[0].Err, results[4].Err}
	assert.Equal(t, 1, countNil(mainErrs))
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.ErrorIs(t, err, results[2].Err)

	assert.Equal(t, []ChannelKey{mainKey, {Type: ChannelDisplay}, {Type: ChannelCursor}}, s.Channels())
}

func countNil(errs []error) int {
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		}
	}
	return n
}

func TestSessionJoinChannelWithRetry(t *testing.T) {
	t.Run("retries transport failures", func(t *testing.T) {
		mock := NewMockSpiceServer()
		mock.Silent = true
		srv := startMockServer(t, mock)
		s := newTestSession(t, srv, "", WithReadTimeout(50*time.Millisecond))

		_, err := s.JoinChannelWithRetry(context.Background(), mainKey, RetryPolicy{Attempts: 3, Interval: 10 * time.Millisecond})
		require.Error(t, err)
		assert.Equal(t, ErrTimeout, GetErrorCode(err))
		assert.Len(t, srv.Requests(), 3)
	})

	t.Run("stops on link errors", func(t *testing.T) {
		mock := NewMockSpiceServer()
		mock.LinkError = LinkErrPermissionDenied
		srv := startMockServer(t, mock)
		s := newTestSession(t, srv, "")

		_, err := s.JoinChannelWithRetry(context.Background(), mainKey, RetryPolicy{Attempts: 5, Interval: time.Millisecond})
		assert.ErrorIs(t, err, LinkErrPermissionDenied)
		assert.Len(t, srv.Requests(), 1)
	})

	t.Run("succeeds", func(t *testing.T) {
		srv := startMockServer(t, NewMockSpiceServer())
		s := newTestSession(t, srv, "")

		ch, err := s.JoinChannelWithRetry(context.Background(), mainKey, DefaultRetryPolicy())
		require.NoError(t, err)
		assert.Equal(t, StateLinked, ch.State())
	})

	t.Run("context cancelled between attempts", func(t *testing.T) {
		mock := NewMockSpiceServer()
		mock.Silent = true
		srv := startMockServer(t, mock)
		s := newTestSession(t, srv, "", WithReadTimeout(20*time.Millisecond))

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err := s.JoinChannelWithRetry(ctx, mainKey, RetryPolicy{Attempts: 10, Interval: time.Hour})
		require.Error(t, err)
		assert.Len(t, srv.Requests(), 1)
	})
}

func TestSessionConnectionID(t *testing.T) {
	srv := startMockServer(t, NewMockSpiceServer())
	s := newTestSession(t, srv, "", WithConnectionID(7))
	ctx := context.Background()

	assert.Equal(t, uint32(7), s.ConnectionID())
	_, err := s.JoinChannel(ctx, mainKey)
	require.NoError(t, err)

	s.SetConnectionID(0xCAFE)
	_, err = s.JoinChannel(ctx, ChannelKey{Type: ChannelDisplay})
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	ids := map[ChannelType]uint32{}
	for _, r := range reqs {
		ids[r.ChannelType] = r.ConnectionID
	}
	assert.Equal(t, uint32(7), ids[ChannelMain])
	assert.Equal(t, uint32(0xCAFE), ids[ChannelDisplay])
}
