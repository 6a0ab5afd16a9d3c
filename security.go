// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"runtime"
	"sync"
)

// SecureMemory clears sensitive byte slices.
type SecureMemory struct{}

// ClearBytes zeroes data in place.
func (sm *SecureMemory) ClearBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	clear(data)
	runtime.KeepAlive(data)
}

// ProtectedBytes is a byte buffer meant to be released with a deferred Clear.
type ProtectedBytes struct {
	data   []byte
	secMem SecureMemory
}

// NewProtectedBytes allocates a zeroed protected buffer of size bytes.
func NewProtectedBytes(size int) *ProtectedBytes {
	return &ProtectedBytes{data: make([]byte, size)}
}

// ProtectCopy returns a protected copy of src with extra zero bytes of
// headroom appended.
func ProtectCopy(src []byte, extra int) *ProtectedBytes {
	pb := NewProtectedBytes(len(src) + extra)
	copy(pb.data, src)
	return pb
}

// Data returns the underlying slice, nil once cleared.
func (pb *ProtectedBytes) Data() []byte {
	return pb.data
}

// Size returns the buffer length, 0 once cleared.
func (pb *ProtectedBytes) Size() int {
	return len(pb.data)
}

// Clear zeroes and releases the buffer. It is safe to call repeatedly.
func (pb *ProtectedBytes) Clear() {
	if pb.data != nil {
		pb.secMem.ClearBytes(pb.data)
		pb.data = nil
	}
}

// IsCleared reports whether Clear has run.
func (pb *ProtectedBytes) IsCleared() bool {
	return pb.data == nil
}

// credential is the session secret. It is shared read-only by concurrent
// handshakes and zeroed once when the session ends.
type credential struct {
	mu  sync.RWMutex
	buf *ProtectedBytes
}

func newCredential(secret []byte) *credential {
	return &credential{buf: ProtectCopy(secret, 0)}
}

// use lends the secret to fn for the duration of the call. fn must not keep
// or modify the slice.
func (c *credential) use(fn func(secret []byte) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.buf.IsCleared() {
		return sessionError("credential.use", "credential already released", ErrSessionEnded)
	}
	return fn(c.buf.Data())
}

func (c *credential) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Clear()
}
