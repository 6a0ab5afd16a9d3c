// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - test server mirrors the ticket scheme
	"crypto/x509"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// testKey is shared by every test; generating RSA keys is slow.
var testKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic(err)
	}
	return key
})

func testPublicKeyDER(t testing.TB, key *rsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return der
}

// MockSpiceServer is a minimal SPICE link server for testing. Each accepted
// connection is one channel: it reads the link request, answers it, runs
// ticket authentication when Key is set and then echoes raw bytes.
type MockSpiceServer struct {
	listener net.Listener
	addr     string
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	// Configuration
	Major       uint32
	Minor       uint32
	LinkError   LinkErrorCode
	CommonCaps  Capabilities
	ChannelCaps Capabilities
	Key         *rsa.PrivateKey
	KeyPadding  int
	Password    string
	AcceptAuth  bool
	BadMagic    bool
	Truncate    bool
	Silent      bool
	ReplyDelay  time.Duration

	mu         sync.Mutex
	conns      []net.Conn
	requests   []LinkRequest
	mechanisms []uint32
	tickets    []string
}

// NewMockSpiceServer creates a server that links every channel without
// authentication.
func NewMockSpiceServer() *MockSpiceServer {
	return &MockSpiceServer{
		Major:      VersionMajor,
		Minor:      VersionMinor,
		LinkError:  LinkErrOK,
		CommonCaps: Capabilities{1<<CapProtocolAuthSelection | 1<<CapAuthSpice | 1<<CapMiniHeader},
		AcceptAuth: true,
		stop:       make(chan struct{}),
	}
}

// Start starts the mock server on a random available port.
func (m *MockSpiceServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}

	m.listener = listener
	m.addr = listener.Addr().String()

	m.wg.Add(1)
	go m.serve()

	return nil
}

// Stop stops the mock server and drops every open connection.
func (m *MockSpiceServer) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		if m.listener != nil {
			m.listener.Close()
		}
		m.mu.Lock()
		for _, conn := range m.conns {
			conn.Close()
		}
		m.mu.Unlock()
		m.wg.Wait()
	})
}

// Addr returns the server address.
func (m *MockSpiceServer) Addr() string {
	return m.addr
}

// HostPort splits Addr for NewSession.
func (m *MockSpiceServer) HostPort(t testing.TB) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(m.addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", m.addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q): %v", portStr, err)
	}
	return host, port
}

// Requests returns the link requests received so far.
func (m *MockSpiceServer) Requests() []LinkRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LinkRequest(nil), m.requests...)
}

// Mechanisms returns the auth mechanisms clients selected.
func (m *MockSpiceServer) Mechanisms() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.mechanisms...)
}

// Tickets returns the decrypted credentials received so far.
func (m *MockSpiceServer) Tickets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tickets...)
}

func (m *MockSpiceServer) serve() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				continue
			}
		}

		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()

		m.wg.Add(1)
		go m.handleConnection(conn)
	}
}

func (m *MockSpiceServer) handleConnection(conn net.Conn) {
	defer m.wg.Done()
	defer conn.Close()

	req, err := m.readLinkRequest(conn)
	if err != nil {
		return
	}

	if m.Silent {
		_, _ = io.Copy(io.Discard, conn)
		return
	}
	if m.ReplyDelay > 0 {
		select {
		case <-time.After(m.ReplyDelay):
		case <-m.stop:
			return
		}
	}

	if err := m.writeLinkReply(conn); err != nil {
		return
	}
	if m.LinkError != LinkErrOK || m.Truncate {
		return
	}

	if m.Key != nil {
		ok, err := m.handleTicket(conn, req)
		if err != nil || !ok {
			return
		}
	}

	// Echo loop
	_, _ = io.Copy(conn, conn)
}

func (m *MockSpiceServer) readLinkRequest(conn net.Conn) (LinkRequest, error) {
	msg := make([]byte, LinkHeaderSize)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return LinkRequest{}, err
	}
	h, err := DecodeLinkHeader(msg)
	if err != nil {
		return LinkRequest{}, err
	}
	msg = append(msg, make([]byte, h.Size)...)
	if _, err := io.ReadFull(conn, msg[LinkHeaderSize:]); err != nil {
		return LinkRequest{}, err
	}
	req, err := DecodeLinkRequest(msg)
	if err != nil {
		return LinkRequest{}, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return req, nil
}

func (m *MockSpiceServer) writeLinkReply(conn net.Conn) error {
	reply := LinkReply{
		Major:       m.Major,
		Minor:       m.Minor,
		Error:       m.LinkError,
		CommonCaps:  m.CommonCaps,
		ChannelCaps: m.ChannelCaps,
	}
	if m.Key != nil && m.LinkError == LinkErrOK {
		der, err := x509.MarshalPKIXPublicKey(&m.Key.PublicKey)
		if err != nil {
			return err
		}
		reply.PublicKey = append(der, make([]byte, m.KeyPadding)...)
	}

	msg := EncodeLinkReply(reply)
	if m.BadMagic {
		copy(msg, "QDER")
	}
	if m.Truncate {
		msg = msg[:len(msg)-4]
	}
	_, err := conn.Write(msg)
	return err
}

// handleTicket reads the optional mechanism and the ticket, and answers with
// a link result. It reports whether the ticket was accepted.
func (m *MockSpiceServer) handleTicket(conn net.Conn, req LinkRequest) (bool, error) {
	if Negotiated(req.CommonCaps, m.CommonCaps, CapProtocolAuthSelection) {
		var mechanism uint32
		if err := binary.Read(conn, binary.LittleEndian, &mechanism); err != nil {
			return false, err
		}
		m.mu.Lock()
		m.mechanisms = append(m.mechanisms, mechanism)
		m.mu.Unlock()
	}

	ticket := make([]byte, m.Key.Size())
	if _, err := io.ReadFull(conn, ticket); err != nil {
		return false, err
	}
	plain, err := rsa.DecryptOAEP(sha1.New(), nil, m.Key, ticket, nil) // #nosec G401
	if err != nil {
		return false, binary.Write(conn, binary.LittleEndian, uint32(LinkErrPermissionDenied))
	}
	password := string(bytes.TrimSuffix(plain, []byte{0}))

	m.mu.Lock()
	m.tickets = append(m.tickets, password)
	m.mu.Unlock()

	result := LinkErrOK
	if !m.AcceptAuth || password != m.Password {
		result = LinkErrPermissionDenied
	}
	if err := binary.Write(conn, binary.LittleEndian, uint32(result)); err != nil {
		return false, err
	}
	return result == LinkErrOK, nil
}

// startMockServer starts m and stops it when the test ends.
func startMockServer(t *testing.T, m *MockSpiceServer) *MockSpiceServer {
	t.Helper()
	if err := m.Start(); err != nil {
		t.Fatalf("Failed to start mock server: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}
