// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"slices"
	"sync"
)

// Authentication mechanism identifiers, sent as a uint32 before the ticket
// when both peers advertise CapProtocolAuthSelection.
const (
	AuthMechanismSpice uint32 = 1
	AuthMechanismSASL  uint32 = 2
)

// ClientAuth produces the authentication payload for a link whose reply
// demanded authentication.
type ClientAuth interface {
	// Mechanism is the identifier sent during auth selection.
	Mechanism() uint32
	// Capability is the common capability a server sets to offer it.
	Capability() uint32
	// Ticket returns the bytes to send. secret is lent for the duration of
	// the call only.
	Ticket(reply *LinkReply, secret []byte) ([]byte, error)
	String() string
}

// TicketAuth is SPICE ticket authentication: the NUL-terminated credential
// encrypted under the public key from the link reply.
type TicketAuth struct {
	logger Logger
}

// Mechanism returns AuthMechanismSpice.
func (a *TicketAuth) Mechanism() uint32 { return AuthMechanismSpice }

// Capability returns CapAuthSpice.
func (a *TicketAuth) Capability() uint32 { return CapAuthSpice }

// Ticket encrypts a NUL-terminated copy of secret. The copy is zeroed before
// returning on every path.
func (a *TicketAuth) Ticket(reply *LinkReply, secret []byte) ([]byte, error) {
	if reply == nil || len(reply.PublicKey) == 0 {
		return nil, cryptoError("TicketAuth.Ticket", "link reply carries no public key", ErrInvalidKey)
	}

	material := ProtectCopy(secret, 1)
	defer material.Clear()

	ticket, err := EncryptCredential(reply.PublicKey, material.Data())
	if err != nil {
		if a.logger != nil {
			a.logger.Error("Ticket encryption failed", Field{Key: "error", Value: err})
		}
		return nil, err
	}
	if a.logger != nil {
		a.logger.Debug("Encrypted ticket", Field{Key: "ticket_bytes", Value: len(ticket)})
	}
	return ticket, nil
}

// String returns a human-readable description of the mechanism.
func (a *TicketAuth) String() string {
	return "SPICE ticket"
}

// SetLogger sets the logger for the mechanism.
func (a *TicketAuth) SetLogger(logger Logger) {
	a.logger = logger
}

// AuthFactory creates a fresh ClientAuth per link attempt.
type AuthFactory func() ClientAuth

// AuthRegistry maps mechanism identifiers to factories.
type AuthRegistry struct {
	mu        sync.RWMutex
	factories map[uint32]AuthFactory
	preferred []uint32
	logger    Logger
}

// NewAuthRegistry returns a registry with SPICE ticket authentication
// registered and preferred.
func NewAuthRegistry() *AuthRegistry {
	r := &AuthRegistry{
		factories: make(map[uint32]AuthFactory),
		logger:    &NoOpLogger{},
	}
	r.Register(AuthMechanismSpice, func() ClientAuth { return &TicketAuth{} })
	return r
}

// Register adds a factory and appends the mechanism to the preference order.
func (r *AuthRegistry) Register(mechanism uint32, factory AuthFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("Registering authentication mechanism", Field{Key: "mechanism", Value: mechanism})
	if _, exists := r.factories[mechanism]; !exists {
		r.preferred = append(r.preferred, mechanism)
	}
	r.factories[mechanism] = factory
}

// Unregister removes a mechanism. It reports whether one was registered.
func (r *AuthRegistry) Unregister(mechanism uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[mechanism]; !exists {
		return false
	}
	delete(r.factories, mechanism)
	r.preferred = slices.DeleteFunc(r.preferred, func(m uint32) bool { return m == mechanism })
	return true
}

// SetPreference replaces the order in which mechanisms are tried.
// Unregistered identifiers are ignored at negotiation time.
func (r *AuthRegistry) SetPreference(mechanisms ...uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferred = slices.Clone(mechanisms)
}

// CreateAuth instantiates the mechanism.
func (r *AuthRegistry) CreateAuth(mechanism uint32) (ClientAuth, error) {
	r.mu.RLock()
	factory, exists := r.factories[mechanism]
	r.mu.RUnlock()

	if !exists {
		r.log().Warn("Unsupported authentication mechanism requested", Field{Key: "mechanism", Value: mechanism})
		return nil, unsupportedError("AuthRegistry.CreateAuth",
			fmt.Sprintf("unsupported authentication mechanism: %d", mechanism), nil)
	}
	return factory(), nil
}

// IsSupported reports whether mechanism is registered.
func (r *AuthRegistry) IsSupported(mechanism uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[mechanism]
	return exists
}

// GetSupportedMechanisms returns the registered mechanisms in preference order.
func (r *AuthRegistry) GetSupportedMechanisms() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.preferred)
}

// SetLogger sets the logger for the registry.
func (r *AuthRegistry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = loggerOrNoOp(logger)
}

func (r *AuthRegistry) log() Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logger
}

// NegotiateAuth picks the first preferred mechanism whose capability the
// server advertised in serverCommon.
func (r *AuthRegistry) NegotiateAuth(serverCommon Capabilities) (ClientAuth, error) {
	for _, mechanism := range r.GetSupportedMechanisms() {
		auth, err := r.CreateAuth(mechanism)
		if err != nil {
			continue
		}
		if serverCommon.Has(auth.Capability()) {
			r.log().Debug("Authentication mechanism negotiated",
				Field{Key: "mechanism", Value: mechanism},
				Field{Key: "method", Value: auth.String()})
			return auth, nil
		}
	}
	return nil, unsupportedError("AuthRegistry.NegotiateAuth",
		fmt.Sprintf("no mutual authentication mechanism. server caps: %v, client: %v",
			serverCommon, r.GetSupportedMechanisms()), nil)
}
