// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"net"
	"time"
)

// Defaults applied by NewSession before options run.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// Dialer opens the transport for one channel. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientConfig configures every channel a session opens.
type ClientConfig struct {
	// Capabilities is the client's supported capability table.
	Capabilities CapabilityTable

	// HeaderLayout selects the data header format; HeaderAuto decides from
	// the negotiated mini-header capability.
	HeaderLayout HeaderLayout

	// AuthRegistry supplies authentication mechanisms.
	AuthRegistry *AuthRegistry

	// Logger receives session and channel logs.
	Logger Logger

	// Dialer opens channel transports.
	Dialer Dialer

	// ConnectTimeout bounds the transport connect.
	ConnectTimeout time.Duration

	// ReadTimeout bounds each read: link reply, auth result, framed messages.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write.
	WriteTimeout time.Duration

	// MaxMessageSize bounds the payload size accepted by ReadMessage.
	MaxMessageSize uint32

	// StateObserver, if set, is called on every channel state change.
	StateObserver StateObserver

	// ConnectionID is sent in link requests; 0 asks for a new session.
	ConnectionID uint32
}

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Capabilities:   DefaultCapabilityTable(),
		HeaderLayout:   HeaderAuto,
		AuthRegistry:   NewAuthRegistry(),
		Logger:         &NoOpLogger{},
		Dialer:         &net.Dialer{},
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// ClientOption represents a functional option for configuring a session.
type ClientOption func(*ClientConfig)

// WithCapabilities replaces the supported capability table. The table is
// copied.
func WithCapabilities(table CapabilityTable) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Capabilities = table.Clone()
	}
}

// WithHeaderLayout forces a data header layout instead of negotiating it.
func WithHeaderLayout(layout HeaderLayout) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.HeaderLayout = layout
	}
}

// WithAuthRegistry sets a custom authentication registry.
func WithAuthRegistry(registry *AuthRegistry) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.AuthRegistry = registry
	}
}

// WithLogger sets the logger. Use NoOpLogger to disable logging.
func WithLogger(logger Logger) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Logger = logger
	}
}

// WithDialer sets the dialer used to open channel transports.
func WithDialer(d Dialer) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Dialer = d
	}
}

// WithConnectTimeout bounds the transport connect of each channel. The
// timeout must be positive.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithReadTimeout bounds each read. The timeout must be positive; there is
// no unbounded mode.
func WithReadTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ReadTimeout = timeout
	}
}

// WithWriteTimeout bounds each write. The timeout must be positive.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.WriteTimeout = timeout
	}
}

// WithTimeout sets connect, read and write timeouts to the same positive
// value.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ConnectTimeout = timeout
		cfg.ReadTimeout = timeout
		cfg.WriteTimeout = timeout
	}
}

// WithMaxMessageSize bounds the payload size of framed messages.
func WithMaxMessageSize(size uint32) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.MaxMessageSize = size
	}
}

// WithStateObserver registers a callback for channel state changes. It runs
// on the goroutine that caused the change and must not block.
func WithStateObserver(observer StateObserver) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.StateObserver = observer
	}
}

// WithConnectionID joins an existing server session instead of a new one.
func WithConnectionID(id uint32) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ConnectionID = id
	}
}

// validate checks the configuration after options ran.
func (cfg *ClientConfig) validate() error {
	validator := newInputValidator()
	if err := validator.ValidateTimeouts(cfg.ConnectTimeout, cfg.ReadTimeout, cfg.WriteTimeout); err != nil {
		return err
	}
	if cfg.Dialer == nil {
		return configurationError("ClientConfig.validate", "dialer cannot be nil", nil)
	}
	if cfg.AuthRegistry == nil {
		return configurationError("ClientConfig.validate", "auth registry cannot be nil", nil)
	}
	switch cfg.HeaderLayout {
	case HeaderAuto, HeaderFull, HeaderNoSerial:
	default:
		return configurationError("ClientConfig.validate", "unknown header layout "+cfg.HeaderLayout.String(), nil)
	}
	if cfg.MaxMessageSize == 0 {
		return configurationError("ClientConfig.validate", "max message size cannot be zero", nil)
	}
	cfg.Logger = loggerOrNoOp(cfg.Logger)
	return nil
}
