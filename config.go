package gcs

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

// DefaultPacketSize is the default maximum packet size in bytes,
// recommended to be a multiple of MTU (GCS_DEFAULT_PKT_SIZE upstream).
const DefaultPacketSize = 64500

// DefaultToRingLen is the default length of the TO monitor's waiter
// ring when none is supplied.
const DefaultToRingLen = 1024

// DefaultRecvQueueLen bounds the receive queue's backlog.
const DefaultRecvQueueLen = 256

// TLSConfig carries the transport's optional TLS knobs, grounded on
// gcomm's socket.ssl.* options: each file is read once at dial/listen
// time, the password file's first line is the key password.
type TLSConfig struct {
	Enabled         bool
	VerifyFile      string
	CertificateFile string
	PrivateKeyFile  string
	PasswordFile    string
}

// Config carries every tunable knob plus the ambient stack
// every connection needs: logger, packet size, flow-control marks, TO
// ring length, and the transport's TLS options.
type Config struct {
	// Logger is used by every component; a default hclog logger is
	// installed by ValidateConfig when nil.
	Logger hclog.Logger

	// PacketSize bounds a single fragment, header included.
	PacketSize int

	// ToRingLen is the capacity of the TO monitor's waiter ring.
	ToRingLen int

	// RecvQueueLen bounds the receive queue's backlog.
	RecvQueueLen int

	// FlowHighWater/FlowLowWater are the slave-queue depth marks that
	// trigger FLOW(stop)/FLOW(cont).
	FlowHighWater int
	FlowLowWater  int

	// SelfTimestamp requests that delivered actions carry the local
	// clock reading alongside the seqno (gcs.h gcs_conf_set_timeout).
	SelfTimestamp bool

	// Debug toggles verbose logging independent of Logger's own level.
	Debug bool

	// TLS configures the gcomm:// backend's transport security.
	TLS TLSConfig

	// MaxPool bounds the number of pooled connections per peer on the
	// gcomm:// backend.
	MaxPool int

	// Peers lists the other members' addresses for the gcomm://
	// backend. The backend URL's own address is this node's bind
	// address; view-change consensus across Peers is an external
	// concern — this backend only detects connectivity.
	Peers []string
}

// DefaultConfig returns a ready-to-use configuration, mirroring the
// teacher's Default() constructor.
func DefaultConfig() *Config {
	return &Config{
		Logger:        hclog.New(&hclog.LoggerOptions{Name: "gcs", Level: hclog.Info, Output: os.Stdout}),
		PacketSize:    DefaultPacketSize,
		ToRingLen:     DefaultToRingLen,
		RecvQueueLen:  DefaultRecvQueueLen,
		FlowHighWater: 128,
		FlowLowWater:  32,
		MaxPool:       3,
	}
}

// ValidateConfig fills in required defaults and rejects an
// inconsistent configuration.
func ValidateConfig(config *Config) error {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{Name: "gcs", Level: hclog.Info, Output: os.Stdout})
	}

	if config.PacketSize <= 0 {
		config.PacketSize = DefaultPacketSize
	}

	if config.ToRingLen <= 0 {
		config.ToRingLen = DefaultToRingLen
	}

	if config.RecvQueueLen <= 0 {
		config.RecvQueueLen = DefaultRecvQueueLen
	}

	if config.FlowHighWater <= 0 {
		config.FlowHighWater = 128
	}

	if config.FlowLowWater < 0 {
		config.FlowLowWater = 32
	}

	if config.FlowLowWater >= config.FlowHighWater {
		return fmt.Errorf("gcs: flow low-water %d must be below high-water %d", config.FlowLowWater, config.FlowHighWater)
	}

	if config.MaxPool <= 0 {
		config.MaxPool = 3
	}

	if config.Debug {
		config.Logger.SetLevel(hclog.Debug)
	}

	return nil
}

// Option mutates a Config at Create time.
type Option func(*Config)

// WithLogger installs a caller-provided logger.
func WithLogger(logger hclog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithPacketSize overrides the fragmentation packet size.
func WithPacketSize(size int) Option {
	return func(c *Config) { c.PacketSize = size }
}

// WithFlowMarks overrides the flow-control high/low water marks.
func WithFlowMarks(high, low int) Option {
	return func(c *Config) { c.FlowHighWater = high; c.FlowLowWater = low }
}

// WithToRingLen overrides the TO monitor's ring capacity.
func WithToRingLen(n int) Option {
	return func(c *Config) { c.ToRingLen = n }
}

// WithTLS installs transport TLS options for the gcomm:// backend.
func WithTLS(tls TLSConfig) Option {
	return func(c *Config) { c.TLS = tls }
}

// WithDebug toggles verbose logging.
func WithDebug(debug bool) Option {
	return func(c *Config) { c.Debug = debug }
}

// WithPeers sets the static peer address list the gcomm:// backend
// dials.
func WithPeers(peers ...string) Option {
	return func(c *Config) { c.Peers = peers }
}

// WithMaxPool overrides the gcomm:// backend's per-peer connection
// pool size.
func WithMaxPool(n int) Option {
	return func(c *Config) { c.MaxPool = n }
}
