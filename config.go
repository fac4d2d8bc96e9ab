package ts3full

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the transport tuning of a connection.
//
// Design rationale:
//   - Defaults match what servers expect; most callers never change them
//   - YAML tags so the same struct loads from a file
//   - Validate rejects values that would break the wire format or stall the resend loop
type Config struct {
	// ReceiveWindow is how many command ids ahead of the next expected one
	// are buffered. Later packets are dropped without an ack.
	ReceiveWindow int `yaml:"receive_window"`

	// PacketTimeout is the absolute time an acked packet may stay unacknowledged
	// before the connection is declared dead.
	PacketTimeout time.Duration `yaml:"packet_timeout"`

	// MaxRetryInterval caps the retransmission timeout and is the initial RTO.
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`

	// ClockResolution is the resend loop tick and the RTO variance floor.
	ClockResolution time.Duration `yaml:"clock_resolution"`

	// PingInterval is how often a ping is sent once the key exchange completed.
	PingInterval time.Duration `yaml:"ping_interval"`

	// MaxDecompressedSize bounds the declared size of compressed commands.
	MaxDecompressedSize int `yaml:"max_decompressed_size"`

	// MaxPuzzleLevel bounds the Init1 puzzle exponent a server may demand.
	MaxPuzzleLevel int `yaml:"max_puzzle_level"`

	// TraceSize is the byte size of the per-connection packet trace; 0 disables it.
	TraceSize int64 `yaml:"trace_size"`

	// RTTCache configures round trip sharing between connections.
	RTTCache RTTCacheConfig `yaml:"rtt_cache"`

	// FloodLimit throttles commands sent by FullClient.
	FloodLimit FloodLimitConfig `yaml:"flood_limit"`
}

// DefaultConfig returns the configuration used by the official client.
func DefaultConfig() Config {
	return Config{
		ReceiveWindow:       50,
		PacketTimeout:       30 * time.Second,
		MaxRetryInterval:    1000 * time.Millisecond,
		ClockResolution:     100 * time.Millisecond,
		PingInterval:        1 * time.Second,
		MaxDecompressedSize: 1 << 20,
		MaxPuzzleLevel:      DefaultMaxPuzzleLevel,
		TraceSize:           DefaultTraceSize,
		RTTCache:            DefaultRTTCacheConfig(),
		FloodLimit:          DefaultFloodLimitConfig(),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig, so fields missing
// from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.ReceiveWindow <= 0 || c.ReceiveWindow > halfIDSpace {
		return fmt.Errorf("receive_window must be in (0, %d], got %d", halfIDSpace, c.ReceiveWindow)
	}
	if c.ClockResolution <= 0 {
		return fmt.Errorf("clock_resolution must be positive, got %v", c.ClockResolution)
	}
	if c.MaxRetryInterval < c.ClockResolution {
		return fmt.Errorf("max_retry_interval (%v) must not be below clock_resolution (%v)", c.MaxRetryInterval, c.ClockResolution)
	}
	if c.PacketTimeout <= c.MaxRetryInterval {
		return fmt.Errorf("packet_timeout (%v) must exceed max_retry_interval (%v)", c.PacketTimeout, c.MaxRetryInterval)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive, got %v", c.PingInterval)
	}
	if c.MaxDecompressedSize <= 0 {
		return fmt.Errorf("max_decompressed_size must be positive, got %d", c.MaxDecompressedSize)
	}
	if c.MaxPuzzleLevel < 0 {
		return fmt.Errorf("max_puzzle_level must not be negative, got %d", c.MaxPuzzleLevel)
	}
	if c.TraceSize < 0 {
		return fmt.Errorf("trace_size must not be negative, got %d", c.TraceSize)
	}
	if c.RTTCache.RTTDampening < 0 || c.RTTCache.RTTDampening > 1 ||
		c.RTTCache.RTTDevDampening < 0 || c.RTTCache.RTTDevDampening > 1 {
		return fmt.Errorf("rtt_cache dampening factors must be within [0, 1]")
	}
	if c.FloodLimit.MaxCommands < 0 {
		return fmt.Errorf("flood_limit.max_commands must not be negative, got %d", c.FloodLimit.MaxCommands)
	}
	if c.FloodLimit.MaxCommands > 0 && c.FloodLimit.Window <= 0 {
		return fmt.Errorf("flood_limit.window must be positive when max_commands is set")
	}
	return nil
}
