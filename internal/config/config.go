// Package config defines the TOML configuration surface for the transport
// core: flow-control window sizing, frame sizing, and logging.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for log output.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

const (
	maxWindowSize = (1 << 31) - 1
	minFrameSize  = 1 << 14
	maxFrameSize  = (1 << 24) - 1
)

// Config is the top-level configuration structure.
type Config struct {
	FlowControl *FlowControlConfig `toml:"flow_control,omitempty"`
	Logging     *LoggingConfig     `toml:"logging,omitempty"`
}

// FlowControlConfig holds the window and frame sizing knobs. Pointer fields
// distinguish "absent" from an explicit zero; absent fields get RFC defaults
// from ApplyDefaults.
type FlowControlConfig struct {
	InitialConnectionReceiveWindow *uint32 `toml:"initial_connection_receive_window,omitempty"`
	InitialStreamReceiveWindow     *uint32 `toml:"initial_stream_receive_window,omitempty"`
	InitialConnectionSendWindow    *uint32 `toml:"initial_connection_send_window,omitempty"`
	InitialStreamSendWindow        *uint32 `toml:"initial_stream_send_window,omitempty"`
	MaxFrameSize                   *uint32 `toml:"max_frame_size,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel `toml:"log_level,omitempty"`
}

// Load reads and parses a TOML configuration file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in every absent field with its RFC 7540 default:
// 65,535-byte windows and 16,384-byte frames.
func (c *Config) ApplyDefaults() {
	if c.FlowControl == nil {
		c.FlowControl = &FlowControlConfig{}
	}
	fc := c.FlowControl
	if fc.InitialConnectionReceiveWindow == nil {
		fc.InitialConnectionReceiveWindow = uint32Ptr(65535)
	}
	if fc.InitialStreamReceiveWindow == nil {
		fc.InitialStreamReceiveWindow = uint32Ptr(65535)
	}
	if fc.InitialConnectionSendWindow == nil {
		fc.InitialConnectionSendWindow = uint32Ptr(65535)
	}
	if fc.InitialStreamSendWindow == nil {
		fc.InitialStreamSendWindow = uint32Ptr(65535)
	}
	if fc.MaxFrameSize == nil {
		fc.MaxFrameSize = uint32Ptr(minFrameSize)
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = LogLevelInfo
	}
}

// Validate checks the configured values against the protocol's bounds.
// ApplyDefaults must run first.
func (c *Config) Validate() error {
	fc := c.FlowControl
	for name, v := range map[string]*uint32{
		"initial_connection_receive_window": fc.InitialConnectionReceiveWindow,
		"initial_stream_receive_window":     fc.InitialStreamReceiveWindow,
		"initial_connection_send_window":    fc.InitialConnectionSendWindow,
		"initial_stream_send_window":        fc.InitialStreamSendWindow,
	} {
		if *v > maxWindowSize {
			return fmt.Errorf("flow_control.%s %d exceeds maximum window size %d", name, *v, maxWindowSize)
		}
	}
	if *fc.MaxFrameSize < minFrameSize || *fc.MaxFrameSize > maxFrameSize {
		return fmt.Errorf("flow_control.max_frame_size %d outside allowed range [%d, %d]",
			*fc.MaxFrameSize, minFrameSize, maxFrameSize)
	}

	switch c.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", c.Logging.LogLevel)
	}
	return nil
}

func uint32Ptr(v uint32) *uint32 { return &v }
