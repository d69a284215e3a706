// Package config holds the amp-ipc configuration. It is read once at start
// and not changed at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/amp-ipc/pkg/ipc"
	"github.com/srediag/amp-ipc/pkg/layout"
	"github.com/srediag/amp-ipc/pkg/shm"
)

const (
	defaultRegionSize       = 64 << 10
	defaultHandshakeTimeout = 5 * time.Second
	defaultInitTimeout      = 5 * time.Second
	defaultSendTimeout      = 100 * time.Millisecond
	defaultQueueCap         = 1024
	defaultBufferCapacity   = 256 << 10
)

// RegionConfig selects the shared memory window.
type RegionConfig struct {
	// Name under Dir; empty maps process-local memory.
	Name   string `yaml:"name"`
	Dir    string `yaml:"dir"`
	Base   uint64 `yaml:"base"`
	Size   int    `yaml:"size"`
	Create bool   `yaml:"create"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the full amp-ipc configuration.
type Config struct {
	Region    RegionConfig `yaml:"region"`
	Instances int          `yaml:"instances"`
	// RingSize 0 picks the largest depth that fits.
	RingSize   int    `yaml:"ring_size"`
	Role       string `yaml:"role"`
	EndpointID uint32 `yaml:"endpoint_id"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	InitTimeout      time.Duration `yaml:"init_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"`

	DoorbellDir    string                `yaml:"doorbell_dir"`
	QueueCap       int                   `yaml:"queue_cap"`
	BufferCapacity uint32                `yaml:"buffer_capacity"`
	BufferSizes    []shm.SizePercentPair `yaml:"buffer_sizes"`

	Log        LogConfig `yaml:"log"`
	ListenAddr string    `yaml:"listen_addr"`
}

// DefaultConfig returns a host configuration for one auto-sized instance
// over a 64 KiB region.
func DefaultConfig() *Config {
	return &Config{
		Region: RegionConfig{
			Name:   "amp-ipc",
			Dir:    "/dev/shm",
			Size:   defaultRegionSize,
			Create: true,
		},
		Instances:        1,
		Role:             "host",
		EndpointID:       1,
		HandshakeTimeout: defaultHandshakeTimeout,
		InitTimeout:      defaultInitTimeout,
		SendTimeout:      defaultSendTimeout,
		DoorbellDir:      os.TempDir(),
		QueueCap:         defaultQueueCap,
		BufferCapacity:   defaultBufferCapacity,
		BufferSizes:      append([]shm.SizePercentPair(nil), shm.DefaultLayout...),
		Log:              LogConfig{Level: "info"},
		ListenAddr:       ":9464",
	}
}

// Load reads a YAML file on top of DefaultConfig and verifies the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and verifies the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IPCRole maps the role name.
func (c *Config) IPCRole() (ipc.Role, error) {
	switch c.Role {
	case "host":
		return ipc.RoleHost, nil
	case "remote":
		return ipc.RoleRemote, nil
	default:
		return 0, fmt.Errorf("unknown role %q, want host or remote", c.Role)
	}
}

// VerifyConfig checks the fields that can be checked without mapping memory.
func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.Region.Size <= 0 {
		return fmt.Errorf("region size must be positive, got %d", c.Region.Size)
	}
	if c.Instances < 1 {
		return fmt.Errorf("instances must be at least 1, got %d", c.Instances)
	}
	if c.RingSize != 0 {
		if _, err := layout.PlanFixed(layout.Region{Size: uint64(c.Region.Size)}, 1, c.RingSize); errors.Is(err, layout.ErrInvalidRingSize) {
			return err
		}
	}
	if _, err := c.IPCRole(); err != nil {
		return err
	}
	if c.HandshakeTimeout <= 0 || c.InitTimeout <= 0 || c.SendTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.QueueCap <= 0 {
		return fmt.Errorf("queue_cap must be positive, got %d", c.QueueCap)
	}
	if len(c.BufferSizes) == 0 {
		return errors.New("buffer_sizes must not be empty")
	}
	var percent, largest uint32
	for _, p := range c.BufferSizes {
		percent += p.Percent
		if p.Size > largest {
			largest = p.Size
		}
	}
	if percent > 100 {
		return fmt.Errorf("buffer_sizes percentages sum to %d", percent)
	}
	if largest < ipc.MaxPayload {
		return fmt.Errorf("largest buffer size %d cannot hold a %d byte payload", largest, ipc.MaxPayload)
	}
	return nil
}
