package hub

import "time"

// TLSConfig tunes certificate verification for wss:// targets.
type TLSConfig struct {
	InsecureSkipVerify bool
	CAFile             string
	ServerName         string
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	CallTimeout       time.Duration
	HeartbeatInterval time.Duration
	ReadLimit         int64
	EventBuffer       int
	TLS               TLSConfig
}

// DefaultConfig returns the session defaults used by hubd.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		CallTimeout:       20 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReadLimit:         16 << 20,
		EventBuffer:       256,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
