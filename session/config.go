package session

import "time"

// Config holds the per-peer timing and pipelining tunables from §5 of the
// torrent core's concurrency model.
type Config struct {
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	UnchokeWait         time.Duration `yaml:"unchoke_wait"`
	InterestedResend    time.Duration `yaml:"interested_resend"`
	BitfieldWait        time.Duration `yaml:"bitfield_wait"`
	BlockTimeout        time.Duration `yaml:"block_timeout"`
	MaxFailures         int           `yaml:"max_failures"`
	MaxInflight         int           `yaml:"max_inflight"`
	InboxCapacity       int           `yaml:"inbox_capacity"`
	PEXInterval         time.Duration `yaml:"pex_interval"`
	ProtocolCoolingOff  time.Duration `yaml:"protocol_cooling_off"`
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.UnchokeWait == 0 {
		c.UnchokeWait = 10 * time.Second
	}
	if c.InterestedResend == 0 {
		c.InterestedResend = 3 * time.Second
	}
	if c.BitfieldWait == 0 {
		c.BitfieldWait = 500 * time.Millisecond
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = 1
	}
	if c.InboxCapacity == 0 {
		c.InboxCapacity = 64
	}
	if c.PEXInterval == 0 {
		c.PEXInterval = 45 * time.Second
	}
	if c.ProtocolCoolingOff == 0 {
		c.ProtocolCoolingOff = 30 * time.Second
	}
}
