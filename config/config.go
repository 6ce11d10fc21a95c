// Package config aggregates every component's tunables into the single
// document a deployment edits, loaded with gopkg.in/yaml.v2 the way the
// rest of the ambient stack expects.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/mhollis/leechcore/arbiter"
	"github.com/mhollis/leechcore/core"
	"github.com/mhollis/leechcore/logging"
	"github.com/mhollis/leechcore/metrics"
	"github.com/mhollis/leechcore/session"
	"github.com/mhollis/leechcore/swarm"
)

// Config is the root configuration document for one leech/seed run.
type Config struct {
	// TorrentFile is the path to the .torrent file to download or seed.
	TorrentFile string `yaml:"torrent_file"`
	// DownloadDir is where the torrent's files are written.
	DownloadDir string `yaml:"download_dir"`
	// ListenPort is the TCP port this peer accepts inbound connections on.
	ListenPort int `yaml:"listen_port"`
	// PeerIDFactory selects how the local peer id is derived, per
	// core.PeerIDFactory ("random" or "addr_hash").
	PeerIDFactory string `yaml:"peer_id_factory"`
	// AnnounceIP is this peer's own address. It is filtered out of outgoing
	// PEX gossip and feeds the addr_hash peer id; it is not sent in tracker
	// announces, so the tracker infers our address from the connection.
	AnnounceIP string `yaml:"announce_ip"`
	// ExpectedInfoHash, if set, is the 40-character hex info hash the
	// loaded torrent file must match; left empty, no check is performed.
	// Guards against starting against a stale or swapped-out torrent file.
	ExpectedInfoHash string `yaml:"expected_info_hash"`
	// Version is advertised in the BEP 10 extended handshake.
	Version string `yaml:"version"`

	Session session.Config `yaml:"session"`
	Arbiter arbiter.Config `yaml:"arbiter"`
	Swarm   swarm.Config   `yaml:"swarm"`
	Logging logging.Config `yaml:"logging"`
	Metrics metrics.Config `yaml:"metrics"`
}

func (c *Config) applyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = 6881
	}
	if c.PeerIDFactory == "" {
		c.PeerIDFactory = string(core.RandomPeerIDFactory)
	}
	if c.Version == "" {
		c.Version = "leechcore/1.0.0"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "."
	}
}

// Load reads and parses a yaml configuration document from path, applying
// defaults to any zero-valued field.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	return &c, nil
}
