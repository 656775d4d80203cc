// Package config loads the tunables a peer uses for its timing-sensitive
// protocols, with compiled-in defaults, named speed profiles, and an
// optional YAML override file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tunables collects every timing constant and network default named by the
// protocol. Field order mirrors the external-interfaces table.
type Tunables struct {
	MulticastGroup string        `yaml:"multicast_group"`
	MulticastPort  int           `yaml:"multicast_port"`
	HeartbeatInt   time.Duration `yaml:"heartbeat_interval"`
	FailTimeout    time.Duration `yaml:"fail_timeout"`
	HelloTimeout   time.Duration `yaml:"hello_timeout"`
	BullyTimeout   time.Duration `yaml:"bully_timeout"`

	ConsensusInterval    time.Duration `yaml:"consensus_interval"`
	RoundQueryTimeout    time.Duration `yaml:"round_query_timeout"`
	ValueProcessDelay    time.Duration `yaml:"value_process_delay"`
	ResponseProcessDelay time.Duration `yaml:"response_process_delay"`
	LeaderQueryDelay     time.Duration `yaml:"leader_query_delay"`
	LeaderConsensusDelay time.Duration `yaml:"leader_consensus_delay"`
}

// Default returns the baseline tunables named in the external-interfaces
// table ("normal" profile).
func Default() Tunables {
	return Tunables{
		MulticastGroup: "224.1.1.1",
		MulticastPort:  50000,
		HeartbeatInt:   200 * time.Millisecond,
		FailTimeout:    5 * time.Second,
		HelloTimeout:   2 * time.Second,
		BullyTimeout:   5 * time.Second,

		ConsensusInterval:    10 * time.Second,
		RoundQueryTimeout:    6 * time.Second,
		ValueProcessDelay:    2 * time.Second,
		ResponseProcessDelay: 2 * time.Second,
		LeaderQueryDelay:     3 * time.Second,
		LeaderConsensusDelay: 3 * time.Second,
	}
}

// Profile scales the timeout family of a base Tunables set. "slow" and
// "fast" exist so a test harness can compress or stretch the protocol's
// real-time behavior without touching individual fields.
func Profile(name string, base Tunables) (Tunables, error) {
	var factor float64
	switch name {
	case "", "normal":
		return base, nil
	case "slow":
		factor = 2.0
	case "fast":
		factor = 0.5
	default:
		return Tunables{}, fmt.Errorf("unknown profile %q", name)
	}

	scale := func(d time.Duration) time.Duration {
		return time.Duration(float64(d) * factor)
	}
	base.HeartbeatInt = scale(base.HeartbeatInt)
	base.FailTimeout = scale(base.FailTimeout)
	base.HelloTimeout = scale(base.HelloTimeout)
	base.BullyTimeout = scale(base.BullyTimeout)
	base.ConsensusInterval = scale(base.ConsensusInterval)
	base.RoundQueryTimeout = scale(base.RoundQueryTimeout)
	base.ValueProcessDelay = scale(base.ValueProcessDelay)
	base.ResponseProcessDelay = scale(base.ResponseProcessDelay)
	base.LeaderQueryDelay = scale(base.LeaderQueryDelay)
	base.LeaderConsensusDelay = scale(base.LeaderConsensusDelay)
	return base, nil
}

// Load reads a YAML overrides file and applies it on top of base. Only
// fields present in the file are overridden; zero-value fields in the
// decoded struct are left at base's value by decoding into a copy of base.
func Load(path string, base Tunables) (Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, fmt.Errorf("read config %s: %w", path, err)
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return Tunables{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return out, nil
}
