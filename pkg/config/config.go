package config

import (
	"time"
)

// Config represents the node config
type Config struct {
	// NodeID is the operator-chosen node name
	NodeID string `json:"node_id"`
	// Port is the listen port for peer links
	Port int `json:"port"`
	// Seeds contain the host:port addresses to attempt at startup
	Seeds []string `json:"seeds,omitempty"`

	// HeartBeatInterval is the interval duration for liveness broadcasts
	HeartBeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
	// BeaconInterval is the interval duration for LAN presence beacons
	BeaconInterval time.Duration `json:"beacon_interval,omitempty"`
	// BeaconPort is the UDP port shared by all discovery beacons
	BeaconPort int `json:"beacon_port,omitempty"`
	// BroadcastAddress is the LAN broadcast address for beacons
	BroadcastAddress string `json:"broadcast_address,omitempty"`
	// StatusInterval is the interval duration for observer status snapshots
	StatusInterval time.Duration `json:"status_interval,omitempty"`

	// DefaultVotingSeconds is the round duration used when none is given
	// or the given one is out of range
	DefaultVotingSeconds int `json:"default_voting_seconds,omitempty"`

	// DisableGUI turns the observer plane off
	DisableGUI bool `json:"disable_gui,omitempty"`
	// MetricsAddress, when set, serves Prometheus metrics on this address
	MetricsAddress string `json:"metrics_address,omitempty"`
}

// Defaults of the protocol timing knobs.
const (
	DefaultHeartBeatInterval = 10 * time.Second
	DefaultBeaconInterval    = 5 * time.Second
	DefaultBeaconPort        = 41234
	DefaultBroadcastAddress  = "255.255.255.255"
	DefaultStatusInterval    = 2 * time.Second
	DefaultVotingSeconds     = 100

	// MinVotingSeconds and MaxVotingSeconds bound a requested round
	// duration; anything outside clamps to the default.
	MinVotingSeconds = 30
	MaxVotingSeconds = 600
)

// WithDefaults fills every unset knob with its protocol default.
func (c *Config) WithDefaults() *Config {
	out := *c
	if out.HeartBeatInterval == 0 {
		out.HeartBeatInterval = DefaultHeartBeatInterval
	}
	if out.BeaconInterval == 0 {
		out.BeaconInterval = DefaultBeaconInterval
	}
	if out.BeaconPort == 0 {
		out.BeaconPort = DefaultBeaconPort
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = DefaultBroadcastAddress
	}
	if out.StatusInterval == 0 {
		out.StatusInterval = DefaultStatusInterval
	}
	if out.DefaultVotingSeconds == 0 {
		out.DefaultVotingSeconds = DefaultVotingSeconds
	}
	return &out
}

// ClampVotingSeconds validates a requested round duration, falling back to
// the default when it is out of range.
func (c *Config) ClampVotingSeconds(seconds int) int {
	if seconds < MinVotingSeconds || seconds > MaxVotingSeconds {
		return c.DefaultVotingSeconds
	}
	return seconds
}
