package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaults(t *testing.T) {
	cfg := (&Config{NodeID: "alice", Port: 3001}).WithDefaults()

	assert.Equal(t, DefaultHeartBeatInterval, cfg.HeartBeatInterval)
	assert.Equal(t, DefaultBeaconInterval, cfg.BeaconInterval)
	assert.Equal(t, DefaultBeaconPort, cfg.BeaconPort)
	assert.Equal(t, DefaultBroadcastAddress, cfg.BroadcastAddress)
	assert.Equal(t, DefaultStatusInterval, cfg.StatusInterval)
	assert.Equal(t, DefaultVotingSeconds, cfg.DefaultVotingSeconds)
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := (&Config{
		NodeID:            "alice",
		Port:              3001,
		HeartBeatInterval: time.Second,
		BeaconPort:        50000,
	}).WithDefaults()

	assert.Equal(t, time.Second, cfg.HeartBeatInterval)
	assert.Equal(t, 50000, cfg.BeaconPort)
	assert.Equal(t, DefaultBeaconInterval, cfg.BeaconInterval)
}

func TestClampVotingSeconds(t *testing.T) {
	cfg := (&Config{NodeID: "alice", Port: 3001}).WithDefaults()

	tests := []struct {
		name    string
		seconds int
		want    int
	}{
		{name: "below_minimum", seconds: 29, want: 100},
		{name: "at_minimum", seconds: 30, want: 30},
		{name: "in_range", seconds: 120, want: 120},
		{name: "at_maximum", seconds: 600, want: 600},
		{name: "above_maximum", seconds: 601, want: 100},
		{name: "zero", seconds: 0, want: 100},
		{name: "negative", seconds: -5, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.ClampVotingSeconds(tt.seconds))
		})
	}
}
