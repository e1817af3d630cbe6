package model

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundID(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	assert.Equal(t, fmt.Sprintf("round_%d_alice", now.UnixMilli()), RoundID(now, "alice"))
}

func TestChoiceAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		choice  string
		want    bool
	}{
		{name: "any_when_unset", allowed: nil, choice: "whatever", want: true},
		{name: "exact", allowed: []string{"yes", "no"}, choice: "yes", want: true},
		{name: "case_insensitive", allowed: []string{"yes", "no"}, choice: "YES", want: true},
		{name: "rejected", allowed: []string{"yes", "no"}, choice: "maybe", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRound("round_1_a", "t", tt.allowed, time.Now(), time.Minute, true)
			assert.Equal(t, tt.want, r.ChoiceAllowed(tt.choice))
		})
	}
}

func TestRemaining(t *testing.T) {
	start := time.Now()
	r := NewRound("round_1_a", "t", nil, start, time.Minute, true)
	assert.Equal(t, 30*time.Second, r.Remaining(start.Add(30*time.Second)))
	assert.Equal(t, time.Duration(0), r.Remaining(start.Add(2*time.Minute)))
}

func TestUniqueKeyProviders(t *testing.T) {
	r := NewRound("round_1_a", "t", nil, time.Now(), time.Minute, true)
	r.Keys["a"] = &BallotKey{Key: "k1", KeyProvider: "alice"}
	r.Keys["b"] = &BallotKey{Key: "k2", KeyProvider: "alice"}
	r.Keys["c"] = &BallotKey{Key: "k3", KeyProvider: "bob"}
	// a bare VOTE_KEY has no provider and does not count
	r.Keys["d"] = &BallotKey{Key: "k4"}
	assert.Equal(t, 2, r.UniqueKeyProviders())
}
