package round

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/votemesh/votemesh/pkg/model"
)

func decryptedOf(choices ...string) map[string]*model.DecryptedVote {
	out := make(map[string]*model.DecryptedVote, len(choices))
	for i, c := range choices {
		out[string(rune('a'+i))] = &model.DecryptedVote{Choice: c}
	}
	return out
}

func TestTally(t *testing.T) {
	tests := []struct {
		name    string
		choices []string
		want    []model.TallyEntry
	}{
		{
			name:    "empty",
			choices: nil,
			want:    []model.TallyEntry{},
		},
		{
			name:    "count_desc",
			choices: []string{"yes", "no", "yes"},
			want: []model.TallyEntry{
				{Choice: "yes", Count: 2},
				{Choice: "no", Count: 1},
			},
		},
		{
			name:    "tie_breaks_lexicographically",
			choices: []string{"a", "b", "a", "b", "c"},
			want: []model.TallyEntry{
				{Choice: "a", Count: 2},
				{Choice: "b", Count: 2},
				{Choice: "c", Count: 1},
			},
		},
		{
			name:    "case_normalized",
			choices: []string{"Yes", "YES", "no"},
			want: []model.TallyEntry{
				{Choice: "yes", Count: 2},
				{Choice: "no", Count: 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tally(decryptedOf(tt.choices...))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTallyDeterminism(t *testing.T) {
	// the same multiset under different ids must give the same tally
	a := map[string]*model.DecryptedVote{
		"id1": {Choice: "yes"},
		"id2": {Choice: "no"},
		"id3": {Choice: "yes"},
	}
	b := map[string]*model.DecryptedVote{
		"x9": {Choice: "no"},
		"q2": {Choice: "YES"},
		"m5": {Choice: "Yes"},
	}
	assert.True(t, TalliesEqual(Tally(a), Tally(b)))
}

func TestTalliesEqual(t *testing.T) {
	tests := []struct {
		name string
		a    []model.TallyEntry
		b    []model.TallyEntry
		want bool
	}{
		{
			name: "equal",
			a:    []model.TallyEntry{{Choice: "yes", Count: 2}, {Choice: "no", Count: 1}},
			b:    []model.TallyEntry{{Choice: "yes", Count: 2}, {Choice: "no", Count: 1}},
			want: true,
		},
		{
			name: "different_order",
			a:    []model.TallyEntry{{Choice: "yes", Count: 1}, {Choice: "no", Count: 1}},
			b:    []model.TallyEntry{{Choice: "no", Count: 1}, {Choice: "yes", Count: 1}},
			want: false,
		},
		{
			name: "different_count",
			a:    []model.TallyEntry{{Choice: "yes", Count: 2}},
			b:    []model.TallyEntry{{Choice: "yes", Count: 1}},
			want: false,
		},
		{
			name: "different_length",
			a:    []model.TallyEntry{{Choice: "yes", Count: 1}},
			b:    nil,
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TalliesEqual(tt.a, tt.b))
		})
	}
}
