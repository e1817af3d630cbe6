package round

import (
	"sort"
	"strings"

	"github.com/votemesh/votemesh/pkg/model"
)

// Tally reduces a decrypted vote map to the ordered result list. Choices
// are normalized to lowercase; entries sort by count descending, then by
// choice ascending. Given the same multiset of choices, every node
// produces the identical ordered list.
func Tally(decrypted map[string]*model.DecryptedVote) []model.TallyEntry {
	counts := make(map[string]int)
	for _, v := range decrypted {
		counts[strings.ToLower(v.Choice)]++
	}

	out := make([]model.TallyEntry, 0, len(counts))
	for choice, count := range counts {
		out = append(out, model.TallyEntry{Choice: choice, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Choice < out[j].Choice
	})
	return out
}

// TalliesEqual reports element-wise equality of two ordered tallies on
// both fields.
func TalliesEqual(a, b []model.TallyEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Choice != b[i].Choice || a[i].Count != b[i].Count {
			return false
		}
	}
	return true
}

func equalChoice(a, b string) bool {
	return strings.EqualFold(a, b)
}
