package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStartGrammar(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Start
	}{
		{
			name: "topic_choices_seconds",
			line: `start "x" yes,no 60`,
			want: Start{Topic: "x", Choices: []string{"yes", "no"}, Seconds: 60},
		},
		{
			name: "topic_and_seconds",
			line: `start Q 120`,
			want: Start{Topic: "Q", Choices: nil, Seconds: 120},
		},
		{
			name: "topic_only",
			line: `start Should we deploy`,
			want: Start{Topic: "Should we deploy", Choices: nil, Seconds: 0},
		},
		{
			name: "multiword_topic_with_choices",
			line: `start Deploy to prod? yes,no,abstain 90`,
			want: Start{Topic: "Deploy to prod?", Choices: []string{"yes", "no", "abstain"}, Seconds: 90},
		},
		{
			name: "spaced_commas_only_last_token_counts",
			line: `start T a, b ,c`,
			// fields split first, so only the final token ",c" is the
			// choice list; its empty piece is dropped
			want: Start{Topic: "T a, b", Choices: []string{"c"}, Seconds: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			require.NoError(t, err)
			require.IsType(t, Start{}, cmd)
			assert.Equal(t, tt.want, cmd.(Start))
		})
	}
}

func TestParseStartChoicesTrimmed(t *testing.T) {
	cmd, err := Parse("start T yes,no,maybe 45")
	require.NoError(t, err)
	assert.Equal(t, Start{Topic: "T", Choices: []string{"yes", "no", "maybe"}, Seconds: 45}, cmd)
}

func TestParseCommands(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{line: "help", want: Help{}},
		{line: "status", want: Status{}},
		{line: "peers", want: Peers{}},
		{line: "network", want: Network{}},
		{line: "topology", want: Network{}},
		{line: "discover", want: Discover{}},
		{line: "find-peers", want: Discover{}},
		{line: "vote yes", want: Vote{Choice: "yes"}},
		{line: "results", want: Results{}},
		{line: "verify", want: Verify{}},
		{line: "debug", want: Debug{}},
		{line: "check-duplicates", want: CheckDuplicates{}},
		{line: "validate", want: CheckDuplicates{}},
		{line: "whoami", want: WhoAmI{}},
		{line: "info", want: WhoAmI{}},
		{line: "gui-info", want: GUIInfo{}},
		{line: "quit", want: Quit{}},
		{line: "exit", want: Quit{}},
		{line: "STATUS", want: Status{}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, line := range []string{"frobnicate", "vote", "start"} {
		t.Run(line, func(t *testing.T) {
			_, err := Parse(line)
			assert.Error(t, err)
		})
	}
}

func TestParseEmptyLine(t *testing.T) {
	cmd, err := Parse("   ")
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

// fakeOps records which operation ran.
type fakeOps struct{ last string }

func (f *fakeOps) Status() string  { f.last = "status"; return "ok" }
func (f *fakeOps) Peers() string   { f.last = "peers"; return "ok" }
func (f *fakeOps) Network() string { f.last = "network"; return "ok" }
func (f *fakeOps) Discover() string {
	f.last = "discover"
	return "ok"
}
func (f *fakeOps) Start(topic string, choices []string, seconds int) string {
	f.last = "start"
	return "ok"
}
func (f *fakeOps) Vote(choice string) string { f.last = "vote " + choice; return "ok" }
func (f *fakeOps) Results() string           { f.last = "results"; return "ok" }
func (f *fakeOps) Verify() string            { f.last = "verify"; return "ok" }
func (f *fakeOps) Debug() string             { f.last = "debug"; return "ok" }
func (f *fakeOps) CheckDuplicates() string   { f.last = "check"; return "ok" }
func (f *fakeOps) WhoAmI() string            { f.last = "whoami"; return "ok" }
func (f *fakeOps) GUIInfo() string           { f.last = "gui"; return "ok" }

func TestExecuteNamed(t *testing.T) {
	ops := &fakeOps{}

	assert.Equal(t, "ok", ExecuteNamed(ops, "status", nil))
	assert.Equal(t, "status", ops.last)

	assert.Equal(t, "ok", ExecuteNamed(ops, "vote", []string{"yes"}))
	assert.Equal(t, "vote yes", ops.last)

	assert.Equal(t, "ok", ExecuteNamed(ops, "start", []string{"Q", "yes,no", "60"}))
	assert.Equal(t, "start", ops.last)

	// observers cannot reach operator-only commands
	out := ExecuteNamed(ops, "debug", nil)
	assert.Contains(t, out, "not available")
}
