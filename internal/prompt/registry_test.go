package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_DefinesEveryStage(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	for _, id := range StageIDs {
		tmpl, ok := r.Get(id)
		require.True(t, ok, "missing %s", id)
		assert.NotEmpty(t, tmpl.Description)
	}
	assert.Len(t, r.IDs(), len(StageIDs))

	again, err := Default()
	require.NoError(t, err)
	assert.Same(t, r, again)
}

func TestRender_Planner(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	out, err := r.Render(Planner, Data{
		Width:              3,
		ProblemDescription: "sum two integers",
		TestCases:          "def check(candidate): assert candidate(2,3)==5",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Problem: sum two integers")
	assert.Contains(t, out, "Identify 3 distinct algorithmic approaches")
	assert.Contains(t, out, `"approaches": [`)
	assert.NotContains(t, out, "{{")
}

func TestRender_BranchesRangeOverWidth(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	data := Data{
		ProblemDescription: "p",
		PlannerOutput:      "{}",
		Evaluation:         "approach-02 is best",
		Branches: []Branch{
			{ID: "approach-01", Number: 1, Code: "def a(): pass", Reasoning: "r1"},
			{ID: "approach-02", Number: 2, Code: "def b(): pass", Reasoning: "r2"},
		},
	}

	out, err := r.Render(Evaluator, data)
	require.NoError(t, err)
	assert.Contains(t, out, "Coding Agent 2 (approach-02) Solution:\ndef b(): pass")
	assert.Contains(t, out, "Reasoning Agent 1 (approach-01) Output:\nr1")
	assert.NotContains(t, out, "Agent 3")

	out, err = r.Render(Synthesizer, data)
	require.NoError(t, err)
	assert.Contains(t, out, "Arbitrator Evaluation: approach-02 is best")
}

func TestRender_MissingRequiredValue(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	_, err = r.Render(Reasoning, Data{ProblemDescription: "p", OriginalQuestion: "q"})
	assert.ErrorIs(t, err, ErrMissingValue)

	_, err = r.Render(StageID("unknown"), Data{})
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestRender_VerificationNeedsNothing(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	out, err := r.Render(Verification, Data{})
	require.NoError(t, err)
	assert.Contains(t, out, "check(candidate)")
	assert.Contains(t, out, "the time limit")
}

func writeOverrides(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Overrides(t *testing.T) {
	path := writeOverrides(t, `
[coding]
text = "Write {{.ProblemDescription}} using {{.ReasoningOutput}}"
`)
	r, err := Load(path)
	require.NoError(t, err)

	out, err := r.Render(Coding, Data{ProblemDescription: "p", ReasoningOutput: "plan", OriginalQuestion: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Write p using plan\n", out)

	tmpl, _ := r.Get(Coding)
	assert.Equal(t, "Implement one branch's plan as a Python function.", tmpl.Description)
}

func TestLoad_RejectsBadOverrides(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown stage", body: "[judge]\ntext = \"x\"\n"},
		{name: "unknown placeholder", body: "[planner]\ntext = \"{{.Budget}}\"\n"},
		{name: "unknown required field", body: "[planner]\nrequires = [\"Budget\"]\n"},
		{name: "template syntax", body: "[planner]\ntext = \"{{.Width\"\n"},
		{name: "not toml", body: "[planner\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeOverrides(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
