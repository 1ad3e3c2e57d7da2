package schema

import "encoding/json"

// Stage names used in violations and in the stage registry.
const (
	StagePlanner   = "planner"
	StageReasoning = "reasoning"
	StageProblem   = "problem"
)

// ProblemSpec is the immutable input of one pipeline run.
type ProblemSpec struct {
	ProblemDescription string `json:"problem_description" validate:"notblank"`
	TestCases          string `json:"test_cases"`
}

// PlannerOutput is the planner stage contract.
type PlannerOutput struct {
	ProblemDescription string   `json:"problem_description" validate:"notblank"`
	Approaches         []string `json:"approaches" validate:"required,min=1,dive,notblank"`
}

// ReasoningOutput is the reasoning stage contract, one per branch.
//
// List fields must be present JSON arrays but may be empty.
type ReasoningOutput struct {
	AlgorithmBreakdown   string   `json:"algorithm_breakdown" validate:"notblank"`
	DataStructuresNeeded []string `json:"data_structures_needed" validate:"required"`
	ImplementationSteps  []string `json:"implementation_steps" validate:"required"`
	EdgeCases            []string `json:"edge_cases" validate:"required"`
	ComplexityAnalysis   string   `json:"complexity_analysis" validate:"notblank"`
	PotentialPitfalls    []string `json:"potential_pitfalls" validate:"required"`
	PseudoCode           *string  `json:"pseudo_code,omitempty"`
}

// JSON renders the output for inclusion in downstream prompts.
func (r ReasoningOutput) JSON() string {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		// Only strings and string slices; marshaling cannot fail.
		return ""
	}
	return string(b)
}

// JSON renders the plan for inclusion in downstream prompts.
func (p PlannerOutput) JSON() string {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
