package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fyrsmithlabs/arbiter/internal/prompt"
)

// Static replays canned responses. Each stage has its own queue; once a
// queue is down to its last response that response is repeated, so one
// reasoning entry can serve every branch.
type Static struct {
	mu        sync.Mutex
	responses map[prompt.StageID][]string
	calls     map[prompt.StageID]int
}

// NewStatic creates a Static generator from per-stage responses.
func NewStatic(responses map[prompt.StageID][]string) *Static {
	copied := make(map[prompt.StageID][]string, len(responses))
	for id, rs := range responses {
		copied[id] = append([]string(nil), rs...)
	}
	return &Static{responses: copied, calls: map[prompt.StageID]int{}}
}

// LoadScript reads a JSON object mapping stage IDs to response lists.
func LoadScript(path string) (*Static, error) {
	if path == "" {
		return nil, fmt.Errorf("script file required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	var script map[prompt.StageID][]string
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parsing script %s: %w", path, err)
	}
	return NewStatic(script), nil
}

// Generate returns the next response queued for stage.
func (s *Static) Generate(_ context.Context, stage prompt.StageID, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.responses[stage]
	if len(queue) == 0 {
		return "", fmt.Errorf("no scripted response for stage %q", stage)
	}
	n := s.calls[stage]
	s.calls[stage] = n + 1
	if n >= len(queue) {
		n = len(queue) - 1
	}
	return queue[n], nil
}

// Calls returns how many times stage was requested.
func (s *Static) Calls(stage prompt.StageID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}
