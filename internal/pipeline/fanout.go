package pipeline

import (
	"fmt"

	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

// BranchID returns the stable ID of the i-th (0-based) branch.
func BranchID(i int) string {
	return fmt.Sprintf("approach-%02d", i+1)
}

// SelectApproaches maps planner approaches onto branches of the given width.
//
//   - truncate: the first min(len, width) approaches; fewer branches when
//     the planner returned fewer approaches.
//   - pad: exactly width branches, cycling through the approaches in order.
//   - strict: exactly width approaches are required.
//
// The result depends only on its inputs.
func SelectApproaches(approaches []string, width int, policy string) ([]Assignment, error) {
	if width < 1 {
		return nil, fmt.Errorf("fan-out width must be >= 1, got %d", width)
	}
	if len(approaches) == 0 {
		return nil, schema.SchemaViolation(schema.StagePlanner, "approaches", "must contain at least 1 item(s)")
	}

	var picked []string
	switch policy {
	case config.FanOutTruncate, "":
		picked = approaches[:min(len(approaches), width)]
	case config.FanOutPad:
		picked = make([]string, width)
		for i := range picked {
			picked[i] = approaches[i%len(approaches)]
		}
	case config.FanOutStrict:
		if len(approaches) != width {
			return nil, schema.SchemaViolation(schema.StagePlanner, "approaches",
				fmt.Sprintf("expected exactly %d approaches, got %d", width, len(approaches)))
		}
		picked = approaches
	default:
		return nil, fmt.Errorf("unknown fan-out policy %q", policy)
	}

	out := make([]Assignment, len(picked))
	for i, a := range picked {
		out[i] = Assignment{ID: BranchID(i), Approach: a}
	}
	return out, nil
}
