package llm

import (
	"fmt"
	"time"

	"github.com/xyzplatform/dispatchd/pkg/models"
)

// TimeLayout is the wall-clock format the prompts require from the model.
const TimeLayout = "2006-01-02 15:04:05"

// ParseOwnerTime parses a model-produced timestamp, interpreting it in the
// owner's timezone, and returns the UTC instant. An unknown timezone falls
// back to UTC.
func ParseOwnerTime(value, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(TimeLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", value, err)
	}
	return t.UTC(), nil
}

// AnalystOutput decides whether an utterance becomes a task.
type AnalystOutput struct {
	Thinking          string          `json:"thinking"`
	IsSplittable      bool            `json:"is_splittable"`
	Name              string          `json:"name"`
	ExpectExecuteTime string          `json:"expect_execute_time"`
	Keywords          models.Keywords `json:"keywords"`
	PRD               string          `json:"prd"`
}

// RefactorOutput rewrites a task from an update prompt.
type RefactorOutput struct {
	Thinking          string          `json:"thinking"`
	Name              string          `json:"name"`
	ExpectExecuteTime string          `json:"expect_execute_time"`
	Keywords          models.Keywords `json:"keywords"`
	PRD               string          `json:"prd"`
}

// PlanningOutput is the first-round execution plan derived from the prd.
type PlanningOutput struct {
	Thinking string `json:"thinking"`
	Process  string `json:"process"`
}

// UnitSpec is one planned sub-unit.
type UnitSpec struct {
	Name      string `json:"name"`
	Objective string `json:"objective"`
}

// UnitListOutput is the set of units for the next round.
type UnitListOutput struct {
	Thinking string     `json:"thinking"`
	UnitList []UnitSpec `json:"unit_list"`
}

// UnitExecuteOutput is the result of executing one unit.
type UnitExecuteOutput struct {
	Thinking string `json:"thinking"`
	Output   string `json:"output"`
}

// NextStateOutput is the planner decision after a round settles. NotifyUser
// and Replenish are set only for a waiting decision; NextExecuteTime only for
// a scheduled one.
type NextStateOutput struct {
	Thinking        string              `json:"thinking"`
	Process         string              `json:"process"`
	State           models.PlannerState `json:"state"`
	NotifyUser      string              `json:"notify_user,omitempty"`
	Replenish       []string            `json:"replenish,omitempty"`
	NextExecuteTime string              `json:"next_execute_time,omitempty"`
}

// WaitingMergeOutput folds a user reply into the execution plan.
type WaitingMergeOutput struct {
	Thinking string `json:"thinking"`
	Process  string `json:"process"`
}

// ResultOutput is the final user-facing result of a finished task.
type ResultOutput struct {
	Thinking string `json:"thinking"`
	Result   string `json:"result"`
}
