package llm

import (
	"embed"
	"fmt"
	"strings"
	"time"
)

// Phase selects the prompt bundle and output shape of one call.
type Phase string

const (
	PhaseAnalyst           Phase = "analyst"
	PhasePlanner           Phase = "planner"
	PhaseRefactor          Phase = "refactor"
	PhaseUnitGenerator     Phase = "unit-generator"
	PhaseUnitExecutor      Phase = "unit-executor"
	PhaseNextState         Phase = "next-state"
	PhaseWaitingHandler    Phase = "waiting-handler"
	PhaseResultSynthesiser Phase = "result-synthesiser"
)

//go:embed prompts/*.md
var promptFS embed.FS

// SystemPrompt loads the phase prompt and stamps the current UTC wall clock.
func SystemPrompt(phase Phase) (string, error) {
	raw, err := promptFS.ReadFile(fmt.Sprintf("prompts/%s.md", phase))
	if err != nil {
		return "", fmt.Errorf("unknown prompt phase %q: %w", phase, err)
	}
	now := time.Now().UTC().Format(TimeLayout)
	return strings.ReplaceAll(string(raw), "{{current_time}}", now), nil
}
