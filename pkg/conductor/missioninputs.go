package conductor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const summaryPlaybookMD = `# Summary Playbook

When summarizing a call:

1. Start with a 2-3 sentence high-level summary.
2. Explicitly list:
   - risks
   - blockers
   - commitments
3. Extract action items with:
   - owner
   - due date (if mentioned)
   - short description
`

// callSummaryInputs holds everything the conductor writes into the
// worktree before dispatching a call-summary mission.
type callSummaryInputs struct {
	MissionType string
	RunID       string
	OrderID     string
	RequestID   string
	Theater     string
	Objective   string
	Message     string
	Overrides   map[string]interface{}
}

// write prepares inputs/ and context/ inside the vault-provisioned
// worktree: the transcript, the mission payload, a CRM-style account
// context, and the summary playbook guidance.
func (in *callSummaryInputs) write(worktreePath string) error {
	inputsDir := filepath.Join(worktreePath, "inputs")
	contextDir := filepath.Join(worktreePath, "context")
	for _, dir := range []string{inputsDir, contextDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	callMD := fmt.Sprintf(
		"# Call Summary Mission\n\nMission type: %s\nRun: %s  Order: %s  Request: %s\nTheater: %s\nObjective: %s\n\n---\n\n%s\n",
		in.MissionType, in.RunID, in.OrderID, in.RequestID, in.Theater, in.Objective, in.Message,
	)
	if err := os.WriteFile(filepath.Join(inputsDir, "call.md"), []byte(callMD), 0o644); err != nil {
		return fmt.Errorf("failed to write call.md: %w", err)
	}

	mission := map[string]interface{}{
		"mission_type": in.MissionType,
		"run_id":       in.RunID,
		"order_id":     in.OrderID,
		"request_id":   in.RequestID,
		"theater":      in.Theater,
		"objective":    in.Objective,
		"overrides":    in.Overrides,
		"source":       "co.chat",
	}
	data, err := json.MarshalIndent(mission, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(inputsDir, "mission.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write mission.json: %w", err)
	}

	account := map[string]interface{}{
		"account_name":   overrideStr(in.Overrides, "account_name", "Unknown Account"),
		"contact_name":   overrideStr(in.Overrides, "contact_name", "Unknown Contact"),
		"industry":       "Unknown",
		"current_plan":   "Unknown",
		"renewal_date":   nil,
		"account_health": "Unknown",
	}
	data, err = json.MarshalIndent(account, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(contextDir, "account.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write account.json: %w", err)
	}

	if err := os.WriteFile(filepath.Join(contextDir, "playbook.md"), []byte(summaryPlaybookMD), 0o644); err != nil {
		return fmt.Errorf("failed to write playbook.md: %w", err)
	}
	return nil
}

func overrideStr(m map[string]interface{}, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}
