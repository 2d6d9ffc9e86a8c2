package conductor

// Playbook describes how the conductor handles a mission type. The
// concrete orchestration steps stay in Chat; a playbook only remaps the
// worker mission type and documents the mission.
type Playbook struct {
	MissionType       string
	Description       string
	WorkerMissionType string
}

var playbooks = map[string]Playbook{
	"filesystem_agent.call_summary": {
		MissionType:       "filesystem_agent.call_summary",
		Description:       "Call transcript → summary + action items from worktree inputs/ and context/.",
		WorkerMissionType: "filesystem_agent.call_summary",
	},
}

// LookupPlaybook returns the playbook for a mission type. Unknown mission
// types fall through to the default single-shot mission.
func LookupPlaybook(missionType string) (Playbook, bool) {
	pb, ok := playbooks[missionType]
	return pb, ok
}
