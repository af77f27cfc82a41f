// Package schema validates untyped orchestrator output against the four
// fixed artifact shapes before anything touches storage. All functions are
// pure; a failure names the artifact and the first failing field path.
package schema

import (
	"encoding/json"
	"fmt"
)

const (
	ArtifactBrief          = "brief"
	ArtifactPhasePlan      = "plan"
	ArtifactCheckpointList = "checkpoints"
	ArtifactTaskList       = "tasks"
)

// PhaseCount is fixed business logic, not configuration: every plan has
// exactly five phases.
const PhaseCount = 5

type Error struct {
	Artifact string
	Path     string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Artifact, e.Path, e.Reason)
}

func errAt(artifact, path, reason string) *Error {
	return &Error{Artifact: artifact, Path: path, Reason: reason}
}

type Brief struct {
	Overview    string   `json:"overview"`
	Objectives  []string `json:"objectives"`
	Audience    string   `json:"audience,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

type PhasePlan struct {
	Phases []PhaseEntry `json:"phases"`
}

type PhaseEntry struct {
	Phase int      `json:"phase"`
	Goals []string `json:"goals"`
}

type CheckpointList struct {
	Checkpoints []CheckpointEntry `json:"checkpoints"`
}

type CheckpointEntry struct {
	Phase int    `json:"phase"`
	Name  string `json:"name"`
}

type TaskList struct {
	Tasks []TaskEntry `json:"tasks"`
}

type TaskEntry struct {
	CheckpointName string `json:"checkpointName"`
	Title          string `json:"title"`
	Priority       *int   `json:"priority,omitempty"`
}

// EffectivePriority applies the documented default of 2 when absent.
func (t TaskEntry) EffectivePriority() int {
	if t.Priority == nil {
		return 2
	}
	return *t.Priority
}

func ParseBrief(raw json.RawMessage) (Brief, error) {
	var b Brief
	if err := decodeStrictObject(raw, ArtifactBrief, &b); err != nil {
		return Brief{}, err
	}
	if b.Overview == "" {
		return Brief{}, errAt(ArtifactBrief, "overview", "non-empty string required")
	}
	if len(b.Objectives) == 0 {
		return Brief{}, errAt(ArtifactBrief, "objectives", "non-empty string list required")
	}
	for i, o := range b.Objectives {
		if o == "" {
			return Brief{}, errAt(ArtifactBrief, fmt.Sprintf("objectives[%d]", i), "non-empty string required")
		}
	}
	for i, c := range b.Constraints {
		if c == "" {
			return Brief{}, errAt(ArtifactBrief, fmt.Sprintf("constraints[%d]", i), "non-empty string required")
		}
	}
	return b, nil
}

func ParsePhasePlan(raw json.RawMessage) (PhasePlan, error) {
	var p PhasePlan
	if err := decodeStrictObject(raw, ArtifactPhasePlan, &p); err != nil {
		return PhasePlan{}, err
	}
	if len(p.Phases) != PhaseCount {
		return PhasePlan{}, errAt(ArtifactPhasePlan, "phases",
			fmt.Sprintf("exactly %d entries required, got %d", PhaseCount, len(p.Phases)))
	}
	for i, ph := range p.Phases {
		if ph.Phase < 1 || ph.Phase > PhaseCount {
			return PhasePlan{}, errAt(ArtifactPhasePlan, fmt.Sprintf("phases[%d].phase", i),
				fmt.Sprintf("integer in 1..%d required", PhaseCount))
		}
		if len(ph.Goals) == 0 {
			return PhasePlan{}, errAt(ArtifactPhasePlan, fmt.Sprintf("phases[%d].goals", i), "non-empty string list required")
		}
		for j, g := range ph.Goals {
			if g == "" {
				return PhasePlan{}, errAt(ArtifactPhasePlan, fmt.Sprintf("phases[%d].goals[%d]", i, j), "non-empty string required")
			}
		}
	}
	return p, nil
}

func ParseCheckpointList(raw json.RawMessage) (CheckpointList, error) {
	var c CheckpointList
	if err := decodeStrictObject(raw, ArtifactCheckpointList, &c); err != nil {
		return CheckpointList{}, err
	}
	for i, cp := range c.Checkpoints {
		if cp.Phase < 1 || cp.Phase > PhaseCount {
			return CheckpointList{}, errAt(ArtifactCheckpointList, fmt.Sprintf("checkpoints[%d].phase", i),
				fmt.Sprintf("integer in 1..%d required", PhaseCount))
		}
		if cp.Name == "" {
			return CheckpointList{}, errAt(ArtifactCheckpointList, fmt.Sprintf("checkpoints[%d].name", i), "non-empty string required")
		}
	}
	return c, nil
}

func ParseTaskList(raw json.RawMessage) (TaskList, error) {
	var t TaskList
	if err := decodeStrictObject(raw, ArtifactTaskList, &t); err != nil {
		return TaskList{}, err
	}
	for i, task := range t.Tasks {
		if task.CheckpointName == "" {
			return TaskList{}, errAt(ArtifactTaskList, fmt.Sprintf("tasks[%d].checkpointName", i), "non-empty string required")
		}
		if task.Title == "" {
			return TaskList{}, errAt(ArtifactTaskList, fmt.Sprintf("tasks[%d].title", i), "non-empty string required")
		}
		if task.Priority != nil && (*task.Priority < 1 || *task.Priority > 3) {
			return TaskList{}, errAt(ArtifactTaskList, fmt.Sprintf("tasks[%d].priority", i), "integer in 1..3 required")
		}
	}
	return t, nil
}

func decodeStrictObject(raw json.RawMessage, artifact string, dst any) error {
	if len(raw) == 0 {
		return errAt(artifact, ".", "object required, got nothing")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errAt(artifact, ".", err.Error())
	}
	return nil
}
