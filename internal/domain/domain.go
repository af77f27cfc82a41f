package domain

import "encoding/json"

type Idea struct {
	ID            int64  `json:"id"`
	StakeholderID int64  `json:"stakeholder_id"`
	Status        string `json:"status" enum:"submitted,in_review,active"`
	Summary       string `json:"summary"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// Brief carries the orchestrator output for an idea. Content is the
// display artifact; AIMeta is what the approval engine expands from.
type Brief struct {
	ID        int64        `json:"id"`
	IdeaID    int64        `json:"idea_id"`
	Content   BriefContent `json:"content"`
	Version   int          `json:"version"`
	AIMeta    *AIMeta      `json:"ai_meta,omitempty"`
	CreatedAt string       `json:"created_at" format:"date-time"`
}

type BriefContent struct {
	Overview    string   `json:"overview"`
	Objectives  []string `json:"objectives"`
	Audience    string   `json:"audience,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// AIMeta is the durable record of a generation run. The plan, checkpoint
// and task artifacts are stored as validated JSON so approval can re-read
// them later without another orchestrator call.
type AIMeta struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Plan           json.RawMessage `json:"plan,omitempty"`
	Checkpoints    json.RawMessage `json:"checkpoints,omitempty"`
	Tasks          json.RawMessage `json:"tasks,omitempty"`
}

type Project struct {
	ID       int64  `json:"id"`
	IdeaID   int64  `json:"idea_id"`
	Phase    int    `json:"phase"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

type Checkpoint struct {
	ID        int64   `json:"id"`
	ProjectID int64   `json:"project_id"`
	Name      string  `json:"name"`
	Due       *string `json:"due,omitempty" format:"date-time"`
	Status    string  `json:"status"`
}

type Task struct {
	ID           int64  `json:"id"`
	CheckpointID int64  `json:"checkpoint_id"`
	AssigneeID   *int64 `json:"assignee_id,omitempty"`
	Title        string `json:"title"`
	Status       string `json:"status" enum:"todo,in_progress,review,done,blocked"`
	Priority     int    `json:"priority"`
}

// Event is one row of the append-only activity log. Rows are never
// mutated or deleted.
type Event struct {
	ID         int64  `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Kind       string `json:"kind"`
	Data       string `json:"data_json"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
