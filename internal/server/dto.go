package server

import (
	"crtvstudio/internal/domain"
	"crtvstudio/internal/engine"
	"crtvstudio/internal/progress"
	"crtvstudio/internal/schema"
)

type SubmitIdeaRequest struct {
	Summary string `json:"summary" example:"Build a podcast app"`
}

type IdeaResponse struct {
	ID            int64  `json:"id"`
	StakeholderID int64  `json:"stakeholder_id"`
	Status        string `json:"status"`
	Summary       string `json:"summary"`
	CreatedAt     string `json:"created_at"`
}

func ideaResponse(i domain.Idea) IdeaResponse {
	return IdeaResponse{
		ID:            i.ID,
		StakeholderID: i.StakeholderID,
		Status:        i.Status,
		Summary:       i.Summary,
		CreatedAt:     i.CreatedAt,
	}
}

func mapIdeas(in []domain.Idea) []IdeaResponse {
	out := make([]IdeaResponse, 0, len(in))
	for _, i := range in {
		out = append(out, ideaResponse(i))
	}
	return out
}

type BriefResponse struct {
	ID        int64               `json:"id"`
	IdeaID    int64               `json:"idea_id"`
	Content   domain.BriefContent `json:"content"`
	Version   int                 `json:"version"`
	CreatedAt string              `json:"created_at"`
}

func briefResponse(b domain.Brief) BriefResponse {
	return BriefResponse{
		ID:        b.ID,
		IdeaID:    b.IdeaID,
		Content:   b.Content,
		Version:   b.Version,
		CreatedAt: b.CreatedAt,
	}
}

// IntakeResponse carries the generated artifacts for immediate display.
type IntakeResponse struct {
	Idea        IdeaResponse          `json:"idea"`
	Brief       BriefResponse         `json:"brief"`
	Plan        schema.PhasePlan      `json:"plan"`
	Checkpoints schema.CheckpointList `json:"checkpoints"`
	Tasks       schema.TaskList       `json:"tasks"`
}

func intakeResponse(r engine.IntakeResult) IntakeResponse {
	return IntakeResponse{
		Idea:        ideaResponse(r.Idea),
		Brief:       briefResponse(r.Brief),
		Plan:        r.Plan,
		Checkpoints: r.Checkpoints,
		Tasks:       r.Tasks,
	}
}

type ApprovalResponse struct {
	ProjectsCreated    int    `json:"projects_created"`
	CheckpointsCreated int    `json:"checkpoints_created"`
	TasksCreated       int    `json:"tasks_created"`
	AlreadyApproved    bool   `json:"already_approved"`
	Message            string `json:"message,omitempty"`
}

func approvalResponse(r engine.ApprovalResult) ApprovalResponse {
	return ApprovalResponse{
		ProjectsCreated:    r.ProjectsCreated,
		CheckpointsCreated: r.CheckpointsCreated,
		TasksCreated:       r.TasksCreated,
		AlreadyApproved:    r.AlreadyApproved,
		Message:            r.Message,
	}
}

type ProjectResponse struct {
	ID       int64  `json:"id"`
	IdeaID   int64  `json:"idea_id"`
	Phase    int    `json:"phase"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:       p.ID,
		IdeaID:   p.IdeaID,
		Phase:    p.Phase,
		Status:   p.Status,
		Progress: p.Progress,
	}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

type CheckpointResponse struct {
	ID        int64   `json:"id"`
	ProjectID int64   `json:"project_id"`
	Name      string  `json:"name"`
	Due       *string `json:"due,omitempty"`
	Status    string  `json:"status"`
}

func checkpointResponse(c domain.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		ID:        c.ID,
		ProjectID: c.ProjectID,
		Name:      c.Name,
		Due:       c.Due,
		Status:    c.Status,
	}
}

func mapCheckpoints(in []domain.Checkpoint) []CheckpointResponse {
	out := make([]CheckpointResponse, 0, len(in))
	for _, c := range in {
		out = append(out, checkpointResponse(c))
	}
	return out
}

type TaskResponse struct {
	ID           int64  `json:"id"`
	CheckpointID int64  `json:"checkpoint_id"`
	AssigneeID   *int64 `json:"assignee_id,omitempty"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Priority     int    `json:"priority"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		CheckpointID: t.CheckpointID,
		AssigneeID:   t.AssigneeID,
		Title:        t.Title,
		Status:       t.Status,
		Priority:     t.Priority,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, taskResponse(t))
	}
	return out
}

type UpdateTaskRequest struct {
	Status   *string `json:"status,omitempty" enum:"todo,in_progress,review,done,blocked"`
	Assignee *int64  `json:"assignee_id,omitempty"`
	Priority *int    `json:"priority,omitempty" minimum:"1" maximum:"3"`
}

type ReviewRequest struct {
	Note string `json:"note,omitempty"`
}

type ProgressResponse struct {
	Project     ProjectResponse              `json:"project"`
	Completion  int                          `json:"completion"`
	Checkpoints []CheckpointProgressResponse `json:"checkpoints"`
}

type CheckpointProgressResponse struct {
	Checkpoint CheckpointResponse `json:"checkpoint"`
	Completion int                `json:"completion"`
	TaskCount  int                `json:"task_count"`
}

func progressResponse(p progress.ProjectProgress) ProgressResponse {
	out := ProgressResponse{
		Project:     projectResponse(p.Project),
		Completion:  p.Completion,
		Checkpoints: []CheckpointProgressResponse{},
	}
	for _, cp := range p.Checkpoints {
		out.Checkpoints = append(out.Checkpoints, CheckpointProgressResponse{
			Checkpoint: checkpointResponse(cp.Checkpoint),
			Completion: cp.Completion,
			TaskCount:  cp.TaskCount,
		})
	}
	return out
}

func mapProgress(in []progress.ProjectProgress) []ProgressResponse {
	out := make([]ProgressResponse, 0, len(in))
	for _, p := range in {
		out = append(out, progressResponse(p))
	}
	return out
}

type EventResponse struct {
	ID         int64  `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Kind       string `json:"kind"`
	Data       string `json:"data"`
	CreatedAt  string `json:"created_at"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Kind:       e.Kind,
		Data:       e.Data,
		CreatedAt:  e.CreatedAt,
	}
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}
