// Package progress computes completion percentages bottom-up: task status
// weights roll into checkpoint percentages, checkpoints average into the
// project figure. The weighting is deliberately non-linear so in-flight and
// blocked work moves the needle before anything is done.
package progress

import (
	"context"
	"math"

	"crtvstudio/internal/domain"
	"crtvstudio/internal/repo"
)

// Status weights are a fixed design constant, not configuration.
const (
	weightDone       = 1.0
	weightInProgress = 0.5
	weightBlocked    = 0.25
)

func taskWeight(status string) float64 {
	switch status {
	case "done":
		return weightDone
	case "in_progress":
		return weightInProgress
	case "blocked":
		return weightBlocked
	default:
		// review and todo both count as zero
		return 0
	}
}

// CheckpointCompletion returns 0..100 for a checkpoint's tasks. An empty
// task list is 0, not 100: a checkpoint with no work planned is not done.
func CheckpointCompletion(tasks []domain.Task) int {
	if len(tasks) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tasks {
		sum += taskWeight(t.Status)
	}
	return int(math.Round(sum / float64(len(tasks)) * 100))
}

// ProjectCompletion is the unweighted mean of checkpoint percentages.
func ProjectCompletion(checkpointPcts []int) int {
	if len(checkpointPcts) == 0 {
		return 0
	}
	sum := 0
	for _, p := range checkpointPcts {
		sum += p
	}
	return int(math.Round(float64(sum) / float64(len(checkpointPcts))))
}

type CheckpointProgress struct {
	Checkpoint domain.Checkpoint `json:"checkpoint"`
	Completion int               `json:"completion"`
	TaskCount  int               `json:"task_count"`
}

type ProjectProgress struct {
	Project     domain.Project       `json:"project"`
	Completion  int                  `json:"completion"`
	Checkpoints []CheckpointProgress `json:"checkpoints"`
}

// Rollup reads task state through the repository and computes progress on
// demand. It never mutates anything unless SyncProject is asked to.
type Rollup struct {
	Repo repo.Repo
}

func (r Rollup) ForProject(ctx context.Context, projectID int64) (ProjectProgress, error) {
	p, err := r.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectProgress{}, err
	}
	checkpoints, err := r.Repo.CheckpointsByProject(ctx, projectID)
	if err != nil {
		return ProjectProgress{}, err
	}
	out := ProjectProgress{Project: p, Checkpoints: make([]CheckpointProgress, 0, len(checkpoints))}
	pcts := make([]int, 0, len(checkpoints))
	for _, c := range checkpoints {
		tasks, err := r.Repo.TasksByCheckpoint(ctx, c.ID)
		if err != nil {
			return ProjectProgress{}, err
		}
		pct := CheckpointCompletion(tasks)
		pcts = append(pcts, pct)
		out.Checkpoints = append(out.Checkpoints, CheckpointProgress{Checkpoint: c, Completion: pct, TaskCount: len(tasks)})
	}
	out.Completion = ProjectCompletion(pcts)
	return out, nil
}

func (r Rollup) ForIdea(ctx context.Context, ideaID int64) ([]ProjectProgress, error) {
	projects, err := r.Repo.ProjectsByIdea(ctx, ideaID)
	if err != nil {
		return nil, err
	}
	res := make([]ProjectProgress, 0, len(projects))
	for _, p := range projects {
		pp, err := r.ForProject(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, pp)
	}
	return res, nil
}

// SyncProject writes the computed completion back to the project row so
// list views can read it without recomputing.
func (r Rollup) SyncProject(ctx context.Context, projectID int64) (ProjectProgress, error) {
	pp, err := r.ForProject(ctx, projectID)
	if err != nil {
		return ProjectProgress{}, err
	}
	if pp.Completion != pp.Project.Progress {
		if err := r.Repo.UpdateProjectProgress(ctx, projectID, pp.Completion); err != nil {
			return ProjectProgress{}, err
		}
		pp.Project.Progress = pp.Completion
	}
	return pp, nil
}
