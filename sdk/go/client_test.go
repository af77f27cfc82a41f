package crtvsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Payloads below mirror what the server actually emits: the brief content is
// a structured object, errors come wrapped in the {error:{code,message}}
// envelope.

const intakePayload = `{
  "idea": {"id": 1, "stakeholder_id": 7, "status": "in_review", "summary": "Build a podcast app", "created_at": "2024-01-01T00:00:00Z"},
  "brief": {
    "id": 1,
    "idea_id": 1,
    "content": {
      "overview": "Generated overview for: Build a podcast app",
      "objectives": ["Define project scope", "Assemble team", "Create timeline"],
      "audience": "Project stakeholders and team members",
      "constraints": ["Budget considerations", "Timeline requirements"]
    },
    "version": 1,
    "created_at": "2024-01-01T00:00:00Z"
  },
  "plan": {"phases": [{"phase": 1, "goals": ["Project setup and planning"]}]},
  "checkpoints": {"checkpoints": [{"phase": 1, "name": "Project Setup Complete"}]},
  "tasks": {"tasks": [{"checkpointName": "Project Setup Complete", "title": "Setup repository", "priority": 1}]}
}`

func TestSubmitIdeaDecodesStructuredBrief(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/ideas" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(intakePayload))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0")
	c.BearerToken = "tok"
	intake, err := c.SubmitIdea(context.Background(), "Build a podcast app")
	if err != nil {
		t.Fatalf("submit idea: %v", err)
	}
	if intake.Idea.ID != 1 || intake.Idea.Status != "in_review" {
		t.Fatalf("unexpected idea: %+v", intake.Idea)
	}
	if intake.Brief.Content.Overview != "Generated overview for: Build a podcast app" {
		t.Fatalf("unexpected brief overview %q", intake.Brief.Content.Overview)
	}
	if len(intake.Brief.Content.Objectives) != 3 {
		t.Fatalf("expected 3 objectives, got %v", intake.Brief.Content.Objectives)
	}
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"reviews_missing","message":"reviews missing: producer","details":{"missing":["producer"]}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0")
	_, err := c.CloseCheckpoint(context.Background(), 3)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "reviews_missing" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
