package queue

import (
	"context"
	"testing"

	"github.com/emergent-company/emergent.strategy-sub008/internal/jobs"
)

func TestProcessTriggerMessageCreatesPendingJob(t *testing.T) {
	store := jobs.NewMemoryStore()

	msg := `{
		"tenant_id": "tenant-1",
		"project_id": "proj-1",
		"document_id": "doc-1",
		"enabled_types": ["Person", "Place"],
		"max_retries": 3,
		"extraction_config": {"chunk_size": 50000, "linking_strategy": "key_match"}
	}`
	if err := ProcessTriggerMessage(context.Background(), store, msg); err != nil {
		t.Fatalf("ProcessTriggerMessage: %v", err)
	}

	created, err := store.ListJobs(context.Background(), "proj-1", jobs.StatusPending, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("jobs created = %d, want 1", len(created))
	}

	job := created[0]
	if job.DocumentID != "doc-1" || job.MaxRetries != 3 {
		t.Errorf("job = %+v", job)
	}
	if len(job.EnabledTypes) != 2 {
		t.Errorf("enabled types = %v", job.EnabledTypes)
	}
	if job.Config.ChunkSize != 50000 || job.Config.LinkingStrategy != "key_match" {
		t.Errorf("config = %+v", job.Config)
	}
}

func TestProcessTriggerMessageRejectsIncomplete(t *testing.T) {
	store := jobs.NewMemoryStore()

	tests := []struct {
		name string
		msg  string
	}{
		{"invalid json", `{not json`},
		{"missing project", `{"document_id": "doc-1"}`},
		{"missing document", `{"project_id": "proj-1"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := ProcessTriggerMessage(context.Background(), store, tc.msg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
