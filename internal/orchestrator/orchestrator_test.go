package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emergent-company/emergent.strategy-sub008/internal/jobs"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/ai"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/ratelimit"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/schema"
)

// fakeModel answers structured generation calls from a canned response
// function and counts attempts.
type fakeModel struct {
	mu      sync.Mutex
	calls   int
	metrics ai.ModelMetrics

	// respond returns the JSON entity list for one prompt, or an error.
	respond func(prompt string) (string, error)
}

func (f *fakeModel) GenerateCompletionWithFormat(
	_ context.Context, _, _ string, prompt string, out any, _ ...ai.GenerateOption,
) error {
	f.mu.Lock()
	f.calls++
	f.metrics.TotalTokens += 100
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return json.Unmarshal([]byte(`{"entities":[]}`), out)
	}
	payload, err := respond(prompt)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), out)
}

func (f *fakeModel) GenerateEmbedding(_ context.Context, _ []byte) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f *fakeModel) ResetMetrics() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = ai.ModelMetrics{}
}

func (f *fakeModel) GetMetrics() ai.ModelMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type mapSource struct {
	docs map[string]string
}

func (s *mapSource) LoadText(_ context.Context, _, documentID string) (string, error) {
	text, ok := s.docs[documentID]
	if !ok {
		return "", fmt.Errorf("document %s not found", documentID)
	}
	return text, nil
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	registry := schema.NewRegistry()
	for _, name := range []string{"Person", "Place"} {
		registry.RegisterType("test", schema.TypeSchema{
			Name:        name,
			Description: name + " entities",
			Definition: map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": map[string]any{"type": "string"}},
			},
		})
	}
	return registry
}

func entityJSON(name string, confidence float64) string {
	return fmt.Sprintf(
		`{"entities":[{"name":%q,"description":"seen in text","business_key":%q,"confidence":%g}]}`,
		name, name, confidence)
}

type fixture struct {
	jobs  *jobs.MemoryStore
	graph *graphstore.MemoryStore
	model *fakeModel
	orch  *Orchestrator
}

func newFixture(t *testing.T, model *fakeModel, docs map[string]string) *fixture {
	t.Helper()

	jobStore := jobs.NewMemoryStore()
	graphStore := graphstore.NewMemoryStore()
	limiter := ratelimit.NewLimiter(ratelimit.NewLimiterParams{
		RequestLimit: 100000,
		TokenLimit:   100000000,
	})

	orch := NewOrchestrator(NewOrchestratorParams{
		Jobs:     jobStore,
		Graph:    graphStore,
		Registry: testRegistry(t),
		Model:    model,
		Limiter:  limiter,
		Source:   &mapSource{docs: docs},
		WorkerID: "test-worker",
	})

	return &fixture{jobs: jobStore, graph: graphStore, model: model, orch: orch}
}

func createJob(t *testing.T, f *fixture, job *jobs.Job) *jobs.Job {
	t.Helper()
	created, err := f.jobs.CreateJob(context.Background(), job)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return created
}

func TestRunOnceCompletesJob(t *testing.T) {
	model := &fakeModel{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Person entities") {
			return entityJSON("Ada Lovelace", 0.95), nil
		}
		return `{"entities":[]}`, nil
	}}
	f := newFixture(t, model, map[string]string{"doc-1": "Ada Lovelace wrote the first program."})

	job := createJob(t, f, &jobs.Job{
		ProjectID:    "proj",
		DocumentID:   "doc-1",
		EnabledTypes: []string{"Person", "Place"},
		MaxRetries:   2,
		Config:       jobs.Config{LinkingStrategy: "key_match"},
	})

	claimed, err := f.orch.RunOnce(context.Background(), "w1")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !claimed {
		t.Fatal("expected a job to be claimed")
	}

	done, err := f.jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s, want %s (error: %s)", done.Status, jobs.StatusCompleted, done.ErrorMessage)
	}
	// One chunk and two types make two units.
	if done.TotalItems != 2 || done.ProcessedItems != 2 || done.SuccessfulItems != 2 {
		t.Errorf("counters = total %d, processed %d, successful %d, want 2/2/2",
			done.TotalItems, done.ProcessedItems, done.SuccessfulItems)
	}

	obj, err := f.graph.FindLiveObjectByKey(context.Background(), "proj", "", "Person", "Ada Lovelace")
	if err != nil {
		t.Fatalf("FindLiveObjectByKey: %v", err)
	}
	if obj.Provenance.ExtractionJobID != job.ID {
		t.Errorf("provenance job = %q, want %q", obj.Provenance.ExtractionJobID, job.ID)
	}
	if obj.Provenance.NeedsReview {
		t.Error("confidence 0.95 must not be flagged for review")
	}

	var summary string
	for _, entry := range done.Logs {
		if strings.Contains(entry.Message, "discovered types") {
			summary = entry.Message
		}
	}
	if !strings.Contains(summary, "Person") || !strings.Contains(summary, obj.CanonicalID) {
		t.Errorf("completion summary %q missing discovered type or created id", summary)
	}
}

func TestRunOnceFlagsRequiresReview(t *testing.T) {
	model := &fakeModel{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Person entities") {
			return entityJSON("Ada Lovelace", 0.8), nil
		}
		return `{"entities":[]}`, nil
	}}
	f := newFixture(t, model, map[string]string{"doc-1": "Ada Lovelace wrote the first program."})

	job := createJob(t, f, &jobs.Job{
		ProjectID:    "proj",
		DocumentID:   "doc-1",
		EnabledTypes: []string{"Person"},
		MaxRetries:   2,
	})

	if _, err := f.orch.RunOnce(context.Background(), "w1"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	done, err := f.jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.Status != jobs.StatusRequiresReview {
		t.Fatalf("status = %s, want %s", done.Status, jobs.StatusRequiresReview)
	}
}

func TestRunOnceAbsorbsUnitFailures(t *testing.T) {
	model := &fakeModel{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Place entities") {
			return "", errors.New("malformed output that even repair cannot recover")
		}
		return entityJSON("Ada Lovelace", 0.95), nil
	}}
	f := newFixture(t, model, map[string]string{"doc-1": "Ada Lovelace visited London."})

	job := createJob(t, f, &jobs.Job{
		ProjectID:    "proj",
		DocumentID:   "doc-1",
		EnabledTypes: []string{"Person", "Place"},
		MaxRetries:   2,
	})

	if _, err := f.orch.RunOnce(context.Background(), "w1"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	done, err := f.jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	// The Place unit fails but the job still finishes.
	if done.Status != jobs.StatusCompleted && done.Status != jobs.StatusRequiresReview {
		t.Fatalf("status = %s, want a finished state (error: %s)", done.Status, done.ErrorMessage)
	}
	if done.SuccessfulItems != 1 || done.FailedItems != 1 || done.ProcessedItems != 2 {
		t.Errorf("counters = successful %d, failed %d, processed %d, want 1/1/2",
			done.SuccessfulItems, done.FailedItems, done.ProcessedItems)
	}
}

func TestRunOnceProviderUnavailableFailsJob(t *testing.T) {
	model := &fakeModel{respond: func(_ string) (string, error) {
		return "", fmt.Errorf("%w: connection refused", ai.ErrProviderUnavailable)
	}}
	f := newFixture(t, model, map[string]string{"doc-1": "Some text."})

	job := createJob(t, f, &jobs.Job{
		ProjectID:    "proj",
		DocumentID:   "doc-1",
		EnabledTypes: []string{"Person", "Place"},
		MaxRetries:   2,
	})

	if _, err := f.orch.RunOnce(context.Background(), "w1"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	done, err := f.jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want %s", done.Status, jobs.StatusFailed)
	}
	if done.ErrorMessage == "" {
		t.Error("error_message not set")
	}
	// Fatal on the first unit: no further calls were issued.
	if model.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", model.callCount())
	}
}

func TestRunOnceMissingDocumentFailsJob(t *testing.T) {
	f := newFixture(t, &fakeModel{}, map[string]string{})

	job := createJob(t, f, &jobs.Job{
		ProjectID:    "proj",
		DocumentID:   "missing",
		EnabledTypes: []string{"Person"},
		MaxRetries:   2,
	})

	if _, err := f.orch.RunOnce(context.Background(), "w1"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	done, err := f.jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want %s", done.Status, jobs.StatusFailed)
	}
	if !strings.Contains(done.ErrorMessage, "missing") {
		t.Errorf("error_message = %q", done.ErrorMessage)
	}
}

func TestRunOnceCooperativeCancellation(t *testing.T) {
	var f *fixture
	var jobID string

	// The first unit (Person) extracts normally; the cancel lands during
	// the second unit's (Place) in-flight model call.
	model := &fakeModel{}
	model.respond = func(prompt string) (string, error) {
		if strings.Contains(prompt, "Place entities") {
			if _, err := f.jobs.CancelJob(context.Background(), jobID); err != nil {
				return "", err
			}
			return entityJSON("London", 0.95), nil
		}
		return entityJSON("Ada Lovelace", 0.95), nil
	}
	f = newFixture(t, model, map[string]string{"doc-1": "Ada Lovelace visited London."})

	job := createJob(t, f, &jobs.Job{
		ProjectID:    "proj",
		DocumentID:   "doc-1",
		EnabledTypes: []string{"Person", "Place"},
		MaxRetries:   2,
	})
	jobID = job.ID

	if _, err := f.orch.RunOnce(context.Background(), "w1"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	done, err := f.jobs.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.Status != jobs.StatusCancelled {
		t.Fatalf("status = %s, want %s", done.Status, jobs.StatusCancelled)
	}
	// Work committed before the cancel stays committed.
	if _, err := f.graph.FindLiveObjectByKey(context.Background(), "proj", "", "Person", "Ada Lovelace"); err != nil {
		t.Errorf("committed entity lost after cancel: %v", err)
	}
	// The in-flight unit's results are discarded.
	if _, err := f.graph.FindLiveObjectByKey(context.Background(), "proj", "", "Place", "London"); !errors.Is(err, graphstore.ErrNotFound) {
		t.Errorf("discarded unit was persisted anyway (err = %v)", err)
	}
	if done.ProcessedItems != 1 {
		t.Errorf("processed = %d, want 1 (cancelled unit not counted)", done.ProcessedItems)
	}
}

func TestRunOnceRateLimitTimeoutRequeues(t *testing.T) {
	f := newFixture(t, &fakeModel{}, map[string]string{"doc-1": "Some text."})

	// Starve the limiter so the first capacity wait can never succeed, and
	// keep the bounded wait short so the timeout fires quickly.
	f.orch.limiter = ratelimit.NewLimiter(ratelimit.NewLimiterParams{
		RequestLimit: 1,
		TokenLimit:   1,
	})
	f.orch.maxWait = 10 * time.Millisecond

	job := createJob(t, f, &jobs.Job{
		ProjectID:    "proj",
		DocumentID:   "doc-1",
		EnabledTypes: []string{"Person"},
		MaxRetries:   2,
	})

	if _, err := f.orch.RunOnce(context.Background(), "w1"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	done, err := f.jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.Status != jobs.StatusPending {
		t.Fatalf("status = %s, want %s", done.Status, jobs.StatusPending)
	}
	if done.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", done.RetryCount)
	}
}

func TestRunOnceRequeuedJobCompletesOnRetry(t *testing.T) {
	model := &fakeModel{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Person entities") {
			return entityJSON("Ada Lovelace", 0.95), nil
		}
		return `{"entities":[]}`, nil
	}}
	f := newFixture(t, model, map[string]string{"doc-1": "Ada Lovelace wrote the first program."})

	// One request of budget: the first unit runs, the second unit's
	// capacity wait times out and the job goes back to pending.
	f.orch.limiter = ratelimit.NewLimiter(ratelimit.NewLimiterParams{
		RequestLimit: 1,
		TokenLimit:   100000000,
	})
	f.orch.maxWait = 10 * time.Millisecond

	job := createJob(t, f, &jobs.Job{
		ProjectID:    "proj",
		DocumentID:   "doc-1",
		EnabledTypes: []string{"Person", "Place"},
		MaxRetries:   2,
	})

	if _, err := f.orch.RunOnce(context.Background(), "w1"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	requeued, err := f.jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if requeued.Status != jobs.StatusPending {
		t.Fatalf("status = %s, want %s", requeued.Status, jobs.StatusPending)
	}
	if requeued.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", requeued.RetryCount)
	}
	// Progress from the abandoned pass is discarded so the next worker can
	// count every unit again.
	if requeued.ProcessedItems != 0 || requeued.SuccessfulItems != 0 || requeued.FailedItems != 0 {
		t.Errorf("counters = %d/%d/%d after requeue, want 0/0/0",
			requeued.ProcessedItems, requeued.SuccessfulItems, requeued.FailedItems)
	}

	// With capacity restored the re-claimed job re-runs both units and
	// finishes cleanly.
	f.orch.limiter = ratelimit.NewLimiter(ratelimit.NewLimiterParams{
		RequestLimit: 100000,
		TokenLimit:   100000000,
	})

	if _, err := f.orch.RunOnce(context.Background(), "w2"); err != nil {
		t.Fatalf("RunOnce after requeue: %v", err)
	}

	done, err := f.jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s, want %s (error: %s)", done.Status, jobs.StatusCompleted, done.ErrorMessage)
	}
	if done.TotalItems != 2 || done.ProcessedItems != 2 {
		t.Errorf("counters = total %d, processed %d, want 2/2", done.TotalItems, done.ProcessedItems)
	}
}

func TestRunOnceNoJobs(t *testing.T) {
	f := newFixture(t, &fakeModel{}, nil)

	claimed, err := f.orch.RunOnce(context.Background(), "w1")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if claimed {
		t.Error("nothing to claim, but RunOnce reported a job")
	}
}
