package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sift/internal/item"
	"github.com/kalambet/sift/internal/storage"
)

type mockAnalyzer struct {
	analyzeFn   func(ctx context.Context, it item.Item, content string, tags []string) (*item.Analysis, error)
	followUpFn  func(ctx context.Context, it item.Item, prior *item.Analysis, notes []item.Note, tags []string) (*item.Analysis, error)
	normalizeFn func(ctx context.Context, it item.Item) (string, error)
}

func (m *mockAnalyzer) Analyze(ctx context.Context, it item.Item, content string, tags []string) (*item.Analysis, error) {
	if m.analyzeFn == nil {
		return &item.Analysis{Overview: "mock"}, nil
	}
	return m.analyzeFn(ctx, it, content, tags)
}

func (m *mockAnalyzer) FollowUp(ctx context.Context, it item.Item, prior *item.Analysis, notes []item.Note, tags []string) (*item.Analysis, error) {
	if m.followUpFn == nil {
		return &item.Analysis{Overview: "mock follow-up"}, nil
	}
	return m.followUpFn(ctx, it, prior, notes, tags)
}

func (m *mockAnalyzer) NormalizeTitle(ctx context.Context, it item.Item) (string, error) {
	if m.normalizeFn == nil {
		return "Mock Title", nil
	}
	return m.normalizeFn(ctx, it)
}

// rawResolver hands back the item content untouched.
type rawResolver struct{}

func (rawResolver) Resolve(ctx context.Context, it item.Item) string {
	return it.Content
}

func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createItem(t *testing.T, s storage.Store, it item.Item) item.Item {
	t.Helper()
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.Owner == "" {
		it.Owner = "alice"
	}
	if it.Type == "" {
		it.Type = item.TypeText
	}
	if err := s.CreateItem(it); err != nil {
		t.Fatalf("creating item: %v", err)
	}
	return it
}

func enqueue(t *testing.T, s storage.Store, itemID, jobType string) string {
	t.Helper()
	jobID, err := s.Enqueue(itemID, "alice", jobType, "")
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	return jobID
}

func jobStatus(t *testing.T, s *storage.SQLiteStore, jobID string) (string, string) {
	t.Helper()
	var status, lastError string
	err := s.DB().QueryRow(`SELECT status, last_error FROM worker_jobs WHERE id = ?`, jobID).
		Scan(&status, &lastError)
	if err != nil {
		t.Fatalf("reading job %s: %v", jobID, err)
	}
	return status, lastError
}

func TestRunBatchNoHandler(t *testing.T) {
	rt := New(openTestStore(t), 60, time.Second)
	if _, err := rt.RunBatch(context.Background(), "analysis", 1); err == nil {
		t.Error("expected error for unregistered job type")
	}
}

func TestAnalysisJobDerivesStatus(t *testing.T) {
	tests := []struct {
		name       string
		analysis   *item.Analysis
		wantStatus item.Status
		wantStep   string
	}{
		{
			name: "timeline",
			analysis: &item.Analysis{
				Overview: "a reservation",
				Timeline: []item.TimelineEvent{{Date: "2026-09-01"}},
				FollowUp: "ignored by derivation",
			},
			wantStatus: item.StatusTimeline,
			wantStep:   "timeline",
		},
		{
			name:       "follow-up",
			analysis:   &item.Analysis{Overview: "an article", FollowUp: "Worth re-reading?"},
			wantStatus: item.StatusFollowUp,
			wantStep:   "follow_up",
		},
		{
			name:       "analyzed",
			analysis:   &item.Analysis{Overview: "just text"},
			wantStatus: item.StatusAnalyzed,
			wantStep:   "done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			it := createItem(t, s, item.Item{Content: "something"})
			jobID := enqueue(t, s, it.ID, storage.JobAnalysis)

			mock := &mockAnalyzer{
				analyzeFn: func(ctx context.Context, _ item.Item, _ string, _ []string) (*item.Analysis, error) {
					return tt.analysis, nil
				},
			}
			rt := New(s, 60, time.Second)
			rt.Register(storage.JobAnalysis, NewAnalysisHandler(mock, rawResolver{}))

			n, err := rt.RunBatch(context.Background(), storage.JobAnalysis, 1)
			if err != nil {
				t.Fatalf("running batch: %v", err)
			}
			if n != 1 {
				t.Fatalf("processed %d jobs, want 1", n)
			}

			got, err := s.GetItem(it.ID)
			if err != nil {
				t.Fatalf("getting item: %v", err)
			}
			if got.Status != tt.wantStatus || got.NextStep != tt.wantStep {
				t.Errorf("item = %s/%s, want %s/%s", got.Status, got.NextStep, tt.wantStatus, tt.wantStep)
			}
			if got.Analysis == nil || got.Analysis.Overview != tt.analysis.Overview {
				t.Errorf("analysis not stored: %+v", got.Analysis)
			}

			if status, _ := jobStatus(t, s, jobID); status != storage.JobCompleted {
				t.Errorf("job status = %q, want completed", status)
			}
		})
	}
}

func TestAnalysisJobNoContent(t *testing.T) {
	s := openTestStore(t)
	it := createItem(t, s, item.Item{Content: "   "})
	jobID := enqueue(t, s, it.ID, storage.JobAnalysis)

	called := false
	mock := &mockAnalyzer{
		analyzeFn: func(ctx context.Context, _ item.Item, _ string, _ []string) (*item.Analysis, error) {
			called = true
			return nil, errors.New("must not be called")
		},
	}
	rt := New(s, 60, time.Second)
	rt.Register(storage.JobAnalysis, NewAnalysisHandler(mock, rawResolver{}))

	if _, err := rt.RunBatch(context.Background(), storage.JobAnalysis, 1); err != nil {
		t.Fatalf("running batch: %v", err)
	}
	if called {
		t.Error("analyzer called for empty content")
	}

	got, _ := s.GetItem(it.ID)
	if got.Status != item.StatusProcessed || got.NextStep != "no_content" {
		t.Errorf("item = %s/%s, want processed/no_content", got.Status, got.NextStep)
	}
	if status, _ := jobStatus(t, s, jobID); status != storage.JobCompleted {
		t.Errorf("empty content should complete the job, got %q", status)
	}
}

func TestAnalysisJobFailureLeavesItemUntouched(t *testing.T) {
	s := openTestStore(t)
	it := createItem(t, s, item.Item{Content: "something"})
	jobID := enqueue(t, s, it.ID, storage.JobAnalysis)

	mock := &mockAnalyzer{
		analyzeFn: func(ctx context.Context, _ item.Item, _ string, _ []string) (*item.Analysis, error) {
			return nil, errors.New("model unavailable")
		},
	}
	rt := New(s, 60, time.Second)
	rt.Register(storage.JobAnalysis, NewAnalysisHandler(mock, rawResolver{}))

	if _, err := rt.RunBatch(context.Background(), storage.JobAnalysis, 1); err != nil {
		t.Fatalf("running batch: %v", err)
	}

	status, lastError := jobStatus(t, s, jobID)
	if status != storage.JobFailed {
		t.Errorf("job status = %q, want failed", status)
	}
	if lastError == "" {
		t.Error("expected last_error to be recorded")
	}

	got, _ := s.GetItem(it.ID)
	if got.Status != item.StatusNew {
		t.Errorf("item status = %q, want new after failed analysis", got.Status)
	}
	if got.Analysis != nil {
		t.Error("no analysis should be stored on failure")
	}
}

func TestAnalysisJobSkipsAnalyzedItem(t *testing.T) {
	s := openTestStore(t)
	it := createItem(t, s, item.Item{
		Content:  "something",
		Status:   item.StatusAnalyzed,
		Analysis: &item.Analysis{Overview: "already done"},
	})
	jobID := enqueue(t, s, it.ID, storage.JobAnalysis)

	called := false
	mock := &mockAnalyzer{
		analyzeFn: func(ctx context.Context, _ item.Item, _ string, _ []string) (*item.Analysis, error) {
			called = true
			return &item.Analysis{Overview: "redone"}, nil
		},
	}
	rt := New(s, 60, time.Second)
	rt.Register(storage.JobAnalysis, NewAnalysisHandler(mock, rawResolver{}))

	if _, err := rt.RunBatch(context.Background(), storage.JobAnalysis, 1); err != nil {
		t.Fatalf("running batch: %v", err)
	}
	if called {
		t.Error("analyzer called for already-analyzed item without force")
	}
	if status, _ := jobStatus(t, s, jobID); status != storage.JobCompleted {
		t.Errorf("skip should complete the job, got %q", status)
	}
	got, _ := s.GetItem(it.ID)
	if got.Analysis.Overview != "already done" {
		t.Error("existing analysis overwritten")
	}
}

func TestAnalysisPrepareLoadsOwnerTags(t *testing.T) {
	s := openTestStore(t)
	// An older analyzed item establishes the owner's vocabulary.
	createItem(t, s, item.Item{
		Content:  "old",
		Status:   item.StatusAnalyzed,
		Analysis: &item.Analysis{Overview: "x", Tags: []string{"cooking", "dinner"}},
	})
	it := createItem(t, s, item.Item{Content: "new content"})
	enqueue(t, s, it.ID, storage.JobAnalysis)

	var gotTags []string
	mock := &mockAnalyzer{
		analyzeFn: func(ctx context.Context, _ item.Item, _ string, tags []string) (*item.Analysis, error) {
			gotTags = tags
			return &item.Analysis{Overview: "y"}, nil
		},
	}
	rt := New(s, 60, time.Second)
	rt.Register(storage.JobAnalysis, NewAnalysisHandler(mock, rawResolver{}))

	if _, err := rt.RunBatch(context.Background(), storage.JobAnalysis, 1); err != nil {
		t.Fatalf("running batch: %v", err)
	}
	if len(gotTags) != 2 || gotTags[0] != "cooking" || gotTags[1] != "dinner" {
		t.Errorf("preferred tags = %v, want [cooking dinner]", gotTags)
	}
}

func TestBatchIsolatesFailures(t *testing.T) {
	s := openTestStore(t)

	bad := createItem(t, s, item.Item{Content: "fail me"})
	good := createItem(t, s, item.Item{Content: "ok"})
	badJob := enqueue(t, s, bad.ID, storage.JobAnalysis)
	time.Sleep(1100 * time.Millisecond) // keep lease ordering deterministic
	goodJob := enqueue(t, s, good.ID, storage.JobAnalysis)

	mock := &mockAnalyzer{
		analyzeFn: func(ctx context.Context, it item.Item, _ string, _ []string) (*item.Analysis, error) {
			if it.ID == bad.ID {
				return nil, errors.New("boom")
			}
			return &item.Analysis{Overview: "fine"}, nil
		},
	}
	rt := New(s, 60, time.Second)
	rt.Register(storage.JobAnalysis, NewAnalysisHandler(mock, rawResolver{}))

	n, err := rt.RunBatch(context.Background(), storage.JobAnalysis, 10)
	if err != nil {
		t.Fatalf("running batch: %v", err)
	}
	if n != 2 {
		t.Fatalf("processed %d jobs, want 2", n)
	}

	if status, _ := jobStatus(t, s, badJob); status != storage.JobFailed {
		t.Errorf("bad job status = %q, want failed", status)
	}
	if status, _ := jobStatus(t, s, goodJob); status != storage.JobCompleted {
		t.Errorf("good job status = %q, want completed", status)
	}

	got, _ := s.GetItem(good.ID)
	if got.Status != item.StatusAnalyzed {
		t.Errorf("good item status = %q, want analyzed", got.Status)
	}
}

func TestRunItemForce(t *testing.T) {
	s := openTestStore(t)
	it := createItem(t, s, item.Item{
		Content:  "something",
		Status:   item.StatusAnalyzed,
		Analysis: &item.Analysis{Overview: "stale"},
	})

	mock := &mockAnalyzer{
		analyzeFn: func(ctx context.Context, _ item.Item, _ string, _ []string) (*item.Analysis, error) {
			return &item.Analysis{Overview: "fresh"}, nil
		},
	}
	rt := New(s, 60, time.Second)
	rt.Register(storage.JobAnalysis, NewAnalysisHandler(mock, rawResolver{}))

	// Without force the existing analysis is kept.
	if err := rt.RunItem(context.Background(), storage.JobAnalysis, it.ID, false); err != nil {
		t.Fatalf("running item: %v", err)
	}
	got, _ := s.GetItem(it.ID)
	if got.Analysis.Overview != "stale" {
		t.Error("analysis replaced without force")
	}

	if err := rt.RunItem(context.Background(), storage.JobAnalysis, it.ID, true); err != nil {
		t.Fatalf("running item with force: %v", err)
	}
	got, _ = s.GetItem(it.ID)
	if got.Analysis.Overview != "fresh" {
		t.Error("force did not re-run the analysis")
	}

	// Queue stays untouched either way.
	counts, err := s.JobCounts()
	if err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("direct runs must not create jobs, got %v", counts)
	}
}

func TestRunItemUnknownItem(t *testing.T) {
	s := openTestStore(t)
	rt := New(s, 60, time.Second)
	rt.Register(storage.JobAnalysis, NewAnalysisHandler(&mockAnalyzer{}, rawResolver{}))

	err := rt.RunItem(context.Background(), storage.JobAnalysis, "missing", false)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkerIDsAreUnique(t *testing.T) {
	s := openTestStore(t)
	a := New(s, 60, time.Second)
	b := New(s, 60, time.Second)
	if a.WorkerID() == "" || a.WorkerID() == b.WorkerID() {
		t.Errorf("worker ids must be unique per runtime: %q vs %q", a.WorkerID(), b.WorkerID())
	}
	if strings.Count(a.WorkerID(), "-") < 2 {
		t.Errorf("worker id %q missing host-pid-suffix parts", a.WorkerID())
	}
}
