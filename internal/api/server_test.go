package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/kalambet/sift/internal/item"
	"github.com/kalambet/sift/internal/storage"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*httptest.Server, *storage.SQLiteStore) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	server := httptest.NewServer(NewAppHandler(AppDeps{Store: s, Token: testToken}))
	t.Cleanup(server.Close)
	return server, s
}

func doRequest(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("executing request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/items?status=new")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	// Health stays open.
	resp2, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp2.StatusCode)
	}
}

func TestCreateItemEnqueuesEnrichment(t *testing.T) {
	server, s := newTestServer(t)

	resp := doRequest(t, http.MethodPost, server.URL+"/items", map[string]string{
		"owner":   "alice",
		"type":    "web_url",
		"content": "https://example.com/article",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	created := decode[item.Item](t, resp)
	if created.ID == "" || created.Status != item.StatusNew {
		t.Errorf("created = %+v", created)
	}

	counts, err := s.JobCounts()
	if err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if counts[storage.JobAnalysis][storage.JobQueued] != 1 {
		t.Errorf("analysis queued = %d, want 1", counts[storage.JobAnalysis][storage.JobQueued])
	}
	if counts[storage.JobNormalize][storage.JobQueued] != 1 {
		t.Errorf("normalize queued = %d, want 1", counts[storage.JobNormalize][storage.JobQueued])
	}
}

func TestCreateItemValidation(t *testing.T) {
	server, _ := newTestServer(t)

	for name, body := range map[string]map[string]string{
		"missing owner":   {"content": "x"},
		"missing content": {"owner": "alice"},
	} {
		resp := doRequest(t, http.MethodPost, server.URL+"/items", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestGetAndListItems(t *testing.T) {
	server, s := newTestServer(t)

	it := item.Item{ID: uuid.New().String(), Owner: "alice", Type: item.TypeText, Content: "hello"}
	if err := s.CreateItem(it); err != nil {
		t.Fatalf("creating item: %v", err)
	}

	resp := doRequest(t, http.MethodGet, server.URL+"/items/"+it.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	got := decode[item.Item](t, resp)
	if got.ID != it.ID {
		t.Errorf("got item %q", got.ID)
	}

	resp = doRequest(t, http.MethodGet, server.URL+"/items?status=new", nil)
	listed := decode[struct {
		Items []item.Item `json:"items"`
	}](t, resp)
	if len(listed.Items) != 1 {
		t.Errorf("listed %d items, want 1", len(listed.Items))
	}

	resp = doRequest(t, http.MethodGet, server.URL+"/items?status=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus status = %d, want 400", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, server.URL+"/items/"+uuid.New().String(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing item status = %d, want 404", resp.StatusCode)
	}
}

func TestFollowUpNoteTriggersJob(t *testing.T) {
	server, s := newTestServer(t)

	it := item.Item{
		ID: uuid.New().String(), Owner: "alice", Type: item.TypeText,
		Content: "dinner", Status: item.StatusFollowUp,
		Analysis: &item.Analysis{Overview: "a dinner", FollowUp: "How was it?"},
	}
	if err := s.CreateItem(it); err != nil {
		t.Fatalf("creating item: %v", err)
	}

	resp := doRequest(t, http.MethodPost, server.URL+"/items/"+it.ID+"/notes", map[string]string{
		"text":      "it was great",
		"note_type": "follow_up",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	counts, _ := s.JobCounts()
	if counts[storage.JobFollowUp][storage.JobQueued] != 1 {
		t.Errorf("follow_up queued = %d, want 1", counts[storage.JobFollowUp][storage.JobQueued])
	}

	// A second note while the job is outstanding does not duplicate it.
	resp = doRequest(t, http.MethodPost, server.URL+"/items/"+it.ID+"/notes", map[string]string{
		"text":      "also the dessert",
		"note_type": "follow_up",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("second note status = %d", resp.StatusCode)
	}
	counts, _ = s.JobCounts()
	if counts[storage.JobFollowUp][storage.JobQueued] != 1 {
		t.Errorf("follow_up queued = %d after duplicate, want 1", counts[storage.JobFollowUp][storage.JobQueued])
	}
}

func TestFollowUpNoteOnAnalyzedItemDoesNotEnqueue(t *testing.T) {
	server, s := newTestServer(t)

	it := item.Item{
		ID: uuid.New().String(), Owner: "alice", Type: item.TypeText,
		Content: "text", Status: item.StatusAnalyzed,
		Analysis: &item.Analysis{Overview: "x"},
	}
	if err := s.CreateItem(it); err != nil {
		t.Fatalf("creating item: %v", err)
	}

	resp := doRequest(t, http.MethodPost, server.URL+"/items/"+it.ID+"/notes", map[string]string{
		"text":      "late thoughts",
		"note_type": "follow_up",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	counts, _ := s.JobCounts()
	if len(counts[storage.JobFollowUp]) != 0 {
		t.Errorf("no job should be queued for an analyzed item, got %v", counts[storage.JobFollowUp])
	}
}

func TestEmptyNoteRejected(t *testing.T) {
	server, s := newTestServer(t)
	it := item.Item{ID: uuid.New().String(), Owner: "alice", Type: item.TypeText, Content: "x"}
	if err := s.CreateItem(it); err != nil {
		t.Fatalf("creating item: %v", err)
	}

	resp := doRequest(t, http.MethodPost, server.URL+"/items/"+it.ID+"/notes", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDismissFollowUp(t *testing.T) {
	server, s := newTestServer(t)

	it := item.Item{
		ID: uuid.New().String(), Owner: "alice", Type: item.TypeText,
		Content: "x", Status: item.StatusFollowUp,
		Analysis: &item.Analysis{Overview: "y", FollowUp: "Still relevant?"},
	}
	if err := s.CreateItem(it); err != nil {
		t.Fatalf("creating item: %v", err)
	}

	resp := doRequest(t, http.MethodDelete, server.URL+"/items/"+it.ID+"/follow-up", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	got, _ := s.GetItem(it.ID)
	if got.Status != item.StatusProcessed {
		t.Errorf("status = %q, want processed", got.Status)
	}

	// Dismissing twice conflicts: the item no longer waits on a follow-up.
	resp = doRequest(t, http.MethodDelete, server.URL+"/items/"+it.ID+"/follow-up", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second dismiss status = %d, want 409", resp.StatusCode)
	}
}

func TestHideUnhide(t *testing.T) {
	server, s := newTestServer(t)
	it := item.Item{ID: uuid.New().String(), Owner: "alice", Type: item.TypeText, Content: "x"}
	if err := s.CreateItem(it); err != nil {
		t.Fatalf("creating item: %v", err)
	}

	resp := doRequest(t, http.MethodPost, server.URL+"/items/"+it.ID+"/hide", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("hide status = %d", resp.StatusCode)
	}
	got, _ := s.GetItem(it.ID)
	if !got.Hidden {
		t.Error("item not hidden")
	}

	resp = doRequest(t, http.MethodPost, server.URL+"/items/"+it.ID+"/unhide", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unhide status = %d", resp.StatusCode)
	}
	got, _ = s.GetItem(it.ID)
	if got.Hidden {
		t.Error("item still hidden")
	}
}

func TestJobStatsAndRetry(t *testing.T) {
	server, s := newTestServer(t)

	it := item.Item{ID: uuid.New().String(), Owner: "alice", Type: item.TypeText, Content: "x"}
	if err := s.CreateItem(it); err != nil {
		t.Fatalf("creating item: %v", err)
	}
	jobID, err := s.Enqueue(it.ID, "alice", storage.JobAnalysis, "")
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	if _, err := s.Lease(storage.JobAnalysis, "w", 1, 60); err != nil {
		t.Fatalf("leasing: %v", err)
	}
	if err := s.Fail(jobID, "boom"); err != nil {
		t.Fatalf("failing: %v", err)
	}

	resp := doRequest(t, http.MethodGet, server.URL+"/jobs/stats?owner=alice", nil)
	stats := decode[struct {
		Jobs  map[string]map[string]int `json:"jobs"`
		Items map[string]int            `json:"items"`
	}](t, resp)
	if stats.Jobs[storage.JobAnalysis][storage.JobFailed] != 1 {
		t.Errorf("stats = %+v", stats.Jobs)
	}
	if stats.Items["new"] != 1 {
		t.Errorf("item stats = %+v", stats.Items)
	}

	resp = doRequest(t, http.MethodPost, fmt.Sprintf("%s/jobs/%s/retry", server.URL, jobID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("retry status = %d", resp.StatusCode)
	}

	counts, _ := s.JobCounts()
	if counts[storage.JobAnalysis][storage.JobQueued] != 1 {
		t.Errorf("job not re-queued: %v", counts)
	}
}

func TestSoftDelete(t *testing.T) {
	server, s := newTestServer(t)
	it := item.Item{ID: uuid.New().String(), Owner: "alice", Type: item.TypeText, Content: "x"}
	if err := s.CreateItem(it); err != nil {
		t.Fatalf("creating item: %v", err)
	}

	resp := doRequest(t, http.MethodDelete, server.URL+"/items/"+it.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	got, _ := s.GetItem(it.ID)
	if got.Status != item.StatusSoftDeleted {
		t.Errorf("status = %q, want soft_deleted", got.Status)
	}
}
