package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"graphkeep/internal/config"
	"graphkeep/internal/embedder"
	"graphkeep/internal/extraction"
	"graphkeep/internal/jobs"
	"graphkeep/internal/model"
	"graphkeep/internal/queryengine"
	"graphkeep/internal/store/memory"
	"graphkeep/internal/testhelpers"
)

// multipartIngestRequest builds a POST /ingest request matching the §4.6/§6
// multipart contract: text + filename + ontology, plus whatever auto_approve
// string is passed ("" omits the field entirely).
func multipartIngestRequest(t *testing.T, text, filename, ontology, autoApprove string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("text", text))
	require.NoError(t, w.WriteField("filename", filename))
	require.NoError(t, w.WriteField("ontology", ontology))
	if autoApprove != "" {
		require.NoError(t, w.WriteField("auto_approve", autoApprove))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/ingest", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func testServer(t *testing.T, provider *testhelpers.FakeProvider) (*Server, *jobs.Scheduler, func()) {
	t.Helper()
	graph := memory.NewGraph()
	vec := memory.NewVector()
	lex := memory.NewLexical()
	emb := embedder.FromProvider(provider, 8)

	cfg := config.Config{
		MaxConcurrentJobs:     2,
		JobApprovalTimeout:    time.Minute,
		JobCompletedRetention: time.Hour,
		JobFailedRetention:    time.Hour,
		JobCleanupInterval:    time.Hour,
		ConceptMergeThreshold: 0.85,
		ChunkTargetTokens:     800,
		VocabularyExpansion:   true,
		ChunkMaxRetries:       1,
		ChunkTimeout:          5 * time.Second,
		OrphanResumeWindow:    30 * time.Minute,
	}
	sched := jobs.New(cfg, graph, vec, lex, provider, emb)
	require.NoError(t, sched.Start(context.Background()))

	eng := queryengine.New(graph, vec, emb)
	srv := NewServer(sched, eng)
	return srv, sched, sched.Stop
}

func TestHandleIngest_ReturnsAwaitingApproval(t *testing.T) {
	srv, _, stop := testServer(t, &testhelpers.FakeProvider{})
	defer stop()

	req := multipartIngestRequest(t, "some text to ingest", "doc.txt", "biology", "")
	req.Header.Set("X-Principal", "alice")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(model.StatusAwaitingApproval), resp["status"])
}

func TestHandleIngest_MissingPrincipalIsUnauthorized(t *testing.T) {
	srv, _, stop := testServer(t, &testhelpers.FakeProvider{})
	defer stop()

	req := multipartIngestRequest(t, "text", "doc.txt", "o", "")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleApproveAndGetJob(t *testing.T) {
	srv, _, stop := testServer(t, &testhelpers.FakeProvider{})
	defer stop()

	req := multipartIngestRequest(t, "text to ingest now", "doc.txt", "o", "")
	req.Header.Set("X-Principal", "alice")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var submitResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	jobID := submitResp["job_id"].(string)

	approveReq := httptest.NewRequest(http.MethodPost, "/jobs/"+jobID+"/approve", nil)
	approveReq.Header.Set("X-Principal", "alice")
	approveReq.SetPathValue("id", jobID)
	approveRec := httptest.NewRecorder()
	srv.ServeHTTP(approveRec, approveReq)
	require.Equal(t, http.StatusOK, approveRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/jobs/"+jobID, nil)
	getRec := httptest.NewRecorder()
	srv.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestHandleGetJob_NotFound(t *testing.T) {
	srv, _, stop := testServer(t, &testhelpers.FakeProvider{})
	defer stop()

	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	req.SetPathValue("id", "does-not-exist")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSearch_ReturnsHits(t *testing.T) {
	provider := &testhelpers.FakeProvider{Results: []extraction.ExtractionResult{
		{Concepts: []extraction.ConceptCandidate{{Label: "Mitochondria", Instances: []extraction.EvidenceInstance{{Quote: "the mitochondria is the powerhouse", OffsetStart: 0, OffsetEnd: 34}}}}},
	}}
	srv, sched, stop := testServer(t, provider)
	defer stop()

	job, err := sched.Submit(context.Background(), jobs.SubmitRequest{
		Principal: "alice", Ontology: "biology", Text: "the mitochondria is the powerhouse", AutoApprove: true,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, _, _ := sched.Get(context.Background(), job.ID)
		if j.Status == model.StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	body, _ := json.Marshal(searchRequest{Query: "mitochondria", Limit: 5, MinSimilarity: 0.0})
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result queryengine.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotEmpty(t, result.Hits)
}
