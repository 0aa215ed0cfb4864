package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"graphkeep/internal/config"
	"graphkeep/internal/embedder"
	"graphkeep/internal/extraction"
	"graphkeep/internal/model"
	"graphkeep/internal/store/memory"
	"graphkeep/internal/testhelpers"
)

func testScheduler(t *testing.T, cfg config.Config, provider *testhelpers.FakeProvider) (*Scheduler, func()) {
	t.Helper()
	graph := memory.NewGraph()
	vec := memory.NewVector()
	lex := memory.NewLexical()
	emb := embedder.FromProvider(provider, 8)
	s := New(cfg, graph, vec, lex, provider, emb)
	require.NoError(t, s.Start(context.Background()))
	return s, s.Stop
}

func baseConfig() config.Config {
	return config.Config{
		MaxConcurrentJobs:     2,
		JobApprovalTimeout:    time.Minute,
		JobCompletedRetention: time.Hour,
		JobFailedRetention:    time.Hour,
		JobCleanupInterval:    time.Hour,
		ConceptMergeThreshold: 0.85,
		ChunkTargetTokens:     800,
		ChunkOverlapTokens:    0,
		VocabularyExpansion:   true,
		ChunkMaxRetries:       1,
		ChunkTimeout:          5 * time.Second,
		OrphanResumeWindow:    30 * time.Minute,
	}
}

func waitForStatus(t *testing.T, s *Scheduler, jobID string, want model.JobStatus, timeout time.Duration) model.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, ok, err := s.Get(context.Background(), jobID)
		require.NoError(t, err)
		require.True(t, ok)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return model.Job{}
}

func TestSubmit_AutoApproveRunsToCompletion(t *testing.T) {
	provider := &testhelpers.FakeProvider{Results: []extraction.ExtractionResult{
		{Concepts: []extraction.ConceptCandidate{{
			Label:     "Photosynthesis",
			Instances: []extraction.EvidenceInstance{{Quote: "plants make food", OffsetStart: 0, OffsetEnd: 17}},
		}}},
	}}
	s, stop := testScheduler(t, baseConfig(), provider)
	defer stop()

	job, err := s.Submit(context.Background(), SubmitRequest{
		Principal: "alice", Ontology: "biology",
		Text: "plants make food using sunlight", AutoApprove: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, job.Status)

	final := waitForStatus(t, s, job.ID, model.StatusCompleted, 2*time.Second)
	require.Equal(t, 1, final.Progress.Counters.ConceptsCreated)
}

func TestSubmit_RequiresApprovalByDefault(t *testing.T) {
	provider := &testhelpers.FakeProvider{}
	s, stop := testScheduler(t, baseConfig(), provider)
	defer stop()

	job, err := s.Submit(context.Background(), SubmitRequest{
		Principal: "alice", Ontology: "biology", Text: "some text here",
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusAwaitingApproval, job.Status)
	require.NotNil(t, job.ExpiresAt)

	approved, err := s.Approve(context.Background(), job.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, approved.Status)

	waitForStatus(t, s, job.ID, model.StatusCompleted, 2*time.Second)
}

func TestApprove_WrongPrincipalRejected(t *testing.T) {
	s, stop := testScheduler(t, baseConfig(), &testhelpers.FakeProvider{})
	defer stop()

	job, err := s.Submit(context.Background(), SubmitRequest{
		Principal: "alice", Ontology: "biology", Text: "some text",
	})
	require.NoError(t, err)

	_, err = s.Approve(context.Background(), job.ID, "mallory")
	require.Error(t, err)
}

func TestSubmit_IdempotentByContentHash(t *testing.T) {
	s, stop := testScheduler(t, baseConfig(), &testhelpers.FakeProvider{})
	defer stop()

	req := SubmitRequest{Principal: "alice", Ontology: "biology", Text: "identical text", AutoApprove: true}
	first, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	waitForStatus(t, s, first.ID, model.StatusCompleted, 2*time.Second)

	second, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	third, err := s.Submit(context.Background(), SubmitRequest{
		Principal: "alice", Ontology: "biology", Text: "identical text", AutoApprove: true, Force: true,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
}

func TestCancel_AwaitingApprovalIsInstantaneous(t *testing.T) {
	s, stop := testScheduler(t, baseConfig(), &testhelpers.FakeProvider{})
	defer stop()

	job, err := s.Submit(context.Background(), SubmitRequest{
		Principal: "alice", Ontology: "biology", Text: "some text",
	})
	require.NoError(t, err)

	cancelled, err := s.Cancel(context.Background(), job.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, cancelled.Status)
}

func TestCancel_AlreadyTerminalErrors(t *testing.T) {
	s, stop := testScheduler(t, baseConfig(), &testhelpers.FakeProvider{})
	defer stop()

	job, err := s.Submit(context.Background(), SubmitRequest{
		Principal: "alice", Ontology: "biology", Text: "some text", AutoApprove: true,
	})
	require.NoError(t, err)
	waitForStatus(t, s, job.ID, model.StatusCompleted, 2*time.Second)

	_, err = s.Cancel(context.Background(), job.ID, "alice")
	require.Error(t, err)
}

func TestSubscribe_ReceivesProgressSnapshots(t *testing.T) {
	provider := &testhelpers.FakeProvider{Results: []extraction.ExtractionResult{
		{Concepts: []extraction.ConceptCandidate{{Label: "X", Instances: []extraction.EvidenceInstance{{Quote: "alpha beta", OffsetStart: 0, OffsetEnd: 10}}}}},
	}}
	s, stop := testScheduler(t, baseConfig(), provider)
	defer stop()

	job, err := s.Submit(context.Background(), SubmitRequest{
		Principal: "alice", Ontology: "biology", Text: "alpha beta", AutoApprove: true,
	})
	require.NoError(t, err)

	ch, unsub := s.Subscribe(job.ID)
	defer unsub()

	seenComplete := false
	deadline := time.After(2 * time.Second)
	for !seenComplete {
		select {
		case p := <-ch:
			if p.Stage == "complete" {
				seenComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion progress event")
		}
	}
}

func TestList_FiltersByPrincipal(t *testing.T) {
	s, stop := testScheduler(t, baseConfig(), &testhelpers.FakeProvider{})
	defer stop()

	_, err := s.Submit(context.Background(), SubmitRequest{Principal: "alice", Ontology: "o", Text: "text one"})
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), SubmitRequest{Principal: "bob", Ontology: "o", Text: "text two"})
	require.NoError(t, err)

	aliceJobs, err := s.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, aliceJobs, 1)
	require.Equal(t, "alice", aliceJobs[0].Principal)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	s, stop := testScheduler(t, baseConfig(), &testhelpers.FakeProvider{})
	defer stop()

	_, err := s.Submit(context.Background(), SubmitRequest{Ontology: "o", Text: "t"})
	require.Error(t, err)

	_, err = s.Submit(context.Background(), SubmitRequest{Principal: "alice", Text: "t"})
	require.Error(t, err)

	_, err = s.Submit(context.Background(), SubmitRequest{Principal: "alice", Ontology: "o"})
	require.Error(t, err)
}

func TestSubmit_ImageDescribedBeforeAnalysis(t *testing.T) {
	provider := &testhelpers.FakeProvider{
		Describe: "a diagram showing the nitrogen cycle",
		Results: []extraction.ExtractionResult{
			{Concepts: []extraction.ConceptCandidate{{
				Label:     "Nitrogen Cycle",
				Instances: []extraction.EvidenceInstance{{Quote: "nitrogen cycle", OffsetStart: 12, OffsetEnd: 26}},
			}}},
		},
	}
	s, stop := testScheduler(t, baseConfig(), provider)
	defer stop()

	job, err := s.Submit(context.Background(), SubmitRequest{
		Principal: "alice", Ontology: "biology",
		ImageData: []byte{0xff, 0xd8, 0xff}, ImageMIME: "image/jpeg",
		AutoApprove: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.JobTypeIngestImage, job.Type)
	require.Equal(t, provider.Describe, job.Text)

	waitForStatus(t, s, job.ID, model.StatusCompleted, time.Second)
}
