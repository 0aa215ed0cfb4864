// Package jobs implements the ingestion job scheduler: the approval gate,
// bounded worker pool, cooperative cancellation, retention sweeps, and
// streaming progress the spec's control plane demands. The scheduler owns
// all job state; callers (the HTTP surface, tests) never reach into a
// worker's internals directly.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"graphkeep/internal/chunker"
	"graphkeep/internal/config"
	"graphkeep/internal/embedder"
	"graphkeep/internal/extraction"
	"graphkeep/internal/ingerr"
	"graphkeep/internal/model"
	"graphkeep/internal/observability"
	"graphkeep/internal/pipeline"
	"graphkeep/internal/store"
)

// SubmitRequest is everything POST /ingest needs to create a job. Exactly
// one of Text or ImageData is expected to be set; when ImageData is set the
// vision adapter converts it to text before the normal pipeline runs.
type SubmitRequest struct {
	Principal   string
	Ontology    string
	Text        string
	Filename    string
	ImageData   []byte
	ImageMIME   string
	AutoApprove bool
	Force       bool
	Metadata    map[string]any
}

// Scheduler owns the job state machine and the worker pool that executes
// approved jobs. One Scheduler per process.
type Scheduler struct {
	graph    store.GraphStore
	vector   store.VectorIndex
	lexical  store.LexicalIndex
	provider extraction.Provider
	emb      embedder.Embedder
	cfg      config.Config

	mu           sync.Mutex
	broadcasters map[string]*broadcaster
	cancelFuncs  map[string]context.CancelFunc

	approvedQueue chan string
	stopOnce      sync.Once
	stopCh        chan struct{}

	// sem bounds the number of jobs processing concurrently to
	// MaxConcurrentJobs; eg tracks the dispatcher, sweeps, and every
	// in-flight job goroutine so Stop can wait for all of them to exit.
	sem *semaphore.Weighted
	eg  *errgroup.Group
}

// New constructs a Scheduler. Call Start to launch its worker pool and
// background sweeps.
func New(cfg config.Config, graph store.GraphStore, vector store.VectorIndex, lexical store.LexicalIndex, provider extraction.Provider, emb embedder.Embedder) *Scheduler {
	return &Scheduler{
		graph:         graph,
		vector:        vector,
		lexical:       lexical,
		provider:      provider,
		emb:           emb,
		cfg:           cfg,
		broadcasters:  make(map[string]*broadcaster),
		cancelFuncs:   make(map[string]context.CancelFunc),
		approvedQueue: make(chan string, 1024),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the bounded worker pool, the approval-timeout sweep, and
// the retention sweep. It also resumes or fails any job left `processing`
// from a prior run, per §4.1's restart semantics.
func (s *Scheduler) Start(ctx context.Context) error {
	n := s.cfg.MaxConcurrentJobs
	if n <= 0 {
		n = 1
	}
	s.sem = semaphore.NewWeighted(int64(n))
	s.eg = &errgroup.Group{}

	s.eg.Go(func() error { s.dispatchLoop(ctx); return nil })
	s.eg.Go(func() error { s.approvalTimeoutSweep(ctx); return nil })
	s.eg.Go(func() error { s.retentionSweep(ctx); return nil })
	s.eg.Go(func() error { s.reconciliationSweep(ctx); return nil })

	return s.resumeOrphans(ctx)
}

// Stop signals all workers and sweeps to exit and waits for them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	_ = s.eg.Wait()
}

func (s *Scheduler) resumeOrphans(ctx context.Context) error {
	jobs, err := s.graph.ListJobs(ctx, "")
	if err != nil {
		return fmt.Errorf("list jobs for orphan resume: %w", err)
	}
	now := time.Now()
	for _, j := range jobs {
		if j.Status != model.StatusProcessing {
			continue
		}
		cp, ok, err := s.graph.GetCheckpoint(ctx, j.ID)
		if err == nil && ok && now.Sub(cp.UpdatedAt) <= s.cfg.OrphanResumeWindow {
			// process only picks up approved jobs; it moves the job back to
			// processing and resumes from the checkpoint.
			j.Status = model.StatusApproved
			j.Progress.Status = j.Status
			if err := s.graph.SaveJob(ctx, j); err != nil {
				log.Error().Err(err).Str("job_id", j.ID).Msg("orphan_resume_save_error")
				continue
			}
			s.enqueue(j.ID)
			continue
		}
		j.Status = model.StatusFailed
		j.Error = "orphaned"
		completedAt := now
		j.CompletedAt = &completedAt
		if err := s.graph.SaveJob(ctx, j); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("orphan_fail_save_error")
		}
	}
	return nil
}

// Submit implements §4.1's synchronous analyze step and the idempotent
// re-submit rule: a matching content_hash for the same principal+ontology
// already completed or processing returns the existing job unless force.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (model.Job, error) {
	if req.Principal == "" {
		return model.Job{}, &ingerr.AuthError{Msg: "missing principal"}
	}
	if req.Ontology == "" {
		return model.Job{}, &ingerr.ValidationError{Msg: "ontology is required"}
	}
	if req.Text == "" && len(req.ImageData) == 0 {
		return model.Job{}, &ingerr.ValidationError{Msg: "one of text or image_data is required"}
	}

	jobType := model.JobTypeIngestText
	text := req.Text
	if len(req.ImageData) > 0 {
		jobType = model.JobTypeIngestImage
		described, err := s.provider.DescribeImage(ctx, req.ImageMIME, req.ImageData)
		if err != nil {
			return model.Job{}, fmt.Errorf("describe image: %w", err)
		}
		text = described
	}

	analysis := pipeline.Analyze(text, chunker.Options{
		TargetTokens:  s.cfg.ChunkTargetTokens,
		OverlapTokens: s.cfg.ChunkOverlapTokens,
	})

	if !req.Force {
		if existing, ok, err := s.findDuplicateSubmit(ctx, req.Principal, req.Ontology, analysis.DocumentHash); err != nil {
			return model.Job{}, err
		} else if ok {
			return existing, nil
		}
	}

	now := time.Now()
	job := model.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Principal:   req.Principal,
		Ontology:    req.Ontology,
		ContentHash: analysis.DocumentHash,
		ContentRef:  req.Filename,
		Text:        text,
		Analysis:    analysis,
		AutoApprove: req.AutoApprove,
		Force:       req.Force,
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}
	job.Progress = model.Progress{JobID: job.ID, Counters: model.Counters{ChunksTotal: analysis.ChunkCount}}

	if req.AutoApprove || analysis.CostEstimate.Total.High <= 0 {
		job.Status = model.StatusApproved
		approvedAt := now
		job.ApprovedAt = &approvedAt
	} else {
		job.Status = model.StatusAwaitingApproval
		expires := now.Add(s.cfg.JobApprovalTimeout)
		job.ExpiresAt = &expires
	}
	job.Progress.Status = job.Status

	if err := s.graph.SaveJob(ctx, job); err != nil {
		return model.Job{}, &ingerr.StoreError{Cause: err}
	}
	if job.Status == model.StatusApproved {
		s.enqueue(job.ID)
	}
	return job, nil
}

func (s *Scheduler) findDuplicateSubmit(ctx context.Context, principal, ontology, contentHash string) (model.Job, bool, error) {
	jobs, err := s.graph.ListJobs(ctx, principal)
	if err != nil {
		return model.Job{}, false, &ingerr.StoreError{Cause: err}
	}
	for _, j := range jobs {
		if j.Ontology != ontology || j.ContentHash != contentHash {
			continue
		}
		if j.Status == model.StatusCompleted || j.Status == model.StatusProcessing {
			return j, true, nil
		}
	}
	return model.Job{}, false, nil
}

// Approve transitions an awaiting_approval job to approved and enqueues it.
func (s *Scheduler) Approve(ctx context.Context, jobID, principal string) (model.Job, error) {
	job, err := s.requireOwnedJob(ctx, jobID, principal)
	if err != nil {
		return model.Job{}, err
	}
	if job.Status != model.StatusAwaitingApproval {
		return model.Job{}, &ingerr.ValidationError{Msg: fmt.Sprintf("job %s is not awaiting approval (status=%s)", jobID, job.Status)}
	}
	now := time.Now()
	job.Status = model.StatusApproved
	job.ApprovedAt = &now
	job.Progress.Status = job.Status
	if err := s.graph.SaveJob(ctx, job); err != nil {
		return model.Job{}, &ingerr.StoreError{Cause: err}
	}
	s.enqueue(job.ID)
	return job, nil
}

// Cancel is valid from any non-terminal state. In awaiting_approval/approved
// it is instantaneous; in processing it sets the cooperative cancel flag the
// running worker observes at the next chunk boundary.
func (s *Scheduler) Cancel(ctx context.Context, jobID, principal string) (model.Job, error) {
	job, err := s.requireOwnedJob(ctx, jobID, principal)
	if err != nil {
		return model.Job{}, err
	}
	if job.Status.Terminal() {
		return model.Job{}, &ingerr.ValidationError{Msg: fmt.Sprintf("job %s already terminal (status=%s)", jobID, job.Status)}
	}

	if job.Status == model.StatusProcessing {
		s.mu.Lock()
		cancel, ok := s.cancelFuncs[job.ID]
		s.mu.Unlock()
		if ok {
			cancel()
		}
		return job, nil // the worker will transition and persist cancelled
	}

	now := time.Now()
	job.Status = model.StatusCancelled
	job.CompletedAt = &now
	job.Progress.Status = job.Status
	if err := s.graph.SaveJob(ctx, job); err != nil {
		return model.Job{}, &ingerr.StoreError{Cause: err}
	}
	s.publish(job.ID, job.Progress)
	return job, nil
}

func (s *Scheduler) requireOwnedJob(ctx context.Context, jobID, principal string) (model.Job, error) {
	job, ok, err := s.graph.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, &ingerr.StoreError{Cause: err}
	}
	if !ok {
		return model.Job{}, &ingerr.ValidationError{Msg: "job not found: " + jobID}
	}
	if principal != "" && job.Principal != principal {
		return model.Job{}, &ingerr.AuthError{Msg: "job does not belong to principal"}
	}
	return job, nil
}

// Get returns the current status/progress snapshot for a job.
func (s *Scheduler) Get(ctx context.Context, jobID string) (model.Job, bool, error) {
	job, ok, err := s.graph.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, false, &ingerr.StoreError{Cause: err}
	}
	return job, ok, nil
}

// List returns all jobs for principal ("" lists every principal's jobs).
func (s *Scheduler) List(ctx context.Context, principal string) ([]model.Job, error) {
	jobs, err := s.graph.ListJobs(ctx, principal)
	if err != nil {
		return nil, &ingerr.StoreError{Cause: err}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// Subscribe joins a job's progress stream. The returned channel delivers
// the last-known snapshot first, then live deltas; unsubscribe must be
// called when the caller stops reading.
func (s *Scheduler) Subscribe(jobID string) (<-chan model.Progress, func()) {
	s.mu.Lock()
	b, ok := s.broadcasters[jobID]
	if !ok {
		b = newBroadcaster()
		s.broadcasters[jobID] = b
	}
	s.mu.Unlock()

	raw, unsub := b.subscribe()
	out := make(chan model.Progress, subscriberBuffer)
	go func() {
		defer close(out)
		for snap := range raw {
			if p, ok := snap.data.(model.Progress); ok {
				out <- p
			}
		}
	}()
	return out, unsub
}

func (s *Scheduler) publish(jobID string, p model.Progress) {
	s.mu.Lock()
	b, ok := s.broadcasters[jobID]
	if !ok {
		b = newBroadcaster()
		s.broadcasters[jobID] = b
	}
	s.mu.Unlock()
	b.publish(p)
}

func (s *Scheduler) enqueue(jobID string) {
	select {
	case s.approvedQueue <- jobID:
	default:
		// Queue is saturated; the send is handed to its own goroutine,
		// which waits for the dispatch loop to make room, so the
		// submitting goroutine never blocks.
		go func() { s.approvedQueue <- jobID }()
	}
}

// dispatchLoop pulls approved job IDs off the queue and hands each to its
// own goroutine, gated by sem so at most MaxConcurrentJobs run at once.
// Acquiring blocks the loop itself, which is what provides the bound: a
// saturated semaphore simply delays the next dequeue.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case jobID := <-s.approvedQueue:
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			s.eg.Go(func() error {
				defer s.sem.Release(1)
				s.process(ctx, jobID)
				return nil
			})
		}
	}
}

func (s *Scheduler) process(parent context.Context, jobID string) {
	ctx := parent
	logger := observability.LoggerWithTrace(ctx)
	job, ok, err := s.graph.GetJob(ctx, jobID)
	if err != nil || !ok {
		logger.Error().Err(err).Str("job_id", jobID).Msg("worker_load_job_error")
		return
	}
	if job.Status != model.StatusApproved {
		return // already picked up, cancelled, or stale queue entry
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelFuncs[jobID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancelFuncs, jobID)
		s.mu.Unlock()
	}()

	now := time.Now()
	job.Status = model.StatusProcessing
	job.StartedAt = &now
	job.Progress.Status = job.Status
	if err := s.graph.SaveJob(ctx, job); err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("worker_transition_processing_error")
		return
	}
	s.publish(jobID, job.Progress)

	resumeFrom := -1
	if cp, ok, err := s.graph.GetCheckpoint(ctx, jobID); err == nil && ok {
		resumeFrom = cp.LastChunkIndex
	}

	deps := pipeline.Deps{
		Graph:               s.graph,
		Vector:              s.vector,
		Lexical:             s.lexical,
		Provider:            s.provider,
		Embedder:            s.emb,
		MergeThreshold:      s.cfg.ConceptMergeThreshold,
		VocabularyExpansion: s.cfg.VocabularyExpansion,
		ChunkOptions: chunker.Options{
			TargetTokens:  s.cfg.ChunkTargetTokens,
			OverlapTokens: s.cfg.ChunkOverlapTokens,
		},
		ChunkMaxRetries: s.cfg.ChunkMaxRetries,
		ChunkTimeout:    s.cfg.ChunkTimeout,
	}

	runErr := pipeline.Run(jobCtx, &job, job.Text, resumeFrom, deps, func() bool { return jobCtx.Err() != nil }, func(p model.Progress) {
		job.Progress = p
		s.publish(jobID, p)
	})

	completedAt := time.Now()
	job.CompletedAt = &completedAt
	switch {
	case runErr == nil:
		job.Status = model.StatusCompleted
		job.Result = "ok"
	case isCancelled(runErr):
		job.Status = model.StatusCancelled
		job.Error = runErr.Error()
	default:
		job.Status = model.StatusFailed
		job.Error = runErr.Error()
	}
	job.Progress.Status = job.Status
	if err := s.graph.SaveJob(ctx, job); err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("worker_final_save_error")
	}
	s.publish(jobID, job.Progress)
}

func isCancelled(err error) bool {
	var ce *ingerr.CancelledError
	return asCancelled(err, &ce)
}

func asCancelled(err error, target **ingerr.CancelledError) bool {
	for err != nil {
		if c, ok := err.(*ingerr.CancelledError); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (s *Scheduler) approvalTimeoutSweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepApprovalTimeouts(ctx)
		}
	}
}

func (s *Scheduler) sweepApprovalTimeouts(ctx context.Context) {
	jobs, err := s.graph.ListJobs(ctx, "")
	if err != nil {
		log.Error().Err(err).Msg("approval_sweep_list_error")
		return
	}
	now := time.Now()
	for _, j := range jobs {
		if j.Status != model.StatusAwaitingApproval || j.ExpiresAt == nil || now.Before(*j.ExpiresAt) {
			continue
		}
		j.Status = model.StatusCancelled
		j.Error = "approval_timeout"
		completedAt := now
		j.CompletedAt = &completedAt
		j.Progress.Status = j.Status
		if err := s.graph.SaveJob(ctx, j); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("approval_sweep_save_error")
			continue
		}
		s.publish(j.ID, j.Progress)
	}
}

func (s *Scheduler) retentionSweep(ctx context.Context) {
	interval := s.cfg.JobCleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepRetention(ctx)
		}
	}
}

func (s *Scheduler) sweepRetention(ctx context.Context) {
	jobs, err := s.graph.ListJobs(ctx, "")
	if err != nil {
		log.Error().Err(err).Msg("retention_sweep_list_error")
		return
	}
	now := time.Now()
	for _, j := range jobs {
		if j.CompletedAt == nil {
			continue
		}
		var retention time.Duration
		switch j.Status {
		case model.StatusCompleted:
			retention = s.cfg.JobCompletedRetention
		case model.StatusFailed:
			retention = s.cfg.JobFailedRetention
		default:
			continue
		}
		if retention <= 0 || now.Sub(*j.CompletedAt) < retention {
			continue
		}
		if err := s.graph.DeleteJob(ctx, j.ID); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("retention_sweep_delete_error")
			continue
		}
		s.mu.Lock()
		delete(s.broadcasters, j.ID)
		s.mu.Unlock()
	}
}

// reconciliationSweep periodically reconciles Concepts that two concurrent
// ingestions raced past the merge threshold before either write observed
// the other's vector (§5 ordering guarantees). resolveConceptIdentity's
// top-1 lookup at upsert time only sees what's already committed, so two
// chunks processed in the same window can each mint a distinct concept for
// what is, post-hoc, the same entity. This sweep is the backstop that
// collapses them.
func (s *Scheduler) reconciliationSweep(ctx context.Context) {
	interval := s.cfg.ReconciliationInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepReconciliation(ctx)
		}
	}
}

// sweepReconciliation compares every Concept's stored embedding against its
// nearest neighbor in the vector index. A pair at or above
// ConceptMergeThreshold that hasn't already been merged is collapsed onto
// whichever concept was created first, so the merge outcome is independent
// of sweep ordering.
func (s *Scheduler) sweepReconciliation(ctx context.Context) {
	concepts, err := s.graph.ListConcepts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconciliation_sweep_list_error")
		return
	}
	threshold := s.cfg.ConceptMergeThreshold
	if threshold <= 0 {
		threshold = 0.85
	}

	merged := make(map[string]bool, len(concepts))
	for _, c := range concepts {
		if merged[c.ID] || len(c.Embedding) == 0 {
			continue
		}
		matches, err := s.vector.SimilaritySearch(ctx, c.Embedding, 2)
		if err != nil {
			log.Error().Err(err).Str("concept_id", c.ID).Msg("reconciliation_sweep_search_error")
			continue
		}
		for _, m := range matches {
			if m.ID == c.ID || merged[m.ID] || m.Score < threshold {
				continue
			}
			other, ok, err := s.graph.GetConcept(ctx, m.ID)
			if err != nil || !ok {
				continue
			}
			canonical, mergedAway := c, other
			if other.CreatedAt.Before(c.CreatedAt) {
				canonical, mergedAway = other, c
			}
			if err := s.graph.MergeConcepts(ctx, canonical.ID, mergedAway.ID); err != nil {
				log.Error().Err(err).Str("canonical_id", canonical.ID).Str("merged_id", mergedAway.ID).Msg("reconciliation_sweep_merge_error")
				continue
			}
			if err := s.vector.Delete(ctx, mergedAway.ID); err != nil {
				log.Error().Err(err).Str("concept_id", mergedAway.ID).Msg("reconciliation_sweep_vector_delete_error")
			}
			if s.lexical != nil {
				if err := s.lexical.Remove(ctx, mergedAway.ID); err != nil {
					log.Error().Err(err).Str("concept_id", mergedAway.ID).Msg("reconciliation_sweep_lexical_remove_error")
				}
			}
			merged[mergedAway.ID] = true
			log.Info().Str("canonical_id", canonical.ID).Str("merged_id", mergedAway.ID).Msg("reconciliation_sweep_merged")
			if mergedAway.ID == c.ID {
				break
			}
		}
	}
}
