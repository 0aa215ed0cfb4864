package model

import "time"

// JobStatus is the scheduler's state machine position for one ingestion job.
type JobStatus string

const (
	StatusAnalyzing        JobStatus = "analyzing"
	StatusAwaitingApproval JobStatus = "awaiting_approval"
	StatusApproved         JobStatus = "approved"
	StatusProcessing       JobStatus = "processing"
	StatusCompleted        JobStatus = "completed"
	StatusFailed           JobStatus = "failed"
	StatusCancelled        JobStatus = "cancelled"
	StatusRejected         JobStatus = "rejected"
)

// Terminal reports whether status is one the scheduler never transitions
// out of.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// JobType distinguishes the shape of the content a job ingests.
type JobType string

const (
	JobTypeIngestText  JobType = "ingest_text"
	JobTypeIngestFile  JobType = "ingest_file"
	JobTypeIngestImage JobType = "ingest_image"
)

// CostRange is a [low, high] USD estimate for one phase of the pipeline.
type CostRange struct {
	Low  float64 `json:"cost_low"`
	High float64 `json:"cost_high"`
}

// CostEstimate is the analysis object returned at submit time and embedded
// in job status responses.
type CostEstimate struct {
	Extraction CostRange `json:"extraction"`
	Embeddings CostRange `json:"embeddings"`
	Total      CostRange `json:"total"`
	Currency   string    `json:"currency"`
}

// Analysis is computed synchronously during submit: parse + chunk + cost
// estimate. It never calls the LLM.
type Analysis struct {
	CostEstimate CostEstimate `json:"cost_estimate"`
	ChunkCount   int          `json:"chunk_count"`
	DocumentHash string       `json:"document_hash"`
}

// Counters tracks cumulative graph-write effects of a job's progress.
type Counters struct {
	ChunksProcessed       int `json:"chunks_processed"`
	ChunksTotal           int `json:"chunks_total"`
	ConceptsCreated       int `json:"concepts_created"`
	ConceptsLinked        int `json:"concepts_linked"`
	SourcesCreated        int `json:"sources_created"`
	InstancesCreated      int `json:"instances_created"`
	RelationshipsCreated  int `json:"relationships_created"`
}

// Progress is one snapshot of a job's execution state, also the shape of
// each event pushed down the streaming channel.
type Progress struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Stage    string    `json:"stage"` // "extract" | "upsert" | "complete"
	Percent  int       `json:"percent"`
	Counters Counters  `json:"counters"`
	Message  string    `json:"message,omitempty"`
}

// Job is the scheduler's entity. It is not part of the property graph.
type Job struct {
	ID          string    `json:"job_id"`
	Type        JobType   `json:"job_type"`
	Status      JobStatus `json:"status"`
	Principal   string    `json:"principal"`
	Ontology    string    `json:"ontology"`
	ContentHash string    `json:"content_hash"`
	ContentRef  string    `json:"content_ref"`
	Text        string    `json:"text"`

	Analysis Analysis `json:"analysis"`
	Progress Progress `json:"progress"`

	AutoApprove bool `json:"auto_approve"`
	Force       bool `json:"force"`

	Metadata map[string]any `json:"metadata,omitempty"`

	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	ErrorAt  int    `json:"failed_chunk_index,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Checkpoint is the resumable progress marker persisted after each chunk's
// upsert commits.
type Checkpoint struct {
	JobID          string    `json:"job_id"`
	LastChunkIndex int       `json:"last_chunk_index"`
	Counters       Counters  `json:"counters"`
	UpdatedAt      time.Time `json:"updated_at"`
}
