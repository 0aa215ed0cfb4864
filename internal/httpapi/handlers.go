package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"graphkeep/internal/ingerr"
	"graphkeep/internal/jobs"
)

// maxIngestBody caps the multipart body ParseMultipartForm will buffer for
// one /ingest request; larger file parts spill to temp files past this.
const maxIngestBody = 64 << 20

// principalFrom reads the validated principal an upstream auth gateway is
// expected to have attached to the request. Authentication mechanics
// themselves are out of scope here; the core only consumes the result.
func principalFrom(r *http.Request) string {
	return r.Header.Get("X-Principal")
}

// handleIngest parses the §4.6/§6 multipart contract: a "file" part or a
// "text" field, "ontology" (required), "filename" (required alongside
// "text"; a "file" part supplies its own filename), and optional
// "auto_approve"/"force"/"metadata" fields. A "file" part whose Content-Type
// is image/* is routed to the vision adapter instead of the text pipeline.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxIngestBody); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	req := jobs.SubmitRequest{
		Principal: principalFrom(r),
		Ontology:  r.FormValue("ontology"),
	}
	req.AutoApprove, _ = strconv.ParseBool(r.FormValue("auto_approve"))
	req.Force, _ = strconv.ParseBool(r.FormValue("force"))

	if raw := r.FormValue("metadata"); raw != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("metadata: %w", err))
			return
		}
		req.Metadata = meta
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		data, readErr := io.ReadAll(file)
		if readErr != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("read file part: %w", readErr))
			return
		}
		req.Filename = header.Filename
		if mimeType := header.Header.Get("Content-Type"); strings.HasPrefix(mimeType, "image/") {
			req.ImageData = data
			req.ImageMIME = mimeType
		} else {
			req.Text = string(data)
		}
	case errors.Is(err, http.ErrMissingFile):
		req.Text = r.FormValue("text")
		req.Filename = r.FormValue("filename")
		if req.Text != "" && req.Filename == "" {
			respondError(w, http.StatusBadRequest, errors.New("filename is required when submitting text"))
			return
		}
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("read file field: %w", err))
		return
	}

	job, err := s.scheduler.Submit(r.Context(), req)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"status":   job.Status,
		"analysis": job.Analysis,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Approve(r.Context(), r.PathValue("id"), principalFrom(r))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Cancel(r.Context(), r.PathValue("id"), principalFrom(r))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok, err := s.scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobsList, err := s.scheduler.List(r.Context(), principalFrom(r))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobsList})
}

// handleStreamJob serves the job's progress channel as a Server-Sent
// Events stream: one JSON object per event, flushed immediately. The
// client may disconnect and reconnect at any time without affecting job
// execution; reconnecting simply re-subscribes and receives the latest
// snapshot first.
func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, ok, err := s.scheduler.Get(r.Context(), jobID); err != nil {
		respondError(w, statusFromError(err), err)
		return
	} else if !ok {
		respondError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, unsubscribe := s.scheduler.Subscribe(jobID)
	defer unsubscribe()

	bw := bufio.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case progress, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(progress)
			if err != nil {
				continue
			}
			fmt.Fprintf(bw, "data: %s\n\n", data)
			bw.Flush()
			flusher.Flush()
			if progress.Status.Terminal() {
				return
			}
		}
	}
}

type searchRequest struct {
	Query         string  `json:"query"`
	Limit         int     `json:"limit,omitempty"`
	MinSimilarity float64 `json:"min_similarity,omitempty"`
	Ontology      string  `json:"ontology,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.query.Search(r.Context(), req.Query, req.Limit, req.MinSimilarity, req.Ontology)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleConceptDetails(w http.ResponseWriter, r *http.Request) {
	detail, err := s.query.Details(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

type relatedRequest struct {
	ConceptID string   `json:"concept_id"`
	MaxDepth  int      `json:"max_depth,omitempty"`
	RelTypes  []string `json:"rel_types,omitempty"`
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	var req relatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	hits, err := s.query.Related(r.Context(), req.ConceptID, req.MaxDepth, req.RelTypes)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"related": hits})
}

type connectRequest struct {
	FromConceptID string `json:"from_concept_id"`
	ToConceptID   string `json:"to_concept_id"`
	MaxHops       int    `json:"max_hops,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	path, err := s.query.Connect(r.Context(), req.FromConceptID, req.ToConceptID, req.MaxHops)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, path)
}

type connectBySearchRequest struct {
	FromQuery string `json:"from_query"`
	ToQuery   string `json:"to_query"`
	MaxHops   int    `json:"max_hops,omitempty"`
}

func (s *Server) handleConnectBySearch(w http.ResponseWriter, r *http.Request) {
	var req connectBySearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.query.ConnectBySearch(r.Context(), req.FromQuery, req.ToQuery, req.MaxHops)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes {"error": ..., "code": ...}. For a taxonomy error the
// stable ingerr.Code is included, and adapter/store errors carry only that
// code as their message, never the raw adapter or store error string.
func respondError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}
	if code := ingerr.Code(err); code != "internal" {
		body["code"] = code
		if strings.HasPrefix(code, "adapter_") || code == "store_error" {
			body["error"] = code
		}
	}
	respondJSON(w, status, body)
}

func statusFromError(err error) int {
	return ingerr.HTTPStatus(err)
}
