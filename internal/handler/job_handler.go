package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"jobpipe/internal/models"
	"jobpipe/internal/runner"
	"jobpipe/internal/service"
)

// JobHandler handles HTTP requests from producers
type JobHandler struct {
	jobService  *service.JobService
	registry    *runner.Registry
	rateLimiter *service.RateLimiter
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *service.JobService, registry *runner.Registry, rateLimiter *service.RateLimiter) *JobHandler {
	return &JobHandler{
		jobService:  jobService,
		registry:    registry,
		rateLimiter: rateLimiter,
	}
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}

	if _, err := h.registry.Validate([]string{req.Topic}); err != nil {
		var notFound *runner.ErrHandlerNotFound
		if errors.As(err, &notFound) {
			http.Error(w, "unknown topic: "+req.Topic, http.StatusBadRequest)
			return
		}
		log.Printf("error validating topic: %v", err)
		http.Error(w, "failed to validate topic", http.StatusInternalServerError)
		return
	}

	if err := h.rateLimiter.AllowSubmission(req.Topic); err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	jobID, err := h.jobService.Create(r.Context(), req.Topic, req.Data, req.ParentJobID, nil)
	if err != nil {
		log.Printf("error creating job: %v", err)
		http.Error(w, "job creation failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]string{"job_id": jobID}); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if jobID == "" || jobID == r.URL.Path {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	msg, queue, err := h.jobService.Locate(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		log.Printf("error getting job: %v", err)
		http.Error(w, "failed to retrieve job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := struct {
		*models.JobMessage
		Queue models.Queue `json:"queue,omitempty"`
	}{msg, queue}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

// GetTopics handles GET /topics: queue depths and lock holders for every
// registered topic
func (h *JobHandler) GetTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	topics, err := h.registry.Topics()
	if err != nil {
		log.Printf("error listing topics: %v", err)
		http.Error(w, "failed to list topics", http.StatusInternalServerError)
		return
	}

	statuses, err := h.jobService.Status(r.Context(), topics)
	if err != nil {
		log.Printf("error getting topic status: %v", err)
		http.Error(w, "failed to get topic status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}
