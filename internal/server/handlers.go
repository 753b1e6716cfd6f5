package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

// writeJSON writes data as a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps store errors to HTTP statuses: validation problems are
// the caller's fault, conflicts mean queue state moved underneath them,
// anything else is a server-side failure worth logging.
func writeError(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	var ce *models.ConflictError
	var nc *models.NotClaimedError
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), http.StatusBadRequest)
	case errors.As(err, &ce):
		http.Error(w, ce.Error(), http.StatusConflict)
	case errors.As(err, &nc):
		http.Error(w, nc.Error(), http.StatusConflict)
	case errors.Is(err, gorm.ErrRecordNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		log.Error().Err(err).Msg("Request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// queryList splits a comma-separated query parameter, dropping empties.
func queryList(r *http.Request, key string) []string {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type enqueueRequest struct {
	ConversationID string `json:"conversation_id"`
	AnalysisType   string `json:"analysis_type"`
	Priority       int    `json:"priority"`
}

// handleEnqueue queues a conversation for backend analysis. At most one
// active item per (conversation, type); a second enqueue conflicts.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	item := models.NewQueueItem(req.ConversationID, models.AnalysisType(req.AnalysisType), req.Priority)
	if _, err := s.queue.Enqueue(r.Context(), item); err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, item)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	status := models.QueueStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.QueuePending
	}
	items, err := s.queue.ListByStatus(r.Context(), status, queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.QueueItem{}
	}
	writeJSON(w, map[string]interface{}{"items": items, "count": len(items)})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
	Count    int    `json:"count"`
}

// handleClaim hands up to count pending items to a worker. Returned
// items are already claimed with the attempt counted.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	items, err := s.queue.ClaimPending(r.Context(), req.Count, req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.QueueItem{}
	}
	writeJSON(w, map[string]interface{}{"items": items, "count": len(items)})
}

type releaseStaleRequest struct {
	OlderThan string `json:"older_than"`
}

// handleReleaseStale returns claims stuck past the given age to pending.
func (s *Server) handleReleaseStale(w http.ResponseWriter, r *http.Request) {
	var req releaseStaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil || olderThan < 0 {
		http.Error(w, "older_than must be a duration like 10m", http.StatusBadRequest)
		return
	}

	released, err := s.queue.ReleaseStaleClaims(r.Context(), olderThan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int64{"released": released})
}

// handleDeleteOld purges terminal queue items older than the given age
// whose results were durably applied.
func (s *Server) handleDeleteOld(w http.ResponseWriter, r *http.Request) {
	olderThan, err := time.ParseDuration(r.URL.Query().Get("older_than"))
	if err != nil || olderThan < 0 {
		http.Error(w, "older_than must be a duration like 720h", http.StatusBadRequest)
		return
	}

	deleted, err := s.queue.DeleteOldItems(r.Context(), olderThan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int64{"deleted": deleted})
}

func (s *Server) handleGetQueueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	item, err := s.queue.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if item == nil {
		http.Error(w, "queue item not found", http.StatusNotFound)
		return
	}
	writeJSON(w, item)
}

type completeRequest struct {
	ResultJSON string `json:"result_json"`
	Backend    string `json:"backend"`
	Model      string `json:"model"`
}

// handleComplete records a backend result for a claimed item. The
// result stays unapplied until the analysis worker folds it in.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.queue.MarkCompleted(r.Context(), id, req.ResultJSON, req.Backend, req.Model); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "completed"})
}

type failRequest struct {
	Error string `json:"error"`
}

// handleFail terminally fails a claimed item. Retries only happen
// through stale-claim release or an explicit retry.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.queue.MarkFailed(r.Context(), id, req.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "failed"})
}

// handleRetry returns a failed item to pending with a fresh attempt
// budget.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.queue.Retry(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "pending"})
}

type recordLearningRequest struct {
	Type            string  `json:"type"`
	Rule            string  `json:"rule"`
	Pattern         string  `json:"pattern"`
	Evidence        string  `json:"evidence"`
	Context         string  `json:"context"`
	Source          string  `json:"source"`
	DetectorVersion string  `json:"detector_version"`
	ConversationID  string  `json:"conversation_id"`
	MessageID       string  `json:"message_id"`
	DetectedAt      string  `json:"detected_at"`
	Confidence      float64 `json:"confidence"`
	TaskSpecific    bool    `json:"task_specific"`
}

// handleRecordLearning folds one detection into the learnings table.
// The mutated flag in the response is false for replays that changed
// nothing.
func (s *Server) handleRecordLearning(w http.ResponseWriter, r *http.Request) {
	var req recordLearningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var detectedAt time.Time
	if req.DetectedAt != "" {
		var err error
		detectedAt, err = time.Parse(time.RFC3339, req.DetectedAt)
		if err != nil {
			http.Error(w, "detected_at must be RFC 3339", http.StatusBadRequest)
			return
		}
	}

	d := &models.Detection{
		Type:            models.LearningType(req.Type),
		Rule:            req.Rule,
		Pattern:         req.Pattern,
		Evidence:        req.Evidence,
		Context:         req.Context,
		Source:          req.Source,
		DetectorVersion: req.DetectorVersion,
		ConversationID:  req.ConversationID,
		MessageID:       req.MessageID,
		DetectedAt:      detectedAt,
		Confidence:      req.Confidence,
		TaskSpecific:    req.TaskSpecific,
	}
	learning, mutated, err := s.learnings.RecordDetection(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"learning": learning, "mutated": mutated})
}

func (s *Server) handleListLearnings(w http.ResponseWriter, r *http.Request) {
	status := models.ReviewStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ReviewPending
	}
	learnings, err := s.learnings.ListByStatus(r.Context(), status, queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	if learnings == nil {
		learnings = []*models.Learning{}
	}
	writeJSON(w, map[string]interface{}{"learnings": learnings, "count": len(learnings)})
}

// handleApprovedLearnings lists the approved learnings that apply to a
// project: global ones plus project-scoped ones observed there.
func (s *Server) handleApprovedLearnings(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	learnings, err := s.learnings.ListApprovedForProject(r.Context(), project, queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	if learnings == nil {
		learnings = []*models.Learning{}
	}
	writeJSON(w, map[string]interface{}{"learnings": learnings, "count": len(learnings)})
}

func (s *Server) handleLearningCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.learnings.CountByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, counts)
}

func (s *Server) handleApproveLearning(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.learnings.Approve(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "approved"})
}

func (s *Server) handleRejectLearning(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.learnings.Reject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "rejected"})
}

type upsertSignatureRequest struct {
	ConversationID string   `json:"conversation_id"`
	Signature      string   `json:"signature"`
	Action         string   `json:"action"`
	Artifact       string   `json:"artifact"`
	Domains        []string `json:"domains"`
	Source         string   `json:"source"`
	Snippet        string   `json:"snippet"`
	Reasoning      string   `json:"reasoning"`
	Confidence     float64  `json:"confidence"`
	IsPriming      bool     `json:"is_priming"`
}

// handleUpsertSignature writes the workflow signature for a
// conversation. One signature per conversation; re-upserting replaces
// it in place and answers 200 instead of 201.
func (s *Server) handleUpsertSignature(w http.ResponseWriter, r *http.Request) {
	var req upsertSignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sig := &models.WorkflowSignature{
		ConversationID: req.ConversationID,
		Signature:      req.Signature,
		Action:         req.Action,
		Artifact:       req.Artifact,
		Domains:        models.JSONStringArray(req.Domains),
		Source:         req.Source,
		Confidence:     req.Confidence,
		IsPriming:      req.IsPriming,
	}
	if req.Snippet != "" {
		sig.Snippet = sql.NullString{String: req.Snippet, Valid: true}
	}
	if req.Reasoning != "" {
		sig.Reasoning = sql.NullString{String: req.Reasoning, Valid: true}
	}

	id, created, err := s.signatures.Upsert(r.Context(), sig)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, map[string]interface{}{"id": id, "created": created})
}

// handleTopClusters returns automation candidates: recurring signature
// groups above the minimum count, minus anything the caller excluded.
func (s *Server) handleTopClusters(w http.ResponseWriter, r *http.Request) {
	opts := db.ClusterOptions{
		Limit:             queryInt(r, "limit"),
		MinimumCount:      queryInt(r, "min_count"),
		SampleSize:        queryInt(r, "samples"),
		ExcludedActions:   queryList(r, "exclude_actions"),
		ExcludedArtifacts: queryList(r, "exclude_artifacts"),
	}
	clusters, err := s.signatures.TopClusters(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if clusters == nil {
		clusters = []*models.SignatureCluster{}
	}
	writeJSON(w, map[string]interface{}{"clusters": clusters, "count": len(clusters)})
}

func (s *Server) handleClustersByAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	clusters, err := s.signatures.ClustersByAction(r.Context(), action, queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	if clusters == nil {
		clusters = []*models.SignatureCluster{}
	}
	writeJSON(w, map[string]interface{}{"clusters": clusters, "count": len(clusters)})
}

// handleMissingSignatures lists conversations the extractor has not
// covered yet, oldest activity first.
func (s *Server) handleMissingSignatures(w http.ResponseWriter, r *http.Request) {
	ids, err := s.signatures.ConversationIDsMissingSignature(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, map[string]interface{}{"conversation_ids": ids, "count": len(ids)})
}
