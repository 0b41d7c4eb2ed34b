// Package api exposes the review engine over REST.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/crevhq/crev/internal/ai"
	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/review"
	"github.com/crevhq/crev/internal/rules"
	"github.com/crevhq/crev/internal/store"
	"github.com/crevhq/crev/internal/worker"
)

// Server provides the REST API handlers.
type Server struct {
	store  store.Store
	engine *review.Engine
	loop   *review.Loop
	rules  *rules.Engine
	ai     ai.Client
	pool   *worker.Pool
	logger *slog.Logger
}

// NewServer creates a new API server. The pool may be nil, in which case
// task starts fall back to synchronous execution.
func NewServer(s store.Store, engine *review.Engine, loop *review.Loop, ruleEngine *rules.Engine, client ai.Client, pool *worker.Pool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  s,
		engine: engine,
		loop:   loop,
		rules:  ruleEngine,
		ai:     client,
		pool:   pool,
		logger: logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/contracts", s.listContracts)
	mux.HandleFunc("POST /api/v1/contracts", s.createContract)
	mux.HandleFunc("GET /api/v1/contracts/{id}", s.getContract)
	mux.HandleFunc("POST /api/v1/contracts/{id}/resubmit", s.resubmitContract)
	mux.HandleFunc("POST /api/v1/contracts/{id}/feedback", s.feedbackContract)
	mux.HandleFunc("GET /api/v1/contracts/{id}/summary", s.summarizeContract)

	mux.HandleFunc("GET /api/v1/tasks", s.listTasks)
	mux.HandleFunc("POST /api/v1/tasks", s.createTask)
	mux.HandleFunc("POST /api/v1/tasks/recover", s.recoverTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/start", s.startTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/submit", s.submitReview)
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/progress", s.taskProgress)
	mux.HandleFunc("GET /api/v1/tasks/{id}/result", s.taskResult)

	mux.HandleFunc("GET /api/v1/rules", s.listRules)
	mux.HandleFunc("POST /api/v1/rules/scan", s.scanRules)

	mux.HandleFunc("GET /api/v1/focus-configs", s.listFocusConfigs)

	mux.HandleFunc("POST /api/v1/ai/test", s.testAI)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, review.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, review.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ai.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Contracts ---

func (s *Server) listContracts(w http.ResponseWriter, r *http.Request) {
	status := models.ContractStatus(r.URL.Query().Get("status"))
	contracts, err := s.store.ListContracts(r.Context(), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) createContract(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ContractNo string `json:"contract_no"`
		Title      string `json:"title"`
		Type       string `json:"type"`
		Industry   string `json:"industry"`
		Content    string `json:"content"`
		DrafterID  string `json:"drafter_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if in.Title == "" || in.ContractNo == "" {
		writeError(w, http.StatusBadRequest, "contract_no and title are required")
		return
	}

	c := &models.Contract{
		ContractNo: in.ContractNo,
		Title:      in.Title,
		Type:       models.ContractType(in.Type),
		Industry:   in.Industry,
		Content:    in.Content,
		DrafterID:  in.DrafterID,
	}
	if err := s.store.CreateContract(r.Context(), c); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetContract(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) resubmitContract(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID        string `json:"user_id"`
		ChangeSummary string `json:"change_summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	task, err := s.loop.Resubmit(r.Context(), r.PathValue("id"), in.UserID, in.ChangeSummary)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) feedbackContract(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.loop.Feedback(r.Context(), r.PathValue("id"), in.Message); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "feedback sent"})
}

func (s *Server) summarizeContract(w http.ResponseWriter, r *http.Request) {
	summary, err := s.loop.Summarize(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskListFilter{
		ContractID: r.URL.Query().Get("contract_id"),
		Status:     models.TaskStatus(r.URL.Query().Get("status")),
		Type:       models.TaskType(r.URL.Query().Get("type")),
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ContractID   string                 `json:"contract_id"`
		ReviewLevels []models.Tier          `json:"review_levels"`
		Assignments  map[models.Tier]string `json:"assignments"`
		Priority     int                    `json:"priority"`
		CreatedBy    string                 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	contract, err := s.store.GetContract(r.Context(), in.ContractID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	task := &models.ReviewTask{
		ContractID:      contract.ID,
		ContractVersion: contract.CurrentVersion,
		ReviewLevels:    in.ReviewLevels,
		Assignments:     in.Assignments,
		Priority:        in.Priority,
		CreatedBy:       in.CreatedBy,
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Sync bool `json:"sync"`
	}
	// body is optional
	_ = json.NewDecoder(r.Body).Decode(&in)
	id := r.PathValue("id")

	// synchronous fallback when requested or when no pool is running
	if in.Sync || s.pool == nil {
		if err := s.engine.RunSync(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		task, err := s.store.GetTask(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	task, err := s.engine.Start(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.pool.Submit(task.ID) {
		writeError(w, http.StatusServiceUnavailable, "worker queue full, retry later")
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ReviewerID string `json:"reviewer_id"`
		Opinions   []struct {
			ClauseID      string `json:"clause_id"`
			ClauseContent string `json:"clause_content"`
			Type          string `json:"type"`
			Severity      string `json:"severity"`
			Content       string `json:"content"`
			LegalBasis    string `json:"legal_basis"`
			Suggestion    string `json:"suggestion"`
		} `json:"opinions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if in.ReviewerID == "" {
		writeError(w, http.StatusBadRequest, "reviewer_id is required")
		return
	}

	opinions := make([]review.OpinionInput, 0, len(in.Opinions))
	for _, o := range in.Opinions {
		opinions = append(opinions, review.OpinionInput{
			ClauseID:      o.ClauseID,
			ClauseContent: o.ClauseContent,
			Type:          models.OpinionType(o.Type),
			Severity:      models.RiskLevel(o.Severity),
			Content:       o.Content,
			LegalBasis:    o.LegalBasis,
			Suggestion:    o.Suggestion,
		})
	}

	task, err := s.engine.SubmitReview(r.Context(), r.PathValue("id"), in.ReviewerID, opinions)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Operator string `json:"operator"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.Operator == "" {
		in.Operator = "api"
	}

	task, err := s.engine.CompleteManually(r.Context(), r.PathValue("id"), in.Operator)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) taskProgress(w http.ResponseWriter, r *http.Request) {
	status, progress, err := s.engine.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"progress": progress,
	})
}

func (s *Server) taskResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.GetResultByTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	opinions, err := s.store.ListOpinionsByResult(r.Context(), result.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":   result,
		"opinions": opinions,
	})
}

func (s *Server) recoverTasks(w http.ResponseWriter, r *http.Request) {
	recovered, failed, err := s.engine.RecoverStuck(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"recovered": recovered,
		"failed":    failed,
	})
}

// --- Rules ---

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	filter := store.RuleListFilter{
		Type:       models.RuleType(r.URL.Query().Get("type")),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}
	list, err := s.store.ListRules(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) scanRules(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ContractID string `json:"contract_id"`
		Content    string `json:"content"`
		Industry   string `json:"industry"`
		Type       string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	scanIn := rules.ScanInput{
		ContractID:   in.ContractID,
		Content:      in.Content,
		Industry:     in.Industry,
		ContractType: models.ContractType(in.Type),
	}
	// scanning an existing contract by id is the common path
	if in.ContractID != "" && in.Content == "" {
		contract, err := s.store.GetContract(r.Context(), in.ContractID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		scanIn.Content = contract.Content
		scanIn.Industry = contract.Industry
		scanIn.ContractType = contract.Type
	}

	result, err := s.rules.Scan(r.Context(), scanIn)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result.AsReviewData())
}

// --- Focus configs ---

func (s *Server) listFocusConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListFocusConfigs(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

// --- AI ---

func (s *Server) testAI(w http.ResponseWriter, r *http.Request) {
	reply, err := s.ai.TestConnection(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"model":    s.ai.ModelName(),
		"response": reply,
	})
}
