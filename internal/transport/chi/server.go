package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/budget"
	"github.com/lodestone-ai/lodestone/internal/chunker"
	"github.com/lodestone-ai/lodestone/internal/domain"
	healthuc "github.com/lodestone-ai/lodestone/internal/usecase/health"
	ingestuc "github.com/lodestone-ai/lodestone/internal/usecase/ingest"
	retrieveuc "github.com/lodestone-ai/lodestone/internal/usecase/retrieve"
)

// ErrorCode is the machine-readable error discriminator in API responses.
type ErrorCode string

const (
	CodeBadRequest         ErrorCode = "bad_request"
	CodeValidationFailed   ErrorCode = "validation_failed"
	CodeNotFound           ErrorCode = "not_found"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeQuotaExceeded      ErrorCode = "embedding_quota_exceeded"
	CodeDependencyFailed   ErrorCode = "dependency_failed"
	CodeProviderAuthFailed ErrorCode = "provider_auth_failed"
	CodeServiceUnavailable ErrorCode = "service_unavailable"
	CodeIndexNotReady      ErrorCode = "index_not_ready"
	CodeChunkingFailed     ErrorCode = "chunking_failed"
	CodeInternalError      ErrorCode = "internal_error"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server exposes the ingestion and retrieval pipelines over HTTP.
type Server struct {
	ingest        *ingestuc.Service
	retrieve      *retrieveuc.Service
	health        *healthuc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	ingest *ingestuc.Service,
	retrieve *retrieveuc.Service,
	health *healthuc.Service,
	logger *zap.Logger,
) *Server {
	s := &Server{
		ingest:   ingest,
		retrieve: retrieve,
		health:   health,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		rateLimitHandler,
		sentinelHandler(domain.ErrValidation, http.StatusBadRequest, CodeValidationFailed),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, CodeNotFound),
		sentinelHandler(domain.ErrEmbeddingQuotaExceeded, http.StatusPaymentRequired, CodeQuotaExceeded),
		sentinelHandler(domain.ErrAuthentication, http.StatusBadGateway, CodeProviderAuthFailed),
		sentinelHandler(domain.ErrCircuitOpen, http.StatusServiceUnavailable, CodeServiceUnavailable),
		sentinelHandler(domain.ErrIndexState, http.StatusServiceUnavailable, CodeIndexNotReady),
		sentinelHandler(domain.ErrChunkingFailed, http.StatusUnprocessableEntity, CodeChunkingFailed),
		sentinelHandler(domain.ErrDependency, http.StatusBadGateway, CodeDependencyFailed),
	}
	return s
}

// Routes mounts all handlers on the given router.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", s.IngestDocument)
		r.Delete("/documents/{documentID}", s.DeleteDocument)
		r.Post("/retrieve", s.Retrieve)
	})
	r.Get("/health", s.Health)
	r.Get("/metrics", s.Metrics)
}

// IngestRequest is the POST /api/v1/documents body.
type IngestRequest struct {
	DocumentID   string        `json:"document_id"`
	UserID       string        `json:"user_id"`
	TopicID      string        `json:"topic_id,omitempty"`
	Text         string        `json:"text"`
	DocumentType string        `json:"document_type,omitempty"`
	Options      *ChunkOptions `json:"options,omitempty"`
}

// ChunkOptions overrides the per-type chunking profile. Omitted fields keep
// the profile's value for booleans and select defaults for the rest.
type ChunkOptions struct {
	Strategy                   string `json:"strategy,omitempty"`
	MaxTokens                  int    `json:"max_tokens,omitempty"`
	MinTokens                  int    `json:"min_tokens,omitempty"`
	OverlapTokens              int    `json:"overlap_tokens,omitempty"`
	RespectParagraphBoundaries bool   `json:"respect_paragraph_boundaries,omitempty"`
	RespectSectionBoundaries   bool   `json:"respect_section_boundaries,omitempty"`
	FallbackToSentence         bool   `json:"fallback_to_sentence,omitempty"`
}

func (o *ChunkOptions) toChunker() *chunker.Options {
	if o == nil {
		return nil
	}
	return &chunker.Options{
		Strategy:                   chunker.Strategy(o.Strategy),
		MaxTokens:                  o.MaxTokens,
		MinTokens:                  o.MinTokens,
		OverlapTokens:              o.OverlapTokens,
		RespectParagraphBoundaries: o.RespectParagraphBoundaries,
		RespectSectionBoundaries:   o.RespectSectionBoundaries,
		FallbackToSentence:         o.FallbackToSentence,
	}
}

// IngestResponse reports what ingestion produced.
type IngestResponse struct {
	DocumentID  string `json:"document_id"`
	ChunksCount int    `json:"chunks_count"`
	TokensUsed  int    `json:"tokens_used"`
}

// IngestDocument handles POST /api/v1/documents.
func (s *Server) IngestDocument(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	res, err := s.ingest.IngestDocument(r.Context(), ingestuc.Request{
		DocumentID:   req.DocumentID,
		UserID:       req.UserID,
		TopicID:      req.TopicID,
		Text:         req.Text,
		DocumentType: chunker.DocumentType(req.DocumentType),
		Options:      req.Options.toChunker(),
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, IngestResponse{
		DocumentID:  req.DocumentID,
		ChunksCount: res.ChunksCount,
		TokensUsed:  res.TokensUsed,
	})
}

// DeleteResponse reports how many chunks a deletion removed.
type DeleteResponse struct {
	DocumentID    string `json:"document_id"`
	ChunksDeleted int    `json:"chunks_deleted"`
}

// DeleteDocument handles DELETE /api/v1/documents/{documentID}.
func (s *Server) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

	deleted, err := s.ingest.DeleteDocument(r.Context(), documentID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DeleteResponse{
		DocumentID:    documentID,
		ChunksDeleted: deleted,
	})
}

// RetrieveRequest is the POST /api/v1/retrieve body.
type RetrieveRequest struct {
	Query       string   `json:"query"`
	UserID      string   `json:"user_id"`
	TopicID     string   `json:"topic_id,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	IncludeWeb  *bool    `json:"include_web,omitempty"`

	Model           string             `json:"model,omitempty"`
	SystemPrompt    string             `json:"system_prompt,omitempty"`
	UserPrompt      string             `json:"user_prompt,omitempty"`
	ResponseReserve int                `json:"response_reserve,omitempty"`
	Allocation      *budget.Allocation `json:"allocation,omitempty"`
}

// Retrieve handles POST /api/v1/retrieve.
func (s *Server) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := s.retrieve.Retrieve(r.Context(), retrieveuc.Request{
		Query:       req.Query,
		UserID:      req.UserID,
		TopicID:     req.TopicID,
		DocumentIDs: req.DocumentIDs,
		TopK:        req.TopK,
		IncludeWeb:  req.IncludeWeb,
		Budget: retrieveuc.BudgetHints{
			Model:           req.Model,
			SystemPrompt:    req.SystemPrompt,
			UserPrompt:      req.UserPrompt,
			ResponseReserve: req.ResponseReserve,
			Allocation:      req.Allocation,
		},
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	status := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// rateLimitHandler surfaces the provider's retry hint as a Retry-After header.
func rateLimitHandler(w http.ResponseWriter, err error, msg string) bool {
	if !errors.Is(err, domain.ErrRateLimited) {
		return false
	}
	var rle *domain.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
	}
	writeError(w, http.StatusTooManyRequests, CodeRateLimited, msg)
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}

// safeDomainMessage maps an error onto its sentinel's stable message so
// internal details never leak into responses.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrValidation,
		domain.ErrNotFound,
		domain.ErrRateLimited,
		domain.ErrEmbeddingQuotaExceeded,
		domain.ErrAuthentication,
		domain.ErrCircuitOpen,
		domain.ErrIndexState,
		domain.ErrChunkingFailed,
		domain.ErrDependency,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}
