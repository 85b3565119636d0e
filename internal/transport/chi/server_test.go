package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/domain"
	healthuc "github.com/lodestone-ai/lodestone/internal/usecase/health"
)

func testServer() *Server {
	return NewServer(nil, nil, nil, zap.NewNop())
}

func TestHandleDomainError_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   ErrorCode
	}{
		{"validation", domain.ErrValidation, http.StatusBadRequest, CodeValidationFailed},
		{"not found", domain.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"rate limited", domain.NewRateLimitError("openai", 0), http.StatusTooManyRequests, CodeRateLimited},
		{"quota", domain.ErrEmbeddingQuotaExceeded, http.StatusPaymentRequired, CodeQuotaExceeded},
		{"provider auth", domain.ErrAuthentication, http.StatusBadGateway, CodeProviderAuthFailed},
		{"circuit open", domain.ErrCircuitOpen, http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"index state", domain.ErrIndexState, http.StatusServiceUnavailable, CodeIndexNotReady},
		{"chunking", domain.ErrChunkingFailed, http.StatusUnprocessableEntity, CodeChunkingFailed},
		{"dependency", domain.NewDependencyError("qdrant", 503, errors.New("down")), http.StatusBadGateway, CodeDependencyFailed},
		{"unknown", errors.New("surprise"), http.StatusInternalServerError, CodeInternalError},
	}

	s := testServer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			s.handleDomainError(rr, tt.err)

			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Code != tt.code {
				t.Errorf("code = %s, want %s", resp.Code, tt.code)
			}
		})
	}
}

func TestHandleDomainError_WrappedSentinel(t *testing.T) {
	s := testServer()
	rr := httptest.NewRecorder()

	s.handleDomainError(rr, domain.NewDependencyError("openai", 500,
		errors.New("secret connection string leaked here")))

	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Contains(resp.Message, "secret") {
		t.Errorf("internal detail leaked into response: %q", resp.Message)
	}
}

func TestHandleDomainError_RetryAfterHeader(t *testing.T) {
	s := testServer()
	rr := httptest.NewRecorder()

	s.handleDomainError(rr, domain.NewRateLimitError("openai", 30*time.Second))

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
}

func TestIngestDocument_InvalidBody(t *testing.T) {
	s := testServer()

	req := httptest.NewRequest("POST", "/api/v1/documents", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	s.IngestDocument(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != CodeBadRequest {
		t.Errorf("code = %s, want %s", resp.Code, CodeBadRequest)
	}
}

func TestRetrieve_InvalidBody(t *testing.T) {
	s := testServer()

	req := httptest.NewRequest("POST", "/api/v1/retrieve", strings.NewReader("[["))
	rr := httptest.NewRecorder()
	s.Retrieve(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(_ context.Context) error { return p.err }

func TestHealth_OK(t *testing.T) {
	s := NewServer(nil, nil, healthuc.New(stubPinger{}, nil, nil, nil), zap.NewNop())

	req := httptest.NewRequest("GET", "/health", http.NoBody)
	rr := httptest.NewRecorder()
	s.Health(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var report healthuc.Report
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != healthuc.Healthy {
		t.Errorf("status = %q, want %q", report.Status, healthuc.Healthy)
	}
}

func TestHealth_Unhealthy503(t *testing.T) {
	s := NewServer(nil, nil, healthuc.New(stubPinger{err: errors.New("down")}, nil, nil, nil), zap.NewNop())

	req := httptest.NewRequest("GET", "/health", http.NoBody)
	rr := httptest.NewRecorder()
	s.Health(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}
