// Package handlers agrupa os handlers HTTP da superfície de operação das cotas.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JeanGrijp/callquota/internal/adapters/http/middleware"
	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

const maxBodyBytes = 1 << 20

// QuotaHandler traduz requisições HTTP para o contrato ports.QuotaGate.
type QuotaHandler struct {
	gate   ports.QuotaGate
	logger *zap.Logger
}

func NewQuotaHandler(gate ports.QuotaGate, logger *zap.Logger) *QuotaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaHandler{gate: gate, logger: logger.Named("http")}
}

// Register monta as rotas /v1 no roteador informado.
func (h *QuotaHandler) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/global", h.GlobalStatus)
		r.Post("/queue/drain", h.Drain)
		r.Post("/windows/rotate", h.Rotate)
		r.Get("/jobs/{jobID}", h.GetJob)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireCaller)
			r.Get("/usage", h.Usage)
			r.Post("/admission", h.Admission)
			r.Post("/calls", h.Record)
			r.Post("/tier/refresh", h.RefreshTier)
		})
	})
}

type admissionRequest struct {
	AccountID   string `json:"accountId"`
	Action      string `json:"action"`
	FollowCheck bool   `json:"followCheck"`
}

type recordRequest struct {
	AccountID        string         `json:"accountId"`
	AccountName      string         `json:"accountName"`
	Action           string         `json:"action"`
	ProviderCallCost *int64         `json:"providerCallCost"`
	Payload          map[string]any `json:"payload"`
}

func (h *QuotaHandler) Admission(w http.ResponseWriter, r *http.Request) {
	var body admissionRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := domain.ParseActionType(body.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d := h.gate.CanAdmit(r.Context(), middleware.CallerID(r.Context()), body.AccountID, action, body.FollowCheck || action.IsFollowCheck())
	writeJSON(w, http.StatusOK, newDecisionResponse(d))
}

func (h *QuotaHandler) Record(w http.ResponseWriter, r *http.Request) {
	var body recordRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := domain.ParseActionType(body.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Ausente conta como uma chamada ao provedor; zero explícito não consome.
	cost := int64(1)
	if body.ProviderCallCost != nil {
		cost = *body.ProviderCallCost
	}
	if cost < 0 {
		writeError(w, http.StatusBadRequest, "providerCallCost must be non-negative")
		return
	}

	res := h.gate.Record(r.Context(), domain.RecordRequest{
		CallerID:         middleware.CallerID(r.Context()),
		AccountID:        body.AccountID,
		AccountName:      body.AccountName,
		Action:           action,
		ProviderCallCost: cost,
		Payload:          body.Payload,
	})

	status := http.StatusOK
	switch {
	case res.Admitted:
	case res.Queued:
		status = http.StatusAccepted
	case res.Reason == domain.ReasonSystemError:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, newRecordResponse(res))
}

func (h *QuotaHandler) Usage(w http.ResponseWriter, r *http.Request) {
	stats := h.gate.GetUsageStats(r.Context(), middleware.CallerID(r.Context()))
	writeJSON(w, http.StatusOK, newUsageResponse(stats))
}

func (h *QuotaHandler) GlobalStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newGlobalResponse(h.gate.IsGlobalLimitReached(r.Context())))
}

func (h *QuotaHandler) Drain(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	res := h.gate.ProcessQueued(r.Context(), limit)
	writeJSON(w, http.StatusOK, drainResponse{
		Processed: res.Processed,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Remaining: res.Remaining,
	})
}

func (h *QuotaHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	res := h.gate.RotateWindow(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rotationResponse{
		Success:       res.Success,
		Window:        newWindowResponse(res.Window),
		Processed:     res.Processed,
		ResetAccounts: res.ResetAccounts,
		Repeated:      res.Repeated,
	})
}

func (h *QuotaHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.gate.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("failed to load deferred action", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (h *QuotaHandler) RefreshTier(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.CallerID(r.Context())
	tier, err := h.gate.RefreshTier(r.Context(), callerID)
	if err != nil {
		h.logger.Error("failed to refresh tier", zap.String("caller_id", callerID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "tier cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, tierResponse{CallerID: callerID, Tier: string(tier)})
}

// Health responde sempre 200 enquanto o processo estiver servindo.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
