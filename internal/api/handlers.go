package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/driftwell/stillmind/internal/db"
	"github.com/driftwell/stillmind/internal/metrics"
	"github.com/driftwell/stillmind/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 50

	recentTransactionsLimit = 25
)

// Store is the slice of the database the HTTP surface needs. *db.DB
// satisfies it; tests substitute a fake.
type Store interface {
	InTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	ReserveCredits(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount int, description string) (int, error)
	CreateGenerationRequest(ctx context.Context, tx *sql.Tx, req *models.GenerationRequest) error
	FailGenerationRequest(ctx context.Context, id uuid.UUID) error
	GetGenerationRequestForUser(ctx context.Context, id, userID uuid.UUID) (*models.GenerationRequest, error)
	ListGenerationRequests(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.GenerationRequest, error)
	CountGenerationRequests(ctx context.Context, userID uuid.UUID) (int, error)
	GetCreditBalance(ctx context.Context, userID uuid.UUID) (int, error)
	ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.CreditTransaction, error)
	ListMediaAssets(ctx context.Context) ([]models.MediaAsset, error)
}

// Enqueuer pushes a generation job. Pushing the same request twice is a
// no-op on the queue side.
type Enqueuer interface {
	Enqueue(ctx context.Context, generationRequestID uuid.UUID) error
}

type Handler struct {
	store   Store
	queue   Enqueuer
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewHandler(store Store, queue Enqueuer, m *metrics.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		store:   store,
		queue:   queue,
		metrics: m,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// CreateGeneration handles POST /api/generations: validate, price, reserve
// credits and persist the request in one transaction, then enqueue the job.
func (h *Handler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var body models.CreateGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.countSubmission("invalid")
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if problems := body.Validate(); len(problems) > 0 {
		h.countSubmission("invalid")
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": problems})
		return
	}

	scriptType, _ := models.ParseScriptType(body.ScriptType)
	visibility := body.ResolvedVisibility()

	cost, ok := models.CreditCost(body.DurationSeconds, visibility)
	if !ok {
		// Validate already rejected unknown durations; this is a guard.
		h.countSubmission("invalid")
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": map[string]string{"durationSeconds": "unsupported duration"},
		})
		return
	}

	req := &models.GenerationRequest{
		ID:              uuid.New(),
		UserID:          userID,
		VisualPrompt:    body.VisualPrompt,
		ScriptType:      scriptType,
		ScriptContent:   body.ScriptContent,
		DurationSeconds: body.DurationSeconds,
		AmbientSoundID:  body.AmbientSoundID,
		MusicTrackID:    body.MusicTrackID,
		Visibility:      visibility,
		CreditsCharged:  cost,
		Status:          models.RequestStatusPending,
		Progress:        0,
	}

	// Reserve and persist atomically: if the insert fails the spend rolls
	// back, so a user is never charged for a request that does not exist.
	err := h.store.InTx(r.Context(), func(tx *sql.Tx) error {
		description := fmt.Sprintf("Video generation (%ds, %s)", req.DurationSeconds, req.Visibility)
		if _, err := h.store.ReserveCredits(r.Context(), tx, userID, cost, description); err != nil {
			return err
		}
		return h.store.CreateGenerationRequest(r.Context(), tx, req)
	})
	if err != nil {
		var insufficient *db.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			h.countSubmission("insufficient_credits")
			respondJSON(w, http.StatusPaymentRequired, map[string]interface{}{
				"error":    "Insufficient credits",
				"required": insufficient.Required,
			})
			return
		}

		h.countSubmission("error")
		h.log.Error().Err(err).Str("user_id", userID.String()).Msg("submission transaction failed")
		respondInternalError(w)
		return
	}

	// Enqueue after commit. A lost push leaves a pending row the sweeper can
	// recover; a failed push marks the request failed so the user sees it.
	if err := h.queue.Enqueue(r.Context(), req.ID); err != nil {
		h.log.Error().Err(err).Str("request_id", req.ID.String()).Msg("failed to enqueue generation job")
		if failErr := h.store.FailGenerationRequest(r.Context(), req.ID); failErr != nil {
			h.log.Error().Err(failErr).Str("request_id", req.ID.String()).Msg("failed to mark orphaned request failed")
		}
		h.countSubmission("error")
		respondInternalError(w)
		return
	}

	h.countSubmission("created")
	respondJSON(w, http.StatusCreated, req)
}

// ListGenerations handles GET /api/generations with page/limit pagination.
func (h *Handler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	page := defaultPage
	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed >= 1 {
			page = parsed
		}
	}

	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed >= 1 {
			limit = parsed
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	total, err := h.store.CountGenerationRequests(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to count generation requests")
		respondInternalError(w)
		return
	}

	requests, err := h.store.ListGenerationRequests(r.Context(), userID, limit, (page-1)*limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list generation requests")
		respondInternalError(w)
		return
	}

	if requests == nil {
		requests = []models.GenerationRequest{}
	}

	respondJSON(w, http.StatusOK, models.ListGenerationsResponse{
		Requests: requests,
		Page:     page,
		Limit:    limit,
		Total:    total,
	})
}

// GetGenerationProgress handles GET /api/generations/{id}/progress. The read
// is owner-scoped: someone else's request id looks exactly like a missing one.
func (h *Handler) GetGenerationProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "Request not found")
		return
	}

	req, err := h.store.GetGenerationRequestForUser(r.Context(), requestID, userID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("request_id", requestID.String()).Msg("failed to get generation request")
		respondInternalError(w)
		return
	}

	respondJSON(w, http.StatusOK, models.ProgressResponse{
		ID:       req.ID,
		Status:   req.Status,
		Progress: req.Progress,
		VideoID:  req.VideoID,
	})
}

// GetCredits handles GET /api/credits: current balance plus recent ledger rows.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	balance, err := h.store.GetCreditBalance(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to get credit balance")
		respondInternalError(w)
		return
	}

	txns, err := h.store.ListCreditTransactions(r.Context(), userID, recentTransactionsLimit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list credit transactions")
		respondInternalError(w)
		return
	}

	if txns == nil {
		txns = []models.CreditTransaction{}
	}

	respondJSON(w, http.StatusOK, models.CreditsResponse{
		Balance:      balance,
		Transactions: txns,
	})
}

// ListMediaAssets handles GET /api/media-assets — the ambient sound and
// music track catalog clients pick from at submission time.
func (h *Handler) ListMediaAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.store.ListMediaAssets(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list media assets")
		respondInternalError(w)
		return
	}

	if assets == nil {
		assets = []models.MediaAsset{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) countSubmission(outcome string) {
	if h.metrics != nil {
		h.metrics.Submissions.WithLabelValues(outcome).Inc()
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondInternalError is the only 500 body the API ever sends — internal
// detail stays in the logs.
func respondInternalError(w http.ResponseWriter) {
	respondError(w, http.StatusInternalServerError, "Internal server error")
}
