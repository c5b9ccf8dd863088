package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/identify"
	"github.com/Brownie44l1/plantid-api/internal/model"
	"github.com/Brownie44l1/plantid-api/internal/predict"
	"github.com/Brownie44l1/plantid-api/internal/retrain"
	"github.com/Brownie44l1/plantid-api/internal/session"
	"github.com/Brownie44l1/plantid-api/internal/storage/sqlite"
)

// StatsSource serves the admin statistics endpoint.
type StatsSource interface {
	Stats(ctx context.Context) (sqlite.HistoryStats, error)
	FeedbackBySpecies(ctx context.Context) ([]sqlite.SpeciesAccuracy, error)
	ImagesBySpecies(ctx context.Context) (map[string]int, error)
}

// RetrainStatus reports the scheduler's view of the dataset.
type RetrainStatus interface {
	Last() (retrain.Assessment, time.Time)
	RunNow(ctx context.Context) (retrain.Assessment, error)
}

type Options struct {
	MaxUploadBytes int64
	DefaultTopK    int
	AllowedOrigin  string
}

type Handler struct {
	service *identify.Service
	stats   StatsSource
	retrain RetrainStatus
	opts    Options
	logger  *zap.Logger
}

func NewHandler(service *identify.Service, stats StatsSource, retrain RetrainStatus, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &Handler{
		service: service,
		stats:   stats,
		retrain: retrain,
		opts:    opts,
		logger:  logger,
	}
}

// Routes builds the mux. metrics may be nil.
func (h *Handler) Routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /sessions", h.SubmitImage)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.Abandon)
	mux.HandleFunc("POST /sessions/{id}/predict", h.Predict)
	mux.HandleFunc("POST /sessions/{id}/reject", h.Reject)
	mux.HandleFunc("POST /sessions/{id}/confirm", h.Confirm)
	mux.HandleFunc("POST /sessions/{id}/select", h.SelectManually)
	mux.HandleFunc("GET /sessions/{id}/candidates", h.Candidates)
	mux.HandleFunc("GET /admin/retrain", h.RetrainStatus)
	mux.HandleFunc("GET /admin/stats", h.Stats)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return h.cors(mux)
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.opts.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !h.service.Available() {
		status, code = "model_unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"species": h.service.Catalog().Len(),
	})
}

func (h *Handler) SubmitImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		writeMessage(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "failed to read image")
		return
	}

	h.logger.Debug("received file",
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size))

	sess, err := h.service.SubmitImage(r.Context(), raw, header.Header.Get("Content-Type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.View())
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Session(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

type predictRequest struct {
	Exclude []string `json:"exclude"`
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeMessage(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	p, err := h.service.Predict(r.Context(), r.PathValue("id"), req.Exclude...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type speciesRequest struct {
	Species string `json:"species"`
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSpecies(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	needsManual, err := h.service.Reject(r.Context(), id, req.Species)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := map[string]any{"needs_manual_selection": needsManual}
	if sess, err := h.service.Session(id); err == nil {
		v := sess.View()
		resp["attempt_number"] = v.AttemptNumber
		resp["discarded_species"] = v.Discarded
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSpecies(w, r)
	if !ok {
		return
	}
	out, err := h.service.Confirm(r.Context(), r.PathValue("id"), req.Species)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) SelectManually(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSpecies(w, r)
	if !ok {
		return
	}
	out, err := h.service.SelectManually(r.Context(), r.PathValue("id"), req.Species)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Candidates(w http.ResponseWriter, r *http.Request) {
	k := h.opts.DefaultTopK
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeMessage(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = parsed
	}

	candidates, err := h.service.TopK(r.Context(), r.PathValue("id"), k)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]predict.Candidate{"candidates": candidates})
}

func (h *Handler) Abandon(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Abandon(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RetrainStatus(w http.ResponseWriter, r *http.Request) {
	if h.retrain == nil {
		writeMessage(w, http.StatusNotFound, "retrain scheduler disabled")
		return
	}

	var (
		a  retrain.Assessment
		at time.Time
	)
	if r.URL.Query().Get("refresh") == "true" {
		var err error
		a, err = h.retrain.RunNow(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		at = time.Now()
	} else {
		a, at = h.retrain.Last()
	}

	resp := map[string]any{"assessment": a}
	if !at.IsZero() {
		resp["checked_at"] = at.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeMessage(w, http.StatusNotFound, "statistics unavailable")
		return
	}
	ctx := r.Context()

	history, err := h.stats.Stats(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	accuracy, err := h.stats.FeedbackBySpecies(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	images, err := h.stats.ImagesBySpecies(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":           history,
		"accuracy":           accuracy,
		"dataset_by_species": images,
	})
}

// decodeSpecies allows an empty body, which targets the latest prediction.
func decodeSpecies(w http.ResponseWriter, r *http.Request) (speciesRequest, bool) {
	var req speciesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	return req, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeMessage(w, code, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrPreprocessing),
		errors.Is(err, identify.ErrEmptySpecies),
		errors.Is(err, identify.ErrUnknownSpecies):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrNotPredicted):
		return http.StatusConflict
	case errors.Is(err, predict.ErrExclusionExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
