package query

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Handler exposes Service over HTTP.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler creates a handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, log: logger.With("component", "query")}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /transactions/{id}/status", h.handleStatus)
	mux.HandleFunc("GET /transactions", h.handleList)
	mux.HandleFunc("GET /wallets/{address}/balance", h.handleBalance)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.TransactionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Transactions(r.Context(), r.URL.Query().Get("address"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Balance(r.PathValue("address"), r.URL.Query().Get("currency"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	default:
		h.log.Error("Query failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
