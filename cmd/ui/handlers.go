package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"webull-pnl-monitor-go/internal/matcher"
	"webull-pnl-monitor-go/internal/metrics"
	"webull-pnl-monitor-go/internal/models"
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log *zap.Logger
	db  *gorm.DB
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db}
}

// TradesHandler returns the persisted closed trades, newest exit first.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	var trades []models.ClosedTrade
	if err := h.db.Order("exit_time desc").Find(&trades).Error; err != nil {
		h.log.Error("Failed to get closed trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// ExecutionsHandler returns the persisted execution ledger, oldest
// first, the order they would replay in.
func (h *APIHandler) ExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	var execs []models.Execution
	if err := h.db.Order("timestamp asc, id asc").Find(&execs).Error; err != nil {
		h.log.Error("Failed to get executions from database", zap.Error(err))
		http.Error(w, "Failed to get executions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(execs)
}

// MetricsHandler recomputes the metrics snapshot from the persisted
// closed trades. The persisted rows are a cache of the matcher output,
// so this equals the monitor's own latest snapshot.
func (h *APIHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	var records []models.ClosedTrade
	if err := h.db.Order("exit_time asc").Find(&records).Error; err != nil {
		h.log.Error("Failed to get closed trades for metrics", zap.Error(err))
		http.Error(w, "Failed to calculate metrics", http.StatusInternalServerError)
		return
	}

	closed := make([]matcher.ClosedTrade, len(records))
	for i, rec := range records {
		closed[i] = rec.ToClosedTrade()
	}
	snapshot := metrics.Compute(closed)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
