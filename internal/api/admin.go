package api

import (
	"log/slog"
	"net/http"

	"github.com/docflow/docflow/internal/queue"
)

// AdminHandler exposes the operational queue endpoints. All routes are
// behind the shared-secret middleware.
type AdminHandler struct {
	manager *queue.Manager
	logger  *slog.Logger
}

func NewAdminHandler(manager *queue.Manager, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{manager: manager, logger: logger.With("component", "admin")}
}

// QueueStatus returns the full scheduler view including per-batch
// snapshots.
func (h *AdminHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.manager.GetQueueStatus())
}

// QueueMetrics returns the counters without the per-batch snapshots.
func (h *AdminHandler) QueueMetrics(w http.ResponseWriter, r *http.Request) {
	st := h.manager.GetQueueStatus()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"totalEnqueued":                st.TotalEnqueued,
		"totalProcessed":               st.TotalProcessed,
		"totalFailed":                  st.TotalFailed,
		"totalRejected":                st.TotalRejected,
		"averageCompletionTimeSeconds": st.AverageCompletionTimeSeconds,
		"throughputBatchesPerHour":     st.ThroughputBatchesPerHour,
		"averageWaitTimeSeconds":       st.AverageWaitTimeSeconds,
		"utilizationPercent":           st.UtilizationPercent,
	})
}

// ClearCompletedMetrics resets the counters and the completion-time
// window.
func (h *AdminHandler) ClearCompletedMetrics(w http.ResponseWriter, r *http.Request) {
	h.manager.ResetMetrics()
	h.logger.Info("queue metrics cleared")
	sendJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
