package handlers

import "net/http"

// StatsResponse is the aggregate platform statistics response.
type StatsResponse struct {
	TotalAgents   int64            `json:"total_agents"`
	TotalMessages int64            `json:"total_messages"`
	Escrows       map[string]int64 `json:"escrows"`
}

// Stats returns aggregate counts for dashboards.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalAgents, err := h.db.CountAgents(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count agents")
		return
	}

	totalMessages, err := h.db.CountMessages(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	escrows, err := h.db.CountEscrowsByStatus(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count escrows")
		return
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalAgents:   totalAgents,
		TotalMessages: totalMessages,
		Escrows:       escrows,
	})
}
