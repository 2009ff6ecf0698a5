package api

import (
	"net/http"

	"github.com/LeventeLantos/messaging-fleet/internal/metrics"
)

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/users/{userID}/campaigns", h.SubmitCampaign)
	mux.HandleFunc("POST /v1/users/{userID}/campaigns/cancel", h.CancelCampaign)
	mux.HandleFunc("GET /v1/users/{userID}/campaigns/status", h.CampaignStatus)
	mux.HandleFunc("GET /v1/users/{userID}/campaigns/status/detailed", h.CampaignStatusDetailed)
	mux.HandleFunc("GET /v1/users/{userID}/campaigns/history", h.CampaignHistory)
	mux.HandleFunc("POST /v1/users/{userID}/heartbeat", h.Heartbeat)

	mux.HandleFunc("GET /v1/users/{userID}/connection", h.Connection)
	mux.HandleFunc("POST /v1/users/{userID}/connection/refresh", h.RefreshConnection)
	mux.HandleFunc("DELETE /v1/users/{userID}/connection", h.CloseConnection)

	mux.HandleFunc("GET /v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /v1/fleet", h.FleetInventory)
	mux.HandleFunc("POST /v1/gateway/events", h.GatewayEvent)

	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("messaging-fleet"))
	})

	return mux
}

// InternalRouter serves what a worker-only pod still needs: health, metrics
// and the gateway callbacks for the connections it drives.
func InternalRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	mux.HandleFunc("GET /v1/sessions", h.ListSessions)
	mux.HandleFunc("POST /v1/gateway/events", h.GatewayEvent)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
