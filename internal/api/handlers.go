package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/LeventeLantos/messaging-fleet/internal/campaign"
	"github.com/LeventeLantos/messaging-fleet/internal/client"
	"github.com/LeventeLantos/messaging-fleet/internal/conn"
	"github.com/LeventeLantos/messaging-fleet/internal/model"
	"github.com/LeventeLantos/messaging-fleet/internal/ownership"
	"github.com/LeventeLantos/messaging-fleet/internal/session"
	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

type Campaigns interface {
	Submit(ctx context.Context, userID string, req campaign.SubmitRequest) (string, error)
	Cancel(ctx context.Context, userID string) (*model.Campaign, error)
	Heartbeat(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (model.StatusView, error)
	StatusDetailed(ctx context.Context, userID string) (model.DetailedStatus, error)
	History(ctx context.Context, userID string, limit int) ([]model.Campaign, error)
}

type Connections interface {
	PodID() string
	Ensure(ctx context.Context, userID string) (session.Session, error)
	Close(ctx context.Context, userID string) error
	Owner(ctx context.Context, userID string) (string, bool, error)
}

type Sessions interface {
	ListActive() []conn.Snapshot
	Stats() session.Stats
}

type Challenges interface {
	GetLoginChallenge(ctx context.Context, userID string) (string, bool, error)
}

type Fleet interface {
	Inventory(ctx context.Context) ([]store.PodInventory, error)
}

type EventSink interface {
	Dispatch(ev client.Event) error
}

type Deps struct {
	Campaigns   Campaigns
	Connections Connections
	Sessions    Sessions
	Challenges  Challenges
	Fleet       Fleet
	Events      EventSink
	Logger      *slog.Logger
}

type Handler struct {
	campaigns   Campaigns
	connections Connections
	sessions    Sessions
	challenges  Challenges
	fleet       Fleet
	events      EventSink
	log         *slog.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		campaigns:   d.Campaigns,
		connections: d.Connections,
		sessions:    d.Sessions,
		challenges:  d.Challenges,
		fleet:       d.Fleet,
		events:      d.Events,
		log:         log.With("component", "api"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "podId": h.connections.PodID()})
}

func (h *Handler) SubmitCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	id, err := h.campaigns.Submit(r.Context(), r.PathValue("userID"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaignId": id})
}

func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Cancel(r.Context(), r.PathValue("userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": c})
}

func (h *Handler) CampaignStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.campaigns.Status(r.Context(), r.PathValue("userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) CampaignStatusDetailed(w http.ResponseWriter, r *http.Request) {
	v, err := h.campaigns.StatusDetailed(r.Context(), r.PathValue("userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) CampaignHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)

	items, err := h.campaigns.History(r.Context(), r.PathValue("userID"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []model.Campaign{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Heartbeat(r.Context(), r.PathValue("userID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type connectionView struct {
	conn.Snapshot
	PodID     string `json:"podId"`
	Challenge string `json:"challenge,omitempty"`
}

// Connection claims the user's connection for this pod if nobody else
// holds it and reports its state, including a pending login QR.
func (h *Handler) Connection(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	sess, err := h.connections.Ensure(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	view := connectionView{Snapshot: sess.Snapshot(), PodID: h.connections.PodID()}
	if view.HasChallenge && h.challenges != nil {
		if qr, ok, err := h.challenges.GetLoginChallenge(r.Context(), userID); err == nil && ok {
			view.Challenge = qr
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) RefreshConnection(w http.ResponseWriter, r *http.Request) {
	sess, err := h.connections.Ensure(r.Context(), r.PathValue("userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := sess.RefreshChallenge(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (h *Handler) CloseConnection(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	owner, held, err := h.connections.Owner(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if held && owner != h.connections.PodID() {
		h.fail(w, r, ownership.ErrOwnedElsewhere)
		return
	}

	if err := h.connections.Close(r.Context(), userID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"podId": h.connections.PodID(),
		"stats": h.sessions.Stats(),
		"items": h.sessions.ListActive(),
	})
}

func (h *Handler) FleetInventory(w http.ResponseWriter, r *http.Request) {
	pods, err := h.fleet.Inventory(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pods": pods})
}

func (h *Handler) GatewayEvent(w http.ResponseWriter, r *http.Request) {
	var ev client.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := h.events.Dispatch(ev); err != nil {
		if errors.Is(err, client.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps domain errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *campaign.InvalidRecipientsError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "invalid": invalid.Entries})
	case errors.Is(err, campaign.ErrNoContent), errors.Is(err, campaign.ErrNoRecipients):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrCampaignInProgress),
		errors.Is(err, ownership.ErrOwnedElsewhere),
		errors.Is(err, conn.ErrAlreadyConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrNoActiveCampaign):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conn.ErrNotReady), errors.Is(err, session.ErrProcessBusy):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
