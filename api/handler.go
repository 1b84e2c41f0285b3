package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/emberward/residentd/custody"
	"github.com/emberward/residentd/envelope"
	"github.com/emberward/residentd/interfaces"
	"github.com/emberward/residentd/seal"
	"github.com/emberward/residentd/store"
)

// Handler processes the admin and resident-intake HTTP requests.
type Handler struct {
	log      *slog.Logger
	seal     *seal.Manager
	custody  *custody.Coordinator
	store    *store.Store
	envelope *envelope.Service
}

// NewHandler creates the API handler.
func NewHandler(sealMgr *seal.Manager, coord *custody.Coordinator, st *store.Store, env *envelope.Service, log *slog.Logger) *Handler {
	return &Handler{
		log:      log,
		seal:     sealMgr,
		custody:  coord,
		store:    st,
		envelope: env,
	}
}

// RegisterRoutes configures the router.
//
// Admin endpoints:
//   - GET  /admin/seal/status
//   - POST /admin/seal/unseal-key
//   - POST /admin/seal/unseal-shares
//   - POST /admin/seal/reseal
//   - POST /admin/ceremony/init
//   - POST /admin/ceremony/reshare
//   - POST /admin/ceremony/recover
//   - GET  /admin/guardians
//   - POST /admin/guardians/{id}/verify
//
// Resident endpoints:
//   - POST /api/residents
//   - GET  /api/residents/{id}
//   - POST /api/residents/{id}/inbox
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/seal/status", h.handleSealStatus)
	r.Post("/admin/seal/unseal-key", h.handleUnsealKey)
	r.Post("/admin/seal/unseal-shares", h.handleUnsealShares)
	r.Post("/admin/seal/reseal", h.handleReseal)
	r.Post("/admin/ceremony/init", h.handleCeremonyInit)
	r.Post("/admin/ceremony/reshare", h.handleCeremonyReshare)
	r.Post("/admin/ceremony/recover", h.handleCeremonyRecover)
	r.Get("/admin/guardians", h.handleListGuardians)
	r.Post("/admin/guardians/{id}/verify", h.handleVerifyGuardian)

	r.Post("/api/residents", h.handleCreateResident)
	r.Get("/api/residents/{id}", h.handleGetResident)
	r.Post("/api/residents/{id}/inbox", h.handleInboxMessage)
}

func (h *Handler) handleSealStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"sealed": h.seal.IsSealed(),
	}
	if since := h.seal.UnsealedSince(); !since.IsZero() {
		resp["unsealed_since"] = since.UTC().Format(time.RFC3339)
	}

	if split, err := h.store.LatestCompletedSplit(r.Context()); err == nil && split != nil {
		resp["threshold"] = split.Threshold
		resp["total_shares"] = split.TotalShares
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUnsealKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"` // base64
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		http.Error(w, "invalid key encoding", http.StatusBadRequest)
		return
	}

	// UnsealFromKey wipes raw on every path.
	if err := h.seal.UnsealFromKey(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sealed": false})
}

func (h *Handler) handleUnsealShares(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shares []string `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// The coordinator validates the shares against the active guardian
	// cohort before reconstructing; retired shares are rejected.
	if err := h.custody.UnsealFromShares(r.Context(), req.Shares); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sealed": false})
}

func (h *Handler) handleReseal(w http.ResponseWriter, r *http.Request) {
	h.seal.Reseal()
	writeJSON(w, http.StatusOK, map[string]any{"sealed": true})
}

type guardianSpecReq struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func specsFromReq(in []guardianSpecReq) []interfaces.GuardianSpec {
	out := make([]interfaces.GuardianSpec, len(in))
	for i, g := range in {
		out[i] = interfaces.GuardianSpec{Name: g.Name, Email: g.Email}
	}
	return out
}

type issuedShareResp struct {
	GuardianID   string `json:"guardian_id"`
	GuardianName string `json:"guardian_name"`
	ShareIndex   int    `json:"share_index"`
	Share        string `json:"share"`
}

func issuedToResp(issued []custody.IssuedShare) []issuedShareResp {
	out := make([]issuedShareResp, len(issued))
	for i, s := range issued {
		out[i] = issuedShareResp{
			GuardianID:   s.GuardianID,
			GuardianName: s.GuardianName,
			ShareIndex:   s.ShareIndex,
			Share:        s.Share,
		}
	}
	return out
}

func (h *Handler) handleCeremonyInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Initiator string            `json:"initiator"`
		Threshold int               `json:"threshold"`
		Guardians []guardianSpecReq `json:"guardians"`
		Unseal    bool              `json:"unseal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ceremony, issued, err := h.custody.InitialSplit(r.Context(), req.Initiator, req.Threshold, specsFromReq(req.Guardians), req.Unseal)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// The shares below appear exactly once; they are not retrievable again.
	writeJSON(w, http.StatusOK, map[string]any{
		"ceremony_id":  ceremony.ID,
		"threshold":    ceremony.Threshold,
		"total_shares": ceremony.TotalShares,
		"shares":       issuedToResp(issued),
	})
}

func (h *Handler) handleCeremonyReshare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Initiator string            `json:"initiator"`
		Shares    []string          `json:"shares"`
		Threshold int               `json:"threshold"`
		Guardians []guardianSpecReq `json:"guardians"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ceremony, issued, err := h.custody.Reshare(r.Context(), req.Initiator, req.Shares, req.Threshold, specsFromReq(req.Guardians))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ceremony_id":  ceremony.ID,
		"threshold":    ceremony.Threshold,
		"total_shares": ceremony.TotalShares,
		"shares":       issuedToResp(issued),
	})
}

func (h *Handler) handleCeremonyRecover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Initiator string   `json:"initiator"`
		Shares    []string `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ceremony, err := h.custody.RecoverAndUnseal(r.Context(), req.Initiator, req.Shares)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ceremony_id": ceremony.ID,
		"sealed":      h.seal.IsSealed(),
	})
}

func (h *Handler) handleListGuardians(w http.ResponseWriter, r *http.Request) {
	includeRevoked := r.URL.Query().Get("include_revoked") == "true"
	guardians, err := h.store.ListGuardians(r.Context(), includeRevoked)
	if err != nil {
		h.serverError(w, "failed to list guardians", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"guardians": guardians})
}

func (h *Handler) handleVerifyGuardian(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Share string `json:"share"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.custody.VerifyGuardianShare(r.Context(), chi.URLParam(r, "id"), req.Share); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (h *Handler) handleCreateResident(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerRef     string `json:"owner_ref"`
		DisplayName  string `json:"display_name"`
		Instructions string `json:"instructions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := interfaces.NewResidentID()
	now := time.Now().UTC()

	// The initial state is encrypted at intake; intake requires an unsealed
	// system just like a run does.
	state := &interfaces.ResidentState{
		ID:           id,
		Identity:     interfaces.ResidentIdentity{DisplayName: req.DisplayName, Visible: true},
		Instructions: req.Instructions,
		Memory:       map[string]string{},
		Status:       interfaces.ResidentActive,
		OwnerRef:     req.OwnerRef,
		CreatedAt:    now,
	}
	if err := h.envelope.Store(r.Context(), state); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.store.CreateResident(r.Context(), id, req.OwnerRef, now); err != nil {
		h.serverError(w, "failed to create resident record", err)
		return
	}

	h.log.Info("Resident created", slog.String("resident", id.String()))
	writeJSON(w, http.StatusCreated, map[string]any{"id": id.String()})
}

func (h *Handler) handleGetResident(w http.ResponseWriter, r *http.Request) {
	id := interfaces.ResidentID(chi.URLParam(r, "id"))
	if err := id.Validate(); err != nil {
		http.Error(w, "invalid resident id", http.StatusBadRequest)
		return
	}

	row, err := h.store.GetResident(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := map[string]any{
		"id":         row.ID.String(),
		"status":     string(row.Status),
		"total_runs": row.TotalRuns,
		"created_at": row.CreatedAt.UTC().Format(time.RFC3339),
	}
	if row.Status == interfaces.ResidentMemorial {
		resp["final_words"] = row.FinalWords
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInboxMessage(w http.ResponseWriter, r *http.Request) {
	id := interfaces.ResidentID(chi.URLParam(r, "id"))
	if err := id.Validate(); err != nil {
		http.Error(w, "invalid resident id", http.StatusBadRequest)
		return
	}

	var req struct {
		SenderRef string `json:"sender_ref"`
		Body      string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetResident(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.store.AddInboxMessage(r.Context(), id, req.SenderRef, req.Body); err != nil {
		h.serverError(w, "failed to queue inbox message", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

// writeError maps domain sentinel errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrCeremonyConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, interfaces.ErrInvalidShare),
		errors.Is(err, interfaces.ErrInsufficientShares):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, interfaces.ErrGuardianNotFound),
		errors.Is(err, interfaces.ErrResidentNotFound),
		errors.Is(err, interfaces.ErrBlobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, interfaces.ErrKeyUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.serverError(w, "request failed", err)
	}
}

func (h *Handler) serverError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "err", err)
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
