package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/signalix/stepup/internal/middleware"
)

// sessionResponse is one entry of GET /sessions/me
type sessionResponse struct {
	ID           string    `json:"id"`
	SignedInAt   time.Time `json:"signedInAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Current      bool      `json:"current"`
}

// HandleListSessions handles GET /sessions/me
func (h *AuthHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sc := middleware.GetSessionContext(r.Context())
	sessions, err := h.authService.ListSessions(r.Context(), sc)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:           s.ID,
			SignedInAt:   s.SignedInAt,
			LastActiveAt: s.LastActiveAt,
			Current:      sc.Session != nil && s.ID == sc.Session.ID,
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

// HandleDeleteSession handles DELETE /sessions/me/{id}. Deleting the current
// session logs the caller out.
func (h *AuthHandler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sc := middleware.GetSessionContext(r.Context())
	current, err := h.authService.DestroySession(r.Context(), sc, chi.URLParam(r, "id"))
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	if current {
		h.cookies.ClearSession(w)
		h.cookies.ClearToken(w)
	}
	w.WriteHeader(http.StatusNoContent)
}
