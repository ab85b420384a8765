package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/nicedonate/nicedonate/internal/logging"
	"github.com/nicedonate/nicedonate/internal/models"
	"github.com/nicedonate/nicedonate/internal/services"
)

type ProfileHandler struct {
	profileService services.ProfileServiceInterface
	render         func(index int) ([]byte, error)

	mu    sync.Mutex
	icons map[int][]byte
}

func NewProfileHandler(profileService services.ProfileServiceInterface) *ProfileHandler {
	return &ProfileHandler{
		profileService: profileService,
		render:         services.RenderProfileIcon,
		icons:          map[int][]byte{},
	}
}

type UpdateIconRequest struct {
	IconIndex *int `json:"icon_index"`
}

func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	profile, err := h.profileService.Get(r.Context(), user)
	if err != nil {
		logging.Error("Error loading profile", map[string]interface{}{
			"user_id": user.ID.String(),
			"error":   err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *ProfileHandler) UpdateIcon(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req UpdateIconRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IconIndex == nil {
		writeError(w, http.StatusBadRequest, "icon_index is required")
		return
	}

	err := h.profileService.UpdateIcon(r.Context(), user.ID, *req.IconIndex)
	if errors.Is(err, services.ErrInvalidIconIndex) {
		writeError(w, http.StatusBadRequest, "Invalid icon index")
		return
	}
	if err != nil {
		logging.Error("Error updating profile icon", map[string]interface{}{
			"user_id": user.ID.String(),
			"error":   err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	profile, err := h.profileService.Get(r.Context(), user)
	if err != nil {
		writeJSON(w, http.StatusOK, MessageResponse{Message: "Icon updated"})
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Icon serves the avatar PNG for an icon index. Renders are cached for the
// life of the process.
func (h *ProfileHandler) Icon(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || !models.IsValidIconIndex(index) {
		http.NotFound(w, r)
		return
	}

	data, err := h.icon(index)
	if err != nil {
		logging.Error("Error rendering profile icon", map[string]interface{}{
			"index": index,
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *ProfileHandler) icon(index int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if data, ok := h.icons[index]; ok {
		return data, nil
	}
	data, err := h.render(index)
	if err != nil {
		return nil, err
	}
	h.icons[index] = data
	return data, nil
}
