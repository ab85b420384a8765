package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/nicedonate/nicedonate/internal/feed"
	"github.com/nicedonate/nicedonate/internal/logging"
	"github.com/nicedonate/nicedonate/internal/models"
	"github.com/nicedonate/nicedonate/internal/services"
)

type ListingHandler struct {
	listingService services.ListingServiceInterface
}

func NewListingHandler(listingService services.ListingServiceInterface) *ListingHandler {
	return &ListingHandler{listingService: listingService}
}

// ListingResponse is a projected listing annotated for the requesting viewer.
type ListingResponse struct {
	models.Listing
	CanDelete bool `json:"can_delete"`
}

type ListingListResponse struct {
	Listings  []ListingResponse        `json:"listings"`
	Total     int                      `json:"total"`
	Selection models.CategorySelection `json:"selection"`
}

type CategoryListResponse struct {
	Categories []models.Category `json:"categories"`
}

func (h *ListingHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	params, err := services.ParseCreateListing(body)
	if err != nil {
		if services.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	doc, err := h.listingService.Create(r.Context(), user.ID, params)
	if err != nil {
		logging.Error("Error creating listing", map[string]interface{}{
			"user_id": user.ID.String(),
			"error":   err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, annotate(feed.Project(*doc), viewerIdentity(r)))
}

func (h *ListingHandler) List(w http.ResponseWriter, r *http.Request) {
	sel, err := models.ParseCategoryList(r.URL.Query().Get("categories"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	docs, err := h.listingService.Snapshot(r.Context())
	if err != nil {
		logging.Error("Error listing social actions", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	all := feed.ProjectAll(docs)
	filtered := feed.ApplyFilter(all, sel)
	identity := viewerIdentity(r)

	resp := ListingListResponse{
		Listings:  make([]ListingResponse, len(filtered)),
		Total:     len(all),
		Selection: sel,
	}
	for i, listing := range filtered {
		resp.Listings[i] = annotate(listing, identity)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ListingHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.listingService.GetByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, services.ErrListingNotFound) {
		writeError(w, http.StatusNotFound, "Listing not found")
		return
	}
	if err != nil {
		logging.Error("Error getting listing", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, annotate(feed.Project(*doc), viewerIdentity(r)))
}

func (h *ListingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	err := h.listingService.Delete(r.Context(), r.PathValue("id"), user.ID)
	switch {
	case errors.Is(err, services.ErrListingNotFound):
		writeError(w, http.StatusNotFound, "Listing not found")
	case errors.Is(err, services.ErrNotListingOwner):
		writeError(w, http.StatusForbidden, "Only the owner can delete this listing")
	case err != nil:
		logging.Error("Error deleting listing", map[string]interface{}{
			"user_id": user.ID.String(),
			"error":   err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "Internal server error")
	default:
		writeJSON(w, http.StatusOK, MessageResponse{Message: "Listing deleted"})
	}
}

func (h *ListingHandler) Categories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CategoryListResponse{Categories: models.Categories[:]})
}

func annotate(listing models.Listing, identity string) ListingResponse {
	return ListingResponse{Listing: listing, CanDelete: feed.CanDelete(listing, identity)}
}

// viewerIdentity is the signed-in user id, or "" for anonymous viewers.
func viewerIdentity(r *http.Request) string {
	if user := GetUserFromContext(r.Context()); user != nil {
		return user.ID.String()
	}
	return ""
}
