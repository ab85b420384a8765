package models

import "time"

// ListingDocument is a stored social action as read back from the
// social_actions collection. Any field except ID may be absent.
type ListingDocument struct {
	ID          string
	Title       *string
	Description *string
	Location    *string
	OwnerID     *string
	Categories  map[string]any
	IconIndex   *int
	CreatedAt   time.Time
}

// Listing is the display record projected from a ListingDocument.
type Listing struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Location      string            `json:"location"`
	Description   string            `json:"description"`
	OwnerID       string            `json:"owner_id,omitempty"`
	Categories    CategorySelection `json:"categories"`
	CategoryLabel string            `json:"type"`
	IconIndex     *int              `json:"icon_index,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type CreateListingParams struct {
	Title       string
	Description string
	Location    string
	Categories  CategorySelection
}
