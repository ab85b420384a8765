// Package feed holds the live donation feed: projecting stored listing
// documents, filtering them by category and the per-viewer view state.
package feed

import (
	"strings"

	"github.com/nicedonate/nicedonate/internal/models"
)

const (
	AnonymousTitle      = "Anônimo"
	LocationPlaceholder = "Local não informado"
)

// Snapshot is a full resync of the listings collection. Consumers replace
// their whole listing set with it; it is never a delta.
type Snapshot struct {
	Documents []models.ListingDocument
}

// Project maps a stored document to its display record.
func Project(doc models.ListingDocument) models.Listing {
	listing := models.Listing{
		ID:        doc.ID,
		Name:      textOr(doc.Title, AnonymousTitle),
		Location:  textOr(doc.Location, LocationPlaceholder),
		IconIndex: doc.IconIndex,
		CreatedAt: doc.CreatedAt,
	}
	if doc.Description != nil {
		listing.Description = *doc.Description
	}
	if doc.OwnerID != nil {
		listing.OwnerID = strings.TrimSpace(*doc.OwnerID)
	}

	var sel models.CategorySelection
	for _, c := range models.Categories {
		// Only a literal boolean true counts; anything else is ignored.
		if flag, ok := doc.Categories[string(c)].(bool); ok && flag {
			sel = sel.With(c, true)
		}
	}
	listing.Categories = sel
	listing.CategoryLabel = sel.Label()

	return listing
}

// ProjectAll projects every document of a snapshot, keeping its order.
func ProjectAll(docs []models.ListingDocument) []models.Listing {
	out := make([]models.Listing, len(docs))
	for i, doc := range docs {
		out[i] = Project(doc)
	}
	return out
}

func textOr(value *string, fallback string) string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return fallback
	}
	return *value
}
