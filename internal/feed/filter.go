package feed

import (
	"strings"

	"github.com/nicedonate/nicedonate/internal/models"
)

// ApplyFilter narrows listings to those whose category label mentions at
// least one selected category. An empty selection returns all unchanged.
func ApplyFilter(all []models.Listing, sel models.CategorySelection) []models.Listing {
	if !sel.Any() {
		return all
	}
	selected := sel.Selected()

	out := make([]models.Listing, 0, len(all))
	for _, listing := range all {
		label := strings.ToLower(listing.CategoryLabel)
		for _, c := range selected {
			if strings.Contains(label, string(c)) {
				out = append(out, listing)
				break
			}
		}
	}
	return out
}

// CanDelete reports whether identity owns the listing. Both must be non-empty.
func CanDelete(listing models.Listing, identity string) bool {
	return listing.OwnerID != "" && identity != "" && listing.OwnerID == identity
}
