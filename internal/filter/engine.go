package filter

import (
	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/geo"
)

// DefaultTitle is shown when no category is selected.
const DefaultTitle = "Locais"

type Result struct {
	Records []model.LocationRecord
	// AwaitingLocation is set when no origin is known, so the distance
	// predicate was skipped rather than evaluated.
	AwaitingLocation bool
	Title            string
}

// Apply keeps the records matching every active predicate, in input order.
// Category, amenity and distance are ANDed; distance is only considered when
// the criteria carry an origin, and the bound is inclusive.
func Apply(records []model.LocationRecord, c Criteria) Result {
	out := make([]model.LocationRecord, 0, len(records))
	for _, r := range records {
		if c.Category != "" && !r.HasCategory(c.Category) {
			continue
		}
		if c.AmenityOnly && !r.HasAmenity(model.AmenityWC) {
			continue
		}
		if c.Origin != nil && geo.DistanceKm(*c.Origin, r.Coordinates) > c.MaxDistanceKm {
			continue
		}
		out = append(out, r)
	}

	title := c.Category
	if title == "" {
		title = DefaultTitle
	}
	return Result{
		Records:          out,
		AwaitingLocation: c.Origin == nil,
		Title:            title,
	}
}
