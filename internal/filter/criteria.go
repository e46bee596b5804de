// Package filter derives the visible subset of locations from the user's
// filter criteria.
package filter

import (
	"errors"
	"fmt"
	"math"

	"github.com/AndreLimaSa/locals/internal/core/model"
)

var (
	ErrUnknownCategory = errors.New("unknown category")
	ErrInvalidDistance = errors.New("invalid max distance")
)

// Criteria is a value object; copies are independent. An empty Category means
// no category is selected and a nil Origin means no position fix yet.
type Criteria struct {
	Category      string             `json:"category,omitempty"`
	AmenityOnly   bool               `json:"amenity_only"`
	MaxDistanceKm float64            `json:"max_distance_km"`
	Origin        *model.Coordinates `json:"origin,omitempty"`
}

func (c Criteria) clone() Criteria {
	if c.Origin != nil {
		o := *c.Origin
		c.Origin = &o
	}
	return c
}

// Builder turns UI events into Criteria. It enforces single-select categories.
// Not safe for concurrent use; the owning session serializes access.
type Builder struct {
	c Criteria
}

func NewBuilder(maxDistanceKm float64) *Builder {
	if err := checkDistance(maxDistanceKm); err != nil {
		maxDistanceKm = 0
	}
	return &Builder{c: Criteria{MaxDistanceKm: maxDistanceKm}}
}

// SelectCategory makes label the only active category.
func (b *Builder) SelectCategory(label string) error {
	if !model.KnownCategory(label) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, label)
	}
	b.c.Category = label
	return nil
}

// ToggleCategory selects label, or clears the selection when label is
// already the active category.
func (b *Builder) ToggleCategory(label string) error {
	if !model.KnownCategory(label) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, label)
	}
	if b.c.Category == label {
		b.c.Category = ""
		return nil
	}
	b.c.Category = label
	return nil
}

func (b *Builder) ClearCategory() { b.c.Category = "" }

func (b *Builder) SetAmenityOnly(on bool) { b.c.AmenityOnly = on }

func (b *Builder) SetMaxDistanceKm(km float64) error {
	if err := checkDistance(km); err != nil {
		return err
	}
	b.c.MaxDistanceKm = km
	return nil
}

func (b *Builder) SetOrigin(c model.Coordinates) {
	b.c.Origin = &c
}

func (b *Builder) ClearOrigin() { b.c.Origin = nil }

func (b *Builder) Criteria() Criteria { return b.c.clone() }

func checkDistance(km float64) error {
	if math.IsNaN(km) || math.IsInf(km, 0) || km < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDistance, km)
	}
	return nil
}
