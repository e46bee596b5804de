// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"strings"
)

// category labels offered by the filter panel
const (
	CategoryCultura  = "Cultura"
	CategoryNatureza = "Natureza"
	CategoryPraia    = "Praia"
	CategoryTrilho   = "Trilho"
	CategoryMerendas = "Merendas"
)

// AmenityWC is the only amenity the toggle filters on.
const AmenityWC = "WC"

var Categories = []string{
	CategoryCultura,
	CategoryNatureza,
	CategoryPraia,
	CategoryTrilho,
	CategoryMerendas,
}

// KnownCategory reports whether label is one of Categories (case-sensitive).
func KnownCategory(label string) bool {
	for _, c := range Categories {
		if c == label {
			return true
		}
	}
	return false
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// LocationRecord is one point of interest as served by the locations API.
// Likes and Dislikes are server-authoritative.
type LocationRecord struct {
	ID           string      `json:"id"`
	Coordinates  Coordinates `json:"coordinates"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	ImageRef     string      `json:"image_ref"`
	URL          string      `json:"url,omitempty"`
	TypeIcon     string      `json:"type_icon,omitempty"`
	CategoryTags []string    `json:"category_tags"`
	AmenityTags  []string    `json:"amenity_tags"`
	Likes        int         `json:"likes"`
	Dislikes     int         `json:"dislikes"`
}

// HasCategory matches against the category tags, falling back to a substring
// match on the raw type icon the way the locations API encodes it.
func (r LocationRecord) HasCategory(label string) bool {
	if label == "" {
		return false
	}
	for _, t := range r.CategoryTags {
		if t == label {
			return true
		}
	}
	return strings.Contains(r.TypeIcon, label)
}

func (r LocationRecord) HasAmenity(label string) bool {
	for _, t := range r.AmenityTags {
		if t == label {
			return true
		}
	}
	return false
}

// VoteRatio returns like and dislike shares in percent; both 0 with no votes.
func (r LocationRecord) VoteRatio() (likePct, dislikePct float64) {
	total := r.Likes + r.Dislikes
	if total <= 0 {
		return 0, 0
	}
	return float64(r.Likes) / float64(total) * 100, float64(r.Dislikes) / float64(total) * 100
}

type Direction int

const (
	Like Direction = iota
	Dislike
)

func (d Direction) String() string {
	switch d {
	case Like:
		return "like"
	case Dislike:
		return "dislike"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "like":
		return Like, nil
	case "dislike":
		return Dislike, nil
	default:
		return 0, fmt.Errorf("invalid direction %q (want like|dislike)", s)
	}
}

// Fix is a resolved position with its accuracy radius in metres.
type Fix struct {
	Coordinates Coordinates `json:"coordinates"`
	AccuracyM   float64     `json:"accuracy_m"`
}
