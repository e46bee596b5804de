package api

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/AndreLimaSa/locals/internal/core/model"
)

// wireLocation mirrors the document shape the locations API returns.
type wireLocation struct {
	ID          string   `json:"_id"`
	Src         string   `json:"src"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	TypeIcon    string   `json:"typeicon"`
	Types       []string `json:"types"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	URL         string   `json:"url"`
	Likes       int      `json:"likes"`
	Dislikes    int      `json:"dislikes"`
}

func (w wireLocation) record() model.LocationRecord {
	var cats []string
	for _, c := range model.Categories {
		if strings.Contains(w.TypeIcon, c) {
			cats = append(cats, c)
		}
	}
	amen := make([]string, 0, len(w.Types))
	amen = append(amen, w.Types...)

	return model.LocationRecord{
		ID:           w.ID,
		Coordinates:  model.Coordinates{Lat: w.Latitude, Lon: w.Longitude},
		Title:        w.Title,
		Description:  w.Description,
		ImageRef:     w.Src,
		URL:          w.URL,
		TypeIcon:     w.TypeIcon,
		CategoryTags: cats,
		AmenityTags:  amen,
		Likes:        max(w.Likes, 0),
		Dislikes:     max(w.Dislikes, 0),
	}
}

func decodeLocations(b []byte) ([]model.LocationRecord, error) {
	var ws []wireLocation
	if err := json.Unmarshal(b, &ws); err != nil {
		return nil, fmt.Errorf("decode locations: %w", err)
	}
	out := make([]model.LocationRecord, 0, len(ws))
	for i, w := range ws {
		if strings.TrimSpace(w.ID) == "" {
			return nil, fmt.Errorf("decode locations: record %d has no _id", i)
		}
		out = append(out, w.record())
	}
	return out, nil
}
