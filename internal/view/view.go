// Package view projects the filtered locations into a marker layer and a
// card grid, and keeps an id registry so vote results patch a single card.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	h3 "github.com/uber/h3-go/v4"

	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/core/observability"
	"github.com/AndreLimaSa/locals/internal/filter"
)

// ErrViewNodeMissing means the id is not in the current render. Callers
// treat it as a no-op.
var ErrViewNodeMissing = errors.New("view node missing")

type Status string

const (
	StatusOK               Status = "ok"
	StatusEmpty            Status = "empty"
	StatusAwaitingLocation Status = "awaiting_location"
)

const (
	noticeEmpty    = "No locations match the current filters."
	noticeAwaiting = "Waiting for your location. The distance filter is off."
)

type Card struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	ImageRef    string            `json:"image_ref"`
	URL         string            `json:"url,omitempty"`
	Coordinates model.Coordinates `json:"coordinates"`
	Likes       int               `json:"likes"`
	Dislikes    int               `json:"dislikes"`
	// bar widths in percent of total votes
	LikeWidth    float64 `json:"like_width"`
	DislikeWidth float64 `json:"dislike_width"`
}

type Cluster struct {
	Cell   string            `json:"cell"`
	Center model.Coordinates `json:"center"`
	Count  int               `json:"count"`
	IDs    []string          `json:"ids"`
}

type Bounds struct {
	Min model.Coordinates `json:"min"`
	Max model.Coordinates `json:"max"`
}

type Position struct {
	Coordinates model.Coordinates `json:"coordinates"`
	AccuracyM   float64           `json:"accuracy_m"`
	// RadiusM is the radius of the drawn accuracy circle.
	RadiusM float64 `json:"radius_m"`
	Popup   string  `json:"popup"`
}

// Snapshot is a copy of the rendered state. AwaitingLocation is set whenever
// the distance filter was skipped, whatever the status.
type Snapshot struct {
	Status           Status    `json:"status"`
	AwaitingLocation bool      `json:"awaiting_location"`
	Title            string    `json:"title"`
	Notice           string    `json:"notice,omitempty"`
	Cards            []Card    `json:"cards"`
	Clusters         []Cluster `json:"clusters"`
	Bounds           *Bounds   `json:"bounds,omitempty"`
	Position         *Position `json:"position,omitempty"`
}

type Projector struct {
	logger *slog.Logger
	res    int

	mu       sync.RWMutex
	order    []string
	cards    map[string]*Card
	markers  *geojson.FeatureCollection
	clusters []Cluster
	bounds   *Bounds
	position *Position
	status   Status
	awaiting bool
	title    string
	notice   string
	handler  ActionHandler
}

// NewProjector clusters markers into H3 cells at clusterRes.
func NewProjector(logger *slog.Logger, clusterRes int) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Projector{
		logger: logger.With("component", "view"),
		res:    clusterRes,
	}
	p.resetLocked()
	return p
}

func (p *Projector) resetLocked() {
	p.order = nil
	p.cards = make(map[string]*Card)
	p.markers = geojson.NewFeatureCollection()
	p.clusters = nil
	p.bounds = nil
	p.status = StatusEmpty
	p.awaiting = false
	p.title = filter.DefaultTitle
	p.notice = ""
}

// RenderFull replaces the marker layer and card grid with res and refits
// bounds to the new markers. Rendering the same result twice yields the same
// state.
func (p *Projector) RenderFull(ctx context.Context, res filter.Result) {
	cards := make(map[string]*Card, len(res.Records))
	order := make([]string, 0, len(res.Records))
	fc := geojson.NewFeatureCollection()
	points := make(orb.MultiPoint, 0, len(res.Records))
	var clusters []Cluster
	clusterIdx := make(map[h3.Cell]int)

	for _, r := range res.Records {
		if _, dup := cards[r.ID]; dup {
			p.logger.DebugContext(ctx, "duplicate record id in render", "id", r.ID)
			continue
		}
		c := cardFor(r)
		cards[r.ID] = &c
		order = append(order, r.ID)

		pt := orb.Point{r.Coordinates.Lon, r.Coordinates.Lat}
		points = append(points, pt)
		f := geojson.NewFeature(pt)
		f.ID = r.ID
		f.Properties["title"] = r.Title
		f.Properties["image_ref"] = r.ImageRef

		cell, err := h3.LatLngToCell(h3.NewLatLng(r.Coordinates.Lat, r.Coordinates.Lon), p.res)
		if err != nil {
			p.logger.DebugContext(ctx, "marker not clustered", "id", r.ID, "err", err)
		} else {
			f.Properties["cell"] = cell.String()
			i, ok := clusterIdx[cell]
			if !ok {
				i = len(clusters)
				clusterIdx[cell] = i
				clusters = append(clusters, Cluster{Cell: cell.String(), Center: cellCenter(cell, r.Coordinates)})
			}
			clusters[i].Count++
			clusters[i].IDs = append(clusters[i].IDs, r.ID)
		}
		fc.Append(f)
	}

	var bounds *Bounds
	if len(points) > 0 {
		b := points.Bound()
		bounds = &Bounds{
			Min: model.Coordinates{Lat: b.Min.Lat(), Lon: b.Min.Lon()},
			Max: model.Coordinates{Lat: b.Max.Lat(), Lon: b.Max.Lon()},
		}
	}

	status := StatusOK
	notice := ""
	switch {
	case len(order) == 0:
		status = StatusEmpty
		notice = noticeEmpty
	case res.AwaitingLocation:
		status = StatusAwaitingLocation
		notice = noticeAwaiting
	}

	p.mu.Lock()
	p.order = order
	p.cards = cards
	p.markers = fc
	p.clusters = clusters
	p.bounds = bounds
	p.status = status
	p.awaiting = res.AwaitingLocation
	p.title = res.Title
	p.notice = notice
	p.mu.Unlock()

	observability.ObserveRender(string(status), len(order))
}

// PatchVotes updates the vote labels and bars of the card for rec.ID and
// nothing else.
func (p *Projector) PatchVotes(ctx context.Context, rec model.LocationRecord) error {
	p.mu.Lock()
	c, ok := p.cards[rec.ID]
	if ok {
		c.Likes, c.Dislikes = rec.Likes, rec.Dislikes
		c.LikeWidth, c.DislikeWidth = rec.VoteRatio()
	}
	p.mu.Unlock()

	if !ok {
		observability.IncViewNodeMissing()
		p.logger.DebugContext(ctx, "vote patch skipped", "id", rec.ID, "err", ErrViewNodeMissing)
		return fmt.Errorf("%w: %s", ErrViewNodeMissing, rec.ID)
	}
	return nil
}

// RenderPosition draws the user's position with an accuracy circle of half
// the reported accuracy.
func (p *Projector) RenderPosition(fix model.Fix) {
	radius := fix.AccuracyM / 2
	pos := &Position{
		Coordinates: fix.Coordinates,
		AccuracyM:   fix.AccuracyM,
		RadiusM:     radius,
		Popup:       "You are within " + strconv.FormatFloat(radius, 'f', -1, 64) + " meters",
	}
	p.mu.Lock()
	p.position = pos
	p.mu.Unlock()
}

// SetNotice replaces the user-visible notice until the next render.
func (p *Projector) SetNotice(msg string) {
	p.mu.Lock()
	p.notice = msg
	p.mu.Unlock()
}

func (p *Projector) Rendered(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.cards[id]
	return ok
}

func (p *Projector) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{
		Status:           p.status,
		AwaitingLocation: p.awaiting,
		Title:            p.title,
		Notice:           p.notice,
		Cards:            make([]Card, 0, len(p.order)),
	}
	for _, id := range p.order {
		s.Cards = append(s.Cards, *p.cards[id])
	}
	s.Clusters = make([]Cluster, 0, len(p.clusters))
	for _, c := range p.clusters {
		c.IDs = append([]string(nil), c.IDs...)
		s.Clusters = append(s.Clusters, c)
	}
	if p.bounds != nil {
		b := *p.bounds
		s.Bounds = &b
	}
	if p.position != nil {
		pos := *p.position
		s.Position = &pos
	}
	return s
}

// Markers encodes the marker layer as a GeoJSON FeatureCollection.
func (p *Projector) Markers() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, err := p.markers.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode markers: %w", err)
	}
	return b, nil
}

// Reset drops all rendered state, including the position and bound handler.
func (p *Projector) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.position = nil
	p.handler = nil
}

func cardFor(r model.LocationRecord) Card {
	lw, dw := r.VoteRatio()
	return Card{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		ImageRef:     r.ImageRef,
		URL:          r.URL,
		Coordinates:  r.Coordinates,
		Likes:        r.Likes,
		Dislikes:     r.Dislikes,
		LikeWidth:    lw,
		DislikeWidth: dw,
	}
}

func cellCenter(c h3.Cell, fallback model.Coordinates) model.Coordinates {
	ll, err := c.LatLng()
	if err != nil {
		return fallback
	}
	return model.Coordinates{Lat: ll.Lat, Lon: ll.Lng}
}
