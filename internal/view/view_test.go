package view

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"

	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/filter"
)

func sample() filter.Result {
	return filter.Result{
		Title: filter.DefaultTitle,
		Records: []model.LocationRecord{
			{ID: "1", Title: "Cabo", Description: "cliffs", ImageRef: "cabo.jpg", Coordinates: model.Coordinates{Lat: 38.78, Lon: -9.50}, Likes: 3, Dislikes: 1},
			{ID: "2", Title: "Serra", Coordinates: model.Coordinates{Lat: 40.32, Lon: -7.61}},
			{ID: "3", Title: "Cabo 2", Coordinates: model.Coordinates{Lat: 38.78001, Lon: -9.50001}},
		},
	}
}

func TestRenderFull_Idempotent(t *testing.T) {
	p := NewProjector(nil, 7)
	ctx := context.Background()

	p.RenderFull(ctx, sample())
	first := p.Snapshot()
	m1, _ := p.Markers()
	p.RenderFull(ctx, sample())
	second := p.Snapshot()
	m2, _ := p.Markers()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("render not idempotent:\n%+v\n%+v", first, second)
	}
	if string(m1) != string(m2) {
		t.Fatal("marker layer differs between renders")
	}
	if len(second.Cards) != 3 {
		t.Fatalf("cards=%d want 3", len(second.Cards))
	}
}

func TestRenderFull_BarsBoundsAndClusters(t *testing.T) {
	p := NewProjector(nil, 7)
	p.RenderFull(context.Background(), sample())
	s := p.Snapshot()

	if s.Status != StatusOK || s.Title != "Locais" {
		t.Fatalf("status=%q title=%q", s.Status, s.Title)
	}
	if c := s.Cards[0]; c.LikeWidth != 75 || c.DislikeWidth != 25 {
		t.Fatalf("bars=%v/%v want 75/25", c.LikeWidth, c.DislikeWidth)
	}
	if c := s.Cards[1]; c.LikeWidth != 0 || c.DislikeWidth != 0 {
		t.Fatalf("no votes should give 0/0, got %v/%v", c.LikeWidth, c.DislikeWidth)
	}

	if s.Bounds == nil {
		t.Fatal("expected bounds")
	}
	if s.Bounds.Min.Lat != 38.78 || s.Bounds.Max.Lat != 40.32 || s.Bounds.Min.Lon != -9.50001 || s.Bounds.Max.Lon != -7.61 {
		t.Fatalf("bounds=%+v", *s.Bounds)
	}

	if len(s.Clusters) != 2 {
		t.Fatalf("clusters=%d want 2: %+v", len(s.Clusters), s.Clusters)
	}
	if s.Clusters[0].Count != 2 || !reflect.DeepEqual(s.Clusters[0].IDs, []string{"1", "3"}) {
		t.Fatalf("first cluster=%+v", s.Clusters[0])
	}
}

func TestRenderFull_Status(t *testing.T) {
	p := NewProjector(nil, 7)
	ctx := context.Background()

	p.RenderFull(ctx, filter.Result{Title: "Praia"})
	s := p.Snapshot()
	if s.Status != StatusEmpty || s.Notice == "" || s.Bounds != nil {
		t.Fatalf("empty render: %+v", s)
	}

	res := sample()
	res.AwaitingLocation = true
	p.RenderFull(ctx, res)
	s = p.Snapshot()
	if s.Status != StatusAwaitingLocation || !s.AwaitingLocation || len(s.Cards) != 3 {
		t.Fatalf("awaiting render: status=%q cards=%d", s.Status, len(s.Cards))
	}

	// no matches wins over the missing origin; the flag still says why
	p.RenderFull(ctx, filter.Result{Title: "Trilho", AwaitingLocation: true})
	s = p.Snapshot()
	if s.Status != StatusEmpty || s.Notice != noticeEmpty || !s.AwaitingLocation || len(s.Cards) != 0 {
		t.Fatalf("empty while awaiting: %+v", s)
	}
}

func TestPatchVotes_TouchesOnlyCounts(t *testing.T) {
	p := NewProjector(nil, 7)
	ctx := context.Background()
	p.RenderFull(ctx, sample())
	before := p.Snapshot()

	err := p.PatchVotes(ctx, model.LocationRecord{ID: "1", Title: "ignored", Likes: 4, Dislikes: 1})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	after := p.Snapshot()

	c := after.Cards[0]
	if c.Likes != 4 || c.Dislikes != 1 || c.LikeWidth != 80 || c.DislikeWidth != 20 {
		t.Fatalf("patched card=%+v", c)
	}
	if c.Title != "Cabo" || c.Description != "cliffs" || c.ImageRef != "cabo.jpg" {
		t.Fatalf("patch touched display fields: %+v", c)
	}

	before.Cards[0] = c
	if !reflect.DeepEqual(before, after) {
		t.Fatal("patch changed more than one card")
	}
}

func TestPatchVotes_MissingNode(t *testing.T) {
	p := NewProjector(nil, 7)
	p.RenderFull(context.Background(), sample())
	before := p.Snapshot()

	err := p.PatchVotes(context.Background(), model.LocationRecord{ID: "gone", Likes: 9})
	if !errors.Is(err, ErrViewNodeMissing) {
		t.Fatalf("want ErrViewNodeMissing, got %v", err)
	}
	if !reflect.DeepEqual(before, p.Snapshot()) {
		t.Fatal("missing-node patch must be a no-op")
	}
}

func TestRenderPosition(t *testing.T) {
	p := NewProjector(nil, 7)
	p.RenderPosition(model.Fix{Coordinates: model.Coordinates{Lat: 38.7, Lon: -9.1}, AccuracyM: 25})
	p.RenderFull(context.Background(), filter.Result{})

	pos := p.Snapshot().Position
	if pos == nil {
		t.Fatal("position must survive re-render")
	}
	if pos.RadiusM != 12.5 || pos.Popup != "You are within 12.5 meters" {
		t.Fatalf("position=%+v", *pos)
	}
}

func TestMarkers_GeoJSON(t *testing.T) {
	p := NewProjector(nil, 7)
	p.RenderFull(context.Background(), sample())
	b, err := p.Markers()
	if err != nil {
		t.Fatalf("markers: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fc.Features) != 3 {
		t.Fatalf("features=%d want 3", len(fc.Features))
	}
	f := fc.Features[0]
	if f.ID != "1" || f.Properties.MustString("title") != "Cabo" {
		t.Fatalf("feature=%+v", f)
	}
	if !strings.HasPrefix(f.Properties.MustString("cell"), "87") {
		t.Fatalf("cell=%q want res-7 index", f.Properties.MustString("cell"))
	}
}

func TestDispatch(t *testing.T) {
	p := NewProjector(nil, 7)
	ctx := context.Background()
	p.RenderFull(ctx, sample())

	if err := p.Dispatch(ctx, "1", ActionLike); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("want ErrNoHandler, got %v", err)
	}

	var got []string
	p.Bind(func(ctx context.Context, id string, a Action) error {
		got = append(got, id+":"+a.String())
		return p.PatchVotes(ctx, model.LocationRecord{ID: id, Likes: 10})
	})
	if err := p.Dispatch(ctx, "2", ActionDislike); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := p.Dispatch(ctx, "nope", ActionLike); !errors.Is(err, ErrViewNodeMissing) {
		t.Fatalf("want ErrViewNodeMissing, got %v", err)
	}
	if len(got) != 1 || got[0] != "2:dislike" {
		t.Fatalf("handler calls=%v", got)
	}
	if p.Snapshot().Cards[1].Likes != 10 {
		t.Fatal("handler patch not applied")
	}
}

func TestReset(t *testing.T) {
	p := NewProjector(nil, 7)
	p.RenderFull(context.Background(), sample())
	p.RenderPosition(model.Fix{AccuracyM: 10})
	p.Reset()
	s := p.Snapshot()
	if len(s.Cards) != 0 || s.Position != nil || p.Rendered("1") {
		t.Fatalf("reset left state: %+v", s)
	}
}
