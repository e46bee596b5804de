package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AndreLimaSa/locals/internal/api"
	"github.com/AndreLimaSa/locals/internal/auth"
	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/filter"
	"github.com/AndreLimaSa/locals/internal/geo"
	"github.com/AndreLimaSa/locals/internal/store"
	"github.com/AndreLimaSa/locals/internal/view"
	"github.com/AndreLimaSa/locals/internal/vote"
)

var lisbon = model.Coordinates{Lat: 38.7223, Lon: -9.1393}

func records() []model.LocationRecord {
	return []model.LocationRecord{
		{ID: "praia", Title: "Carcavelos", Coordinates: model.Coordinates{Lat: 38.6780, Lon: -9.3360}, CategoryTags: []string{"Praia"}, AmenityTags: []string{"WC"}, Likes: 3, Dislikes: 1},
		{ID: "serra", Title: "Sintra", Coordinates: model.Coordinates{Lat: 38.7876, Lon: -9.3906}, CategoryTags: []string{"Natureza"}},
		{ID: "porto", Title: "Ribeira", Coordinates: model.Coordinates{Lat: 41.1406, Lon: -8.6110}, CategoryTags: []string{"Cultura"}, AmenityTags: []string{"WC"}},
	}
}

type fetcher struct {
	calls atomic.Int32
	err   error
}

func (f *fetcher) Locations(context.Context) ([]model.LocationRecord, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return records(), nil
}

// fakeAPI answers votes by bumping counters and remembers favorites.
type fakeAPI struct {
	mu    sync.Mutex
	likes map[string]int
	favs  map[string]bool
	users map[string]bool
	calls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{likes: map[string]int{"praia": 3}, favs: map[string]bool{}, users: map[string]bool{}}
}

func (a *fakeAPI) Vote(_ context.Context, _, id string, dir model.Direction) (model.LocationRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if dir == model.Like {
		a.likes[id]++
	}
	return model.LocationRecord{ID: id, Likes: a.likes[id], Dislikes: 1}, nil
}

func (a *fakeAPI) AddFavorite(_ context.Context, _, id string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.favs[id] {
		return "", &api.StatusError{Op: "favorite", Status: 400, Body: "Location already in favorites"}
	}
	a.favs[id] = true
	return "ok", nil
}

func (a *fakeAPI) Favorites(context.Context, string) ([]model.LocationRecord, error) {
	return nil, nil
}

func (a *fakeAPI) Login(_ context.Context, email, _ string) (api.LoginResult, error) {
	if email == "" {
		return api.LoginResult{}, &api.StatusError{Op: "login", Status: 401}
	}
	return api.LoginResult{AccessToken: "tok-" + email, RedirectURL: "/"}, nil
}

func (a *fakeAPI) Register(_ context.Context, _, email, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.users[email] {
		return &api.StatusError{Op: "register", Status: 400, Body: "Email already exists. Please use a different email."}
	}
	a.users[email] = true
	return nil
}

func newDeps(f store.Fetcher, loc *geo.Locator) (Deps, *fakeAPI) {
	a := newFakeAPI()
	return Deps{
		Store:         store.New(f, nil, store.Options{}),
		API:           a,
		Auth:          a,
		Creds:         auth.NewMemoryStore(),
		Locator:       loc,
		ClusterRes:    7,
		MaxDistanceKm: 50,
	}, a
}

func staticLocator() *geo.Locator {
	return geo.NewLocator(geo.StaticSource{Fix: model.Fix{Coordinates: lisbon, AccuracyM: 40}}, time.Second, nil)
}

func cardIDs(st State) []string {
	out := make([]string, 0, len(st.Cards))
	for _, c := range st.Cards {
		out = append(out, c.ID)
	}
	return out
}

func TestInit_WithPosition(t *testing.T) {
	deps, _ := newDeps(&fetcher{}, staticLocator())
	s := New("s1", deps)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	st := s.Snapshot()
	if st.Status != view.StatusOK {
		t.Fatalf("status=%q", st.Status)
	}
	if got := cardIDs(st); len(got) != 2 || got[0] != "praia" || got[1] != "serra" {
		t.Fatalf("cards=%v want [praia serra] within 50km of Lisbon", got)
	}
	if st.Position == nil || st.Position.RadiusM != 20 {
		t.Fatalf("position=%+v", st.Position)
	}
	if st.Title != filter.DefaultTitle {
		t.Fatalf("title=%q", st.Title)
	}
}

func TestInit_WithoutPositionDegrades(t *testing.T) {
	deps, _ := newDeps(&fetcher{}, geo.NewLocator(nil, time.Second, nil))
	s := New("s1", deps)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	st := s.Snapshot()
	if st.Status != view.StatusAwaitingLocation || len(st.Cards) != 3 {
		t.Fatalf("status=%q cards=%d", st.Status, len(st.Cards))
	}
	if st.Notice != noticeNoPosition {
		t.Fatalf("notice=%q", st.Notice)
	}
}

func TestInit_FetchFailureWithoutData(t *testing.T) {
	deps, _ := newDeps(&fetcher{err: errors.New("down")}, staticLocator())
	s := New("s1", deps)
	err := s.Init(context.Background())
	if !errors.Is(err, store.ErrFetchFailed) {
		t.Fatalf("want ErrFetchFailed, got %v", err)
	}
	st := s.Snapshot()
	if st.Status != view.StatusEmpty || st.Notice != noticeFetchFailed {
		t.Fatalf("status=%q notice=%q", st.Status, st.Notice)
	}
}

func TestCriteriaChanges_FilterLocally(t *testing.T) {
	f := &fetcher{}
	deps, _ := newDeps(f, nil)
	s := New("s1", deps)
	ctx := context.Background()
	_ = s.Init(ctx)

	if err := s.SelectCategory(ctx, "Praia"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := s.SelectCategory(ctx, "Natureza"); err != nil {
		t.Fatalf("select: %v", err)
	}
	st := s.Snapshot()
	if st.Criteria.Category != "Natureza" || st.Title != "Natureza" {
		t.Fatalf("criteria=%+v title=%q", st.Criteria, st.Title)
	}
	if got := cardIDs(st); len(got) != 1 || got[0] != "serra" {
		t.Fatalf("cards=%v", got)
	}

	_ = s.ClearCategory(ctx)
	_ = s.SetAmenityOnly(ctx, true)
	if got := cardIDs(s.Snapshot()); len(got) != 2 || got[0] != "praia" || got[1] != "porto" {
		t.Fatalf("amenity cards=%v", got)
	}

	if err := s.SetMaxDistanceKm(ctx, -1); !errors.Is(err, filter.ErrInvalidDistance) {
		t.Fatalf("want ErrInvalidDistance, got %v", err)
	}
	if err := s.ToggleCategory(ctx, "Nope"); !errors.Is(err, filter.ErrUnknownCategory) {
		t.Fatalf("want ErrUnknownCategory, got %v", err)
	}

	if f.calls.Load() != 1 {
		t.Fatalf("fetches=%d want 1", f.calls.Load())
	}
}

func TestReportPosition_EnablesDistanceFilter(t *testing.T) {
	deps, _ := newDeps(&fetcher{}, nil)
	s := New("s1", deps)
	ctx := context.Background()
	_ = s.Init(ctx)

	if err := s.ReportPosition(ctx, model.Fix{Coordinates: model.Coordinates{Lat: 41.15, Lon: -8.61}, AccuracyM: 10}); err != nil {
		t.Fatalf("report: %v", err)
	}
	st := s.Snapshot()
	if got := cardIDs(st); len(got) != 1 || got[0] != "porto" {
		t.Fatalf("cards=%v want [porto]", got)
	}
	if st.Status != view.StatusOK {
		t.Fatalf("status=%q", st.Status)
	}
	if err := s.ReportPosition(ctx, model.Fix{Coordinates: model.Coordinates{Lat: 95}}); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("want ErrInvalidPosition, got %v", err)
	}
}

func TestLocate_Unsupported(t *testing.T) {
	deps, _ := newDeps(&fetcher{}, nil)
	s := New("s1", deps)
	if err := s.Locate(context.Background()); !errors.Is(err, geo.ErrUnsupportedPlatform) {
		t.Fatalf("want ErrUnsupportedPlatform, got %v", err)
	}
}

// scriptedStore lets a test control when each refresh returns.
type scriptedStore struct {
	mu      sync.Mutex
	current []model.LocationRecord
	gates   chan chan error
}

func (s *scriptedStore) Refresh(ctx context.Context) ([]model.LocationRecord, error) {
	ch := make(chan error, 1)
	s.gates <- ch
	return nil, <-ch
}

func (s *scriptedStore) set(recs []model.LocationRecord) {
	s.mu.Lock()
	s.current = recs
	s.mu.Unlock()
}

func (s *scriptedStore) Current() []model.LocationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
func (s *scriptedStore) Warm(context.Context) bool { return true }
func (s *scriptedStore) Loaded() bool              { return true }
func (s *scriptedStore) Stale() bool               { return false }
func (s *scriptedStore) Seq() uint64                { return 0 }

func TestRefresh_SupersededCycleDoesNotRender(t *testing.T) {
	st := &scriptedStore{gates: make(chan chan error)}
	deps, _ := newDeps(nil, nil)
	deps.Store = st
	s := New("s1", deps)
	ctx := context.Background()

	older := make(chan error, 1)
	go func() { older <- s.Refresh(ctx) }()
	oldGate := <-st.gates

	newer := make(chan error, 1)
	go func() { newer <- s.Refresh(ctx) }()
	newGate := <-st.gates

	st.set([]model.LocationRecord{{ID: "new"}})
	newGate <- nil
	if err := <-newer; err != nil {
		t.Fatalf("newer: %v", err)
	}

	st.set([]model.LocationRecord{{ID: "old"}})
	oldGate <- nil
	if err := <-older; err != nil {
		t.Fatalf("older: %v", err)
	}

	if got := cardIDs(s.Snapshot()); len(got) != 1 || got[0] != "new" {
		t.Fatalf("cards=%v want [new]", got)
	}
}

// swapFetcher serves whatever list the test last set.
type swapFetcher struct {
	mu   sync.Mutex
	recs []model.LocationRecord
}

func (f *swapFetcher) Locations(context.Context) ([]model.LocationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs, nil
}

func TestSnapshot_FollowsRefreshFromElsewhere(t *testing.T) {
	f := &swapFetcher{recs: records()}
	deps, _ := newDeps(f, nil)
	shared := deps.Store
	s := New("s1", deps)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := len(s.Snapshot().Cards); got != 3 {
		t.Fatalf("cards=%d want 3", got)
	}

	// an invalidation refresh commits a new list without going through the session
	f.mu.Lock()
	f.recs = []model.LocationRecord{{ID: "nova", Title: "Arrabida", CategoryTags: []string{"Praia"}}}
	f.mu.Unlock()
	if _, err := shared.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if got := cardIDs(s.Snapshot()); len(got) != 1 || got[0] != "nova" {
		t.Fatalf("cards=%v want [nova]", got)
	}
}

func TestRefresh_FailureKeepsStaleView(t *testing.T) {
	f := &fetcher{}
	deps, _ := newDeps(f, nil)
	s := New("s1", deps)
	ctx := context.Background()
	_ = s.Init(ctx)

	f.err = errors.New("down")
	if err := s.Refresh(ctx); !errors.Is(err, store.ErrFetchFailed) {
		t.Fatalf("want ErrFetchFailed, got %v", err)
	}
	st := s.Snapshot()
	if len(st.Cards) != 3 || st.Notice != noticeShowingStale {
		t.Fatalf("cards=%d notice=%q", len(st.Cards), st.Notice)
	}
}

func TestDispatch_VoteRequiresLoginThenPatches(t *testing.T) {
	deps, a := newDeps(&fetcher{}, nil)
	s := New("s1", deps)
	ctx := context.Background()
	_ = s.Init(ctx)

	if err := s.Dispatch(ctx, "praia", view.ActionLike); !errors.Is(err, vote.ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
	if a.calls != 0 {
		t.Fatal("no network call expected before login")
	}

	if _, err := s.Login(ctx, "a@b.c", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := s.Dispatch(ctx, "praia", view.ActionLike); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	card := s.Snapshot().Cards[0]
	if card.Likes != 4 || card.LikeWidth != 80 || card.Title != "Carcavelos" {
		t.Fatalf("card=%+v", card)
	}

	if err := s.Dispatch(ctx, "nowhere", view.ActionLike); !errors.Is(err, view.ErrViewNodeMissing) {
		t.Fatalf("want ErrViewNodeMissing, got %v", err)
	}

	if err := s.Dispatch(ctx, "serra", view.ActionFavorite); err != nil {
		t.Fatalf("favorite: %v", err)
	}
	if err := s.Dispatch(ctx, "serra", view.ActionFavorite); !errors.Is(err, vote.ErrAlreadyFavorited) {
		t.Fatalf("want ErrAlreadyFavorited, got %v", err)
	}
}

func TestVote_FilteredOutCardIsNoOp(t *testing.T) {
	deps, _ := newDeps(&fetcher{}, nil)
	s := New("s1", deps)
	ctx := context.Background()
	_ = s.Init(ctx)
	_, _ = s.Login(ctx, "a@b.c", "pw")
	_ = s.SelectCategory(ctx, "Natureza")

	rec, err := s.Vote(ctx, "praia", model.Like)
	if err != nil {
		t.Fatalf("vote on hidden card should still succeed: %v", err)
	}
	if rec.Likes != 4 {
		t.Fatalf("likes=%d", rec.Likes)
	}
}

func TestClose(t *testing.T) {
	deps, _ := newDeps(&fetcher{}, nil)
	deps.EphemeralCredentials = true
	s := New("s1", deps)
	ctx := context.Background()
	_ = s.Init(ctx)
	_, _ = s.Login(ctx, "a@b.c", "pw")

	s.Close()
	s.Close()
	if err := s.SelectCategory(ctx, "Praia"); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if _, found, _ := deps.Creds.Get(ctx, "s1"); found {
		t.Fatal("ephemeral credential should be cleared")
	}
	if len(s.Snapshot().Cards) != 0 {
		t.Fatal("view should be torn down")
	}
}

func TestRegister_DuplicateEmailIsTaken(t *testing.T) {
	deps, _ := newDeps(&fetcher{}, nil)
	s := New("s1", deps)
	ctx := context.Background()

	if err := s.Register(ctx, "Ana", "ana@locals.pt", "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(ctx, "Ana", "ana@locals.pt", "pw"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("second register: err=%v want ErrEmailTaken", err)
	}
	s.Close()
	if err := s.Register(ctx, "Bo", "bo@locals.pt", "pw"); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed session: err=%v", err)
	}
}
