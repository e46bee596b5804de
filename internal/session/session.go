// Package session owns the per-user pipeline: filter criteria, the rendered
// view and the credential binding. Location data comes from the shared store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/AndreLimaSa/locals/internal/api"
	"github.com/AndreLimaSa/locals/internal/auth"
	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/filter"
	"github.com/AndreLimaSa/locals/internal/geo"
	mylog "github.com/AndreLimaSa/locals/internal/logger"
	"github.com/AndreLimaSa/locals/internal/store"
	"github.com/AndreLimaSa/locals/internal/view"
	"github.com/AndreLimaSa/locals/internal/vote"
)

var (
	ErrClosed          = errors.New("session closed")
	ErrInvalidPosition = errors.New("invalid position")
	ErrEmailTaken      = errors.New("email already registered")
)

const (
	NoticeNoFavorites  = "No favorite locations found."
	noticeFetchFailed  = "Could not load locations."
	noticeShowingStale = "Could not refresh locations. Showing the last loaded list."
	noticeNoPosition   = "Your location is unavailable. The distance filter is off."
)

// Locations is the shared location store.
type Locations interface {
	Refresh(ctx context.Context) ([]model.LocationRecord, error)
	Current() []model.LocationRecord
	Warm(ctx context.Context) bool
	Loaded() bool
	Stale() bool
	Seq() uint64
}

type Authenticator interface {
	Login(ctx context.Context, email, password string) (api.LoginResult, error)
	Register(ctx context.Context, name, email, password string) error
}

// Deps are shared by every session of a process.
type Deps struct {
	Store      Locations
	API        vote.API
	Auth       Authenticator
	Creds      auth.Store
	Locator    *geo.Locator
	Locks      *vote.Locks
	Publisher  vote.Publisher
	Logger     *slog.Logger
	ClusterRes int
	// MaxDistanceKm is the initial slider value.
	MaxDistanceKm float64
	// EphemeralCredentials drops the credential when the session closes.
	EphemeralCredentials bool
}

type Session struct {
	id     string
	deps   Deps
	logger *slog.Logger

	proj  *view.Projector
	votes *vote.Client

	initMu      sync.Mutex
	initialized bool

	// cycle numbers issued to refreshes and to position lookups
	cycle    atomic.Uint64
	posCycle atomic.Uint64

	mu         sync.Mutex
	builder    *filter.Builder
	applied    uint64
	posApplied uint64
	closed     bool

	// store commit the view was last rendered from
	renderedSeq uint64
	rendered    bool
}

func New(id string, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = vote.NewLocks()
	}
	logger := deps.Logger.With("session_id", id)

	s := &Session{
		id:      id,
		deps:    deps,
		logger:  logger,
		proj:    view.NewProjector(logger, deps.ClusterRes),
		builder: filter.NewBuilder(deps.MaxDistanceKm),
	}

	opts := []vote.Option{
		vote.WithLocks(deps.Locks),
		vote.WithLogger(logger),
		vote.WithPatcher(s.patch),
	}
	if deps.Publisher != nil {
		opts = append(opts, vote.WithPublisher(deps.Publisher))
	}
	s.votes = vote.New(deps.API, deps.Creds, id, opts...)
	s.proj.Bind(s.handleAction)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) ctx(ctx context.Context) context.Context {
	return mylog.WithSessionID(ctx, s.id)
}

// Init loads data and the user's position, then renders once. A missing
// position only disables the distance filter. The fetch error is returned
// when there is no data at all to show.
func (s *Session) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized {
		return nil
	}
	ctx = s.ctx(ctx)

	var fetchErr error
	if !s.deps.Store.Warm(ctx) || s.deps.Store.Stale() {
		_, fetchErr = s.deps.Store.Refresh(ctx)
	}

	var fix model.Fix
	var geoErr error
	posSeq := s.posCycle.Add(1)
	if s.deps.Locator != nil {
		fix, geoErr = s.deps.Locator.Resolve(ctx)
	} else {
		geoErr = geo.ErrUnsupportedPlatform
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if geoErr == nil {
		s.applyPositionLocked(posSeq, fix)
	}
	s.renderLocked(ctx)

	switch {
	case fetchErr != nil && s.deps.Store.Loaded():
		s.proj.SetNotice(noticeShowingStale)
		fetchErr = nil
	case fetchErr != nil:
		s.proj.SetNotice(noticeFetchFailed)
	case geoErr != nil:
		s.proj.SetNotice(noticeNoPosition)
		s.logger.InfoContext(ctx, "starting without position", "err", geoErr)
	}
	s.initialized = true
	return fetchErr
}

func (s *Session) renderLocked(ctx context.Context) {
	s.renderedSeq = s.deps.Store.Seq()
	s.rendered = true
	res := filter.Apply(s.deps.Store.Current(), s.builder.Criteria())
	s.proj.RenderFull(ctx, res)
}

func (s *Session) update(ctx context.Context, fn func(b *filter.Builder) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := fn(s.builder); err != nil {
		return err
	}
	s.renderLocked(s.ctx(ctx))
	return nil
}

func (s *Session) SelectCategory(ctx context.Context, label string) error {
	return s.update(ctx, func(b *filter.Builder) error { return b.SelectCategory(label) })
}

func (s *Session) ToggleCategory(ctx context.Context, label string) error {
	return s.update(ctx, func(b *filter.Builder) error { return b.ToggleCategory(label) })
}

func (s *Session) ClearCategory(ctx context.Context) error {
	return s.update(ctx, func(b *filter.Builder) error { b.ClearCategory(); return nil })
}

func (s *Session) SetAmenityOnly(ctx context.Context, on bool) error {
	return s.update(ctx, func(b *filter.Builder) error { b.SetAmenityOnly(on); return nil })
}

func (s *Session) SetMaxDistanceKm(ctx context.Context, km float64) error {
	return s.update(ctx, func(b *filter.Builder) error { return b.SetMaxDistanceKm(km) })
}

// ReportPosition accepts a fix measured by the client.
func (s *Session) ReportPosition(ctx context.Context, fix model.Fix) error {
	if !fix.Coordinates.Valid() || fix.AccuracyM < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPosition, fix.Coordinates)
	}
	seq := s.posCycle.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.applyPositionLocked(seq, fix) {
		s.renderLocked(s.ctx(ctx))
	}
	return nil
}

// Locate resolves the position through the configured source. On failure
// the previous origin is kept and a notice is shown.
func (s *Session) Locate(ctx context.Context) error {
	ctx = s.ctx(ctx)
	seq := s.posCycle.Add(1)

	var (
		fix model.Fix
		err error
	)
	if s.deps.Locator == nil {
		err = geo.ErrUnsupportedPlatform
	} else {
		fix, err = s.deps.Locator.Resolve(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err != nil {
		s.proj.SetNotice(noticeNoPosition)
		return err
	}
	if s.applyPositionLocked(seq, fix) {
		s.renderLocked(ctx)
	}
	return nil
}

// applyPositionLocked drops fixes older than the last applied one.
func (s *Session) applyPositionLocked(seq uint64, fix model.Fix) bool {
	if seq < s.posApplied {
		s.logger.Debug("discarding superseded position", "seq", seq, "applied", s.posApplied)
		return false
	}
	s.posApplied = seq
	s.builder.SetOrigin(fix.Coordinates)
	s.proj.RenderPosition(fix)
	return true
}

// Refresh re-fetches the list and re-renders. A refresh that finishes after a
// newer one was applied does not render.
func (s *Session) Refresh(ctx context.Context) error {
	seq := s.cycle.Add(1)
	ctx = mylog.WithCycle(s.ctx(ctx), seq)

	_, err := s.deps.Store.Refresh(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if seq < s.applied {
		s.logger.DebugContext(ctx, "discarding superseded cycle", "cycle", seq, "applied", s.applied)
		return nil
	}
	s.applied = seq
	if err != nil {
		if s.deps.Store.Loaded() {
			s.proj.SetNotice(noticeShowingStale)
		} else {
			s.proj.SetNotice(noticeFetchFailed)
		}
		return err
	}
	s.renderLocked(ctx)
	return nil
}

// Dispatch routes a card action through the view registry.
func (s *Session) Dispatch(ctx context.Context, id string, a view.Action) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.proj.Dispatch(s.ctx(ctx), id, a)
}

func (s *Session) handleAction(ctx context.Context, id string, a view.Action) error {
	switch a {
	case view.ActionLike:
		_, err := s.Vote(ctx, id, model.Like)
		return err
	case view.ActionDislike:
		_, err := s.Vote(ctx, id, model.Dislike)
		return err
	case view.ActionFavorite:
		return s.SaveFavorite(ctx, id)
	default:
		return fmt.Errorf("unsupported action %s", a)
	}
}

// Vote sends a vote; the rendered card is patched with the answer.
func (s *Session) Vote(ctx context.Context, id string, dir model.Direction) (model.LocationRecord, error) {
	if s.isClosed() {
		return model.LocationRecord{}, ErrClosed
	}
	return s.votes.Vote(s.ctx(ctx), id, dir)
}

// patch runs under the vote client's record lock.
func (s *Session) patch(ctx context.Context, rec model.LocationRecord) {
	if err := s.proj.PatchVotes(ctx, rec); err != nil && !errors.Is(err, view.ErrViewNodeMissing) {
		s.logger.WarnContext(ctx, "vote patch failed", "id", rec.ID, "err", err)
	}
}

func (s *Session) SaveFavorite(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.votes.SaveFavorite(s.ctx(ctx), id)
}

func (s *Session) Favorites(ctx context.Context) ([]model.LocationRecord, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.votes.Favorites(s.ctx(ctx))
}

// Login exchanges credentials for a bearer token bound to this session.
func (s *Session) Login(ctx context.Context, email, password string) (api.LoginResult, error) {
	if s.isClosed() {
		return api.LoginResult{}, ErrClosed
	}
	ctx = s.ctx(ctx)
	res, err := s.deps.Auth.Login(ctx, email, password)
	if err != nil {
		return api.LoginResult{}, err
	}
	if err := s.deps.Creds.Set(ctx, s.id, res.AccessToken); err != nil {
		return api.LoginResult{}, fmt.Errorf("store credential: %w", err)
	}
	s.logger.InfoContext(ctx, "session logged in")
	return res, nil
}

// Register creates an account upstream. It does not log the session in.
func (s *Session) Register(ctx context.Context, name, email, password string) error {
	if s.isClosed() {
		return ErrClosed
	}
	ctx = s.ctx(ctx)
	if err := s.deps.Auth.Register(ctx, name, email, password); err != nil {
		if api.StatusOf(err) == http.StatusBadRequest {
			return fmt.Errorf("%w: %w", ErrEmailTaken, err)
		}
		return err
	}
	s.logger.InfoContext(ctx, "account registered")
	return nil
}

// State is what the UI renders.
type State struct {
	view.Snapshot
	Criteria filter.Criteria `json:"criteria"`
	Stale    bool            `json:"stale"`
}

// Snapshot returns the current view. A list committed by someone else since the
// last render, such as an invalidation refresh, is applied first.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	if !s.closed && s.rendered && s.deps.Store.Seq() != s.renderedSeq {
		s.logger.Debug("store advanced, re-rendering", "seq", s.deps.Store.Seq(), "rendered", s.renderedSeq)
		s.renderLocked(context.Background())
	}
	c := s.builder.Criteria()
	s.mu.Unlock()
	return State{
		Snapshot: s.proj.Snapshot(),
		Criteria: c,
		Stale:    s.deps.Store.Stale(),
	}
}

func (s *Session) Markers() ([]byte, error) {
	return s.proj.Markers()
}

// Close tears the session down. Later calls fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.proj.Reset()
	if s.deps.EphemeralCredentials && s.deps.Creds != nil {
		if err := s.deps.Creds.Clear(context.Background(), s.id); err != nil {
			s.logger.Warn("clear credential on close", "err", err)
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ Locations = (*store.LocationStore)(nil)
