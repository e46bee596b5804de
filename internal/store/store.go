// Package store caches the authoritative list of locations fetched from the API.
//
// The cache is shared by every session. Refreshes are tagged with a
// monotonically increasing sequence number and only the newest one to finish
// is allowed to commit; a failed refresh leaves the previous cache in place.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/core/observability"
)

var ErrFetchFailed = errors.New("fetch failed")

// Fetcher reads the full location list. *api.Client satisfies it.
type Fetcher interface {
	Locations(ctx context.Context) ([]model.LocationRecord, error)
}

// Snapshotter persists the last good fetch across restarts.
type Snapshotter interface {
	Load(ctx context.Context) ([]model.LocationRecord, bool, error)
	Save(ctx context.Context, records []model.LocationRecord) error
}

type Options struct {
	Snapshotter Snapshotter
	// SnapshotTimeout bounds each snapshot load/save.
	SnapshotTimeout time.Duration
}

type LocationStore struct {
	fetcher Fetcher
	snap    Snapshotter
	snapTO  time.Duration
	logger  *slog.Logger

	issued atomic.Uint64

	// saveMu orders snapshot writes; savedSeq is the last one written
	saveMu   sync.Mutex
	savedSeq uint64

	mu        sync.RWMutex
	records   []model.LocationRecord
	committed uint64
	loaded    bool
	stale     bool
}

func New(fetcher Fetcher, logger *slog.Logger, opts Options) *LocationStore {
	if logger == nil {
		logger = slog.Default()
	}
	to := opts.SnapshotTimeout
	if to <= 0 {
		to = 250 * time.Millisecond
	}
	return &LocationStore{
		fetcher: fetcher,
		snap:    opts.Snapshotter,
		snapTO:  to,
		logger:  logger.With("component", "store"),
	}
}

// Refresh fetches the list and commits it unless a newer refresh committed
// first, in which case the newer cache is returned and this result dropped.
func (s *LocationStore) Refresh(ctx context.Context) ([]model.LocationRecord, error) {
	seq := s.issued.Add(1)

	recs, err := s.fetcher.Locations(ctx)
	if err != nil {
		observability.ObserveRefresh("error", 0)
		s.logger.WarnContext(ctx, "location refresh failed", "seq", seq, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	s.mu.Lock()
	if seq < s.committed {
		newer := s.committed
		out := slices.Clone(s.records)
		s.mu.Unlock()
		observability.ObserveRefresh("superseded", len(recs))
		s.logger.DebugContext(ctx, "discarding superseded refresh", "seq", seq, "committed", newer)
		return out, nil
	}
	s.records = slices.Clone(recs)
	s.committed = seq
	s.loaded = true
	s.stale = false
	s.mu.Unlock()

	observability.ObserveRefresh("ok", len(recs))
	s.logger.DebugContext(ctx, "location refresh committed", "seq", seq, "records", len(recs))
	s.save(ctx, seq, recs)
	return slices.Clone(recs), nil
}

// Current returns the last committed list, empty before the first success.
func (s *LocationStore) Current() []model.LocationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Seq is the sequence number of the committed list; 0 when nothing has been
// fetched in this process.
func (s *LocationStore) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed
}

// Loaded reports whether Current holds data, fetched or warmed.
func (s *LocationStore) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Invalidate marks the cache stale. Data stays available until the next
// successful Refresh.
func (s *LocationStore) Invalidate() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *LocationStore) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// Warm loads the persisted snapshot into an empty cache and marks it stale.
// It reports whether the cache holds data afterwards.
func (s *LocationStore) Warm(ctx context.Context) bool {
	if s.Loaded() {
		return true
	}
	if s.snap == nil {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, s.snapTO)
	defer cancel()
	recs, found, err := s.snap.Load(cctx)
	if err != nil {
		s.logger.WarnContext(ctx, "snapshot load failed", "err", err)
		return false
	}
	if !found {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return true
	}
	s.records = recs
	s.loaded = true
	s.stale = true
	observability.ObserveRefresh("warm", len(recs))
	s.logger.InfoContext(ctx, "warmed from snapshot", "records", len(recs))
	return true
}

// save persists the list committed as seq. A commit overtaken by a newer one
// is not written, so the snapshot never goes back in time.
func (s *LocationStore) save(ctx context.Context, seq uint64, recs []model.LocationRecord) {
	if s.snap == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if seq <= s.savedSeq || seq != s.Seq() {
		s.logger.DebugContext(ctx, "skipping snapshot of superseded commit", "seq", seq, "saved", s.savedSeq)
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.snapTO)
	defer cancel()
	if err := s.snap.Save(cctx, recs); err != nil {
		s.logger.WarnContext(ctx, "snapshot save failed", "err", err)
		return
	}
	s.savedSeq = seq
}
