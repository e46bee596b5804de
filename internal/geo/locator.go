package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/core/observability"
)

var (
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrUnsupportedPlatform = errors.New("no positioning capability")
)

// Source is a positioning capability able to produce one fix on request.
type Source interface {
	Name() string
	Position(ctx context.Context) (model.Fix, error)
}

// Locator turns a Source into a single-shot resolution with a deadline.
// It never retries; callers decide whether to fall back.
type Locator struct {
	src     Source
	timeout time.Duration
	logger  *slog.Logger
}

func NewLocator(src Source, timeout time.Duration, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{src: src, timeout: timeout, logger: logger}
}

func (l *Locator) Resolve(ctx context.Context) (model.Fix, error) {
	if l == nil || l.src == nil {
		observability.IncGeoResolve("none", "unsupported")
		return model.Fix{}, ErrUnsupportedPlatform
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	fix, err := l.src.Position(ctx)
	if err == nil && !fix.Coordinates.Valid() {
		err = fmt.Errorf("coordinates out of range: %s", fix.Coordinates)
	}
	if err != nil {
		observability.IncGeoResolve(l.src.Name(), "unavailable")
		l.logger.WarnContext(ctx, "position lookup failed", "source", l.src.Name(), "err", err)
		if errors.Is(err, ErrPositionUnavailable) || errors.Is(err, ErrUnsupportedPlatform) {
			return model.Fix{}, err
		}
		return model.Fix{}, fmt.Errorf("%w: %w", ErrPositionUnavailable, err)
	}

	observability.IncGeoResolve(l.src.Name(), "ok")
	l.logger.DebugContext(ctx, "position resolved", "source", l.src.Name(), "coords", fix.Coordinates.String())
	return fix, nil
}
