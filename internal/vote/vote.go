// Package vote sends like, dislike and favorite mutations on behalf of a
// session and feeds the server's answer back to the view.
package vote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AndreLimaSa/locals/internal/api"
	"github.com/AndreLimaSa/locals/internal/auth"
	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/core/observability"
	"github.com/AndreLimaSa/locals/internal/voteevents"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrRequestFailed    = errors.New("request failed")
	ErrAlreadyFavorited = errors.New("location already in favorites")
)

// API is the part of the upstream client that mutates or reads per-user data.
type API interface {
	Vote(ctx context.Context, token, id string, dir model.Direction) (model.LocationRecord, error)
	AddFavorite(ctx context.Context, token, id string) (string, error)
	Favorites(ctx context.Context, token string) ([]model.LocationRecord, error)
}

type Publisher interface {
	Publish(ev voteevents.Event)
}

// Patcher receives each successful vote while the record lock is held, so
// patches for one record apply in the order the answers arrived.
type Patcher func(ctx context.Context, rec model.LocationRecord)

type Option func(*Client)

func WithLocks(l *Locks) Option { return func(c *Client) { c.locks = l } }
func WithPublisher(p Publisher) Option { return func(c *Client) { c.pub = p } }
func WithPatcher(p Patcher) Option { return func(c *Client) { c.patch = p } }
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }
func withClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is bound to one session's credential.
type Client struct {
	api       API
	creds     auth.Store
	sessionID string
	locks     *Locks
	pub       Publisher
	patch     Patcher
	logger    *slog.Logger
	now       func() time.Time
}

func New(a API, creds auth.Store, sessionID string, opts ...Option) *Client {
	c := &Client{
		api:       a,
		creds:     creds,
		sessionID: sessionID,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.locks == nil {
		c.locks = NewLocks()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "vote")
	return c
}

// token returns the session's credential or ErrUnauthenticated. An expired
// JWT is cleared from the store.
func (c *Client) token(ctx context.Context) (string, error) {
	tok, found, err := c.creds.Get(ctx, c.sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: read credential: %w", ErrUnauthenticated, err)
	}
	if !found || tok == "" {
		return "", ErrUnauthenticated
	}
	if auth.Expired(tok, c.now()) {
		if err := c.creds.Clear(ctx, c.sessionID); err != nil {
			c.logger.WarnContext(ctx, "clear expired credential", "err", err)
		}
		return "", fmt.Errorf("%w: credential expired", ErrUnauthenticated)
	}
	return tok, nil
}

// Vote sends a like or dislike and returns the server's record. Votes on the
// same record are sent one at a time.
func (c *Client) Vote(ctx context.Context, id string, dir model.Direction) (model.LocationRecord, error) {
	action := dir.String()
	tok, err := c.token(ctx)
	if err != nil {
		c.outcome(ctx, id, action, "unauthenticated", model.LocationRecord{})
		return model.LocationRecord{}, err
	}

	mu := c.locks.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := c.api.Vote(ctx, tok, id, dir)
	if err != nil {
		err = c.classify(ctx, err)
		c.outcome(ctx, id, action, outcomeOf(err), model.LocationRecord{})
		return model.LocationRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = id
	}
	if c.patch != nil {
		c.patch(ctx, rec)
	}
	c.outcome(ctx, id, action, "ok", rec)
	return rec, nil
}

// SaveFavorite adds id to the user's favorites.
func (c *Client) SaveFavorite(ctx context.Context, id string) error {
	const action = "favorite"
	tok, err := c.token(ctx)
	if err != nil {
		c.outcome(ctx, id, action, "unauthenticated", model.LocationRecord{})
		return err
	}

	mu := c.locks.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	msg, err := c.api.AddFavorite(ctx, tok, id)
	if err != nil {
		if api.StatusOf(err) == http.StatusBadRequest {
			err = fmt.Errorf("%w: %w", ErrAlreadyFavorited, err)
		} else {
			err = c.classify(ctx, err)
		}
		c.outcome(ctx, id, action, outcomeOf(err), model.LocationRecord{})
		return err
	}
	c.logger.DebugContext(ctx, "favorite saved", "id", id, "message", msg)
	c.outcome(ctx, id, action, "ok", model.LocationRecord{})
	return nil
}

// Favorites lists the user's favorite locations.
func (c *Client) Favorites(ctx context.Context) ([]model.LocationRecord, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := c.api.Favorites(ctx, tok)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	return recs, nil
}

// classify maps upstream failures onto the package errors. A rejected
// credential is dropped so later calls fail fast.
func (c *Client) classify(ctx context.Context, err error) error {
	switch api.StatusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		if cerr := c.creds.Clear(ctx, c.sessionID); cerr != nil {
			c.logger.WarnContext(ctx, "clear rejected credential", "err", cerr)
		}
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return fmt.Errorf("%w: %w", ErrRequestFailed, err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrAlreadyFavorited):
		return "already_favorited"
	default:
		return "failed"
	}
}

func (c *Client) outcome(ctx context.Context, id, action, outcome string, rec model.LocationRecord) {
	observability.IncVote(action, outcome)
	if outcome != "ok" {
		c.logger.InfoContext(ctx, "mutation not applied", "id", id, "action", action, "outcome", outcome)
	}
	if c.pub == nil {
		return
	}
	c.pub.Publish(voteevents.Event{
		LocationID: id,
		Action:     action,
		Outcome:    outcome,
		Likes:      rec.Likes,
		Dislikes:   rec.Dislikes,
		TS:         c.now().UTC(),
	})
}
