package view

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Action int

const (
	ActionLike Action = iota
	ActionDislike
	ActionFavorite
)

func (a Action) String() string {
	switch a {
	case ActionLike:
		return "like"
	case ActionDislike:
		return "dislike"
	case ActionFavorite:
		return "favorite"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "like":
		return ActionLike, nil
	case "dislike":
		return ActionDislike, nil
	case "favorite":
		return ActionFavorite, nil
	default:
		return 0, fmt.Errorf("invalid action %q", s)
	}
}

// ActionHandler performs a card action. It runs without the projector lock
// held so it may call PatchVotes.
type ActionHandler func(ctx context.Context, id string, a Action) error

var ErrNoHandler = errors.New("no action handler bound")

func (p *Projector) Bind(h ActionHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Dispatch routes an action on a rendered card to the bound handler.
func (p *Projector) Dispatch(ctx context.Context, id string, a Action) error {
	p.mu.RLock()
	_, ok := p.cards[id]
	h := p.handler
	p.mu.RUnlock()

	if !ok {
		p.logger.DebugContext(ctx, "dispatch to missing card", "id", id, "action", a.String())
		return fmt.Errorf("%w: %s", ErrViewNodeMissing, id)
	}
	if h == nil {
		return ErrNoHandler
	}
	return h(ctx, id, a)
}
