// Package invalidation defines the location-changed events published by the
// locations API's writers.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OpReload invalidates the whole list; it carries no location id.
const OpReload = "reload"

// Event reports a change to one location, or to the whole list for
// OpReload. Seq is a per-location version stamp; zero disables dedupe.
type Event struct {
	Version    int       `json:"version"`
	Op         string    `json:"op"`
	LocationID string    `json:"location_id,omitempty"`
	Seq        uint64    `json:"seq,omitempty"`
	TS         time.Time `json:"ts"`
	Source     string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "vote":
		if strings.TrimSpace(e.LocationID) == "" {
			return fmt.Errorf("location_id is required for op %q", e.Op)
		}
	case OpReload:
	default:
		return errors.New("op must be insert|update|delete|vote|reload")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	return nil
}

// DedupeKey identifies the stream of versions an event belongs to.
func (e Event) DedupeKey() string {
	if e.Op == OpReload {
		return "*"
	}
	return e.LocationID
}
