package vote

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// Locks serializes mutations per record id. Ids hash onto a fixed set of
// shards so unrelated records rarely contend.
type Locks struct {
	shards [numShards]sync.Mutex
}

func NewLocks() *Locks { return &Locks{} }

func (l *Locks) lockFor(id string) *sync.Mutex {
	return &l.shards[xxhash.Sum64String(id)&(numShards-1)]
}
