package subreg

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/highwayhash"
)

// dedupShards is the number of independent LRU shards the dedup cache
// is split across, selected by a highwayhash of the event id so
// concurrent handlers for unrelated subscriptions don't contend on one
// lock. highwayhash is used purely for shard selection, never for the
// id-equality check itself (invariant §8.7 requires exact hex-id
// comparison, never a hashed shortcut).
const dedupShards = 16

var shardKey = [32]byte{} // fixed, non-secret: shard selection only

// Dedup is a bounded, sharded LRU of recently-seen event ids, used by
// the relay client to collapse the same event arriving on multiple
// relays into a single handler invocation.
type Dedup struct {
	shards [dedupShards]*dedupShard
}

type dedupShard struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

// NewDedup builds a Dedup whose total capacity is approximately
// capacityPerShard * dedupShards entries.
func NewDedup(capacityPerShard int) *Dedup {
	d := &Dedup{}
	for i := range d.shards {
		c, err := lru.New[string, struct{}](capacityPerShard)
		if err != nil {
			// Only non-positive capacity can fail here; callers pass a
			// compile-time constant, so this is a programmer error.
			panic(err)
		}
		d.shards[i] = &dedupShard{cache: c}
	}
	return d
}

// SeenBefore reports whether id has already been recorded, and records
// it if not. The full hex id is always the comparison key; the hash is
// used only to pick which shard's LRU to consult.
func (d *Dedup) SeenBefore(id string) bool {
	shard := d.shards[d.shardFor(id)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if shard.cache.Contains(id) {
		return true
	}
	shard.cache.Add(id, struct{}{})
	return false
}

func (d *Dedup) shardFor(id string) int {
	sum := highwayhash.Sum64([]byte(id), shardKey[:])
	return int(sum % uint64(dedupShards))
}
