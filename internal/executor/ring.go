package executor

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// vnodesPerShard spreads each shard across the ring so key ownership
// stays balanced.
const vnodesPerShard = 128

type ringPoint struct {
	hash  uint64
	shard int
}

// hashRing maps keys deterministically onto shards via consistent
// hashing with virtual nodes. The same key always lands on the same
// shard for a fixed shard count.
type hashRing struct {
	points []ringPoint
}

func newHashRing(shards int) *hashRing {
	points := make([]ringPoint, 0, shards*vnodesPerShard)
	for s := 0; s < shards; s++ {
		for v := 0; v < vnodesPerShard; v++ {
			h := xxhash.Sum64String(fmt.Sprintf("shard-%d-vnode-%d", s, v))
			points = append(points, ringPoint{hash: h, shard: s})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })
	return &hashRing{points: points}
}

// lookup returns the shard owning key.
func (r *hashRing) lookup(key string) int {
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].shard
}
