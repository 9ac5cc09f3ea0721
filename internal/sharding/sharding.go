package sharding

import "github.com/cespare/xxhash/v2"

// ShardFor assigns key to one of n shards. The same key always lands on the
// same shard for a given n. n below 1 is treated as 1.
func ShardFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
