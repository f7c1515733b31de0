package config

import "hash/fnv"

// hashBytes returns a stable FNV-64a hash of b (0 for empty input).
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
