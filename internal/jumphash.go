package internal

import "github.com/zeebo/xxh3"

// JumpHash implements the Jump consistent hashing algorithm.
// Copied from: https://github.com/dgryski/go-jump
// Google's "Jump" Consistent Hash function: https://arxiv.org/abs/1406.2294
func JumpHash(key uint64, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}

	var b int64 = -1
	var j int64

	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}

	return int(b)
}

// ServerIndex maps a key onto one of n servers. Growing n by one moves about
// 1/n of the keys.
func ServerIndex(key string, n int) int {
	return JumpHash(xxh3.HashString(key), n)
}
