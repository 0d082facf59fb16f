package binprot

import (
	"crypto/md5"
	"encoding/binary"
)

// DefaultVBuckets is the vbucket count used when none is configured.
const DefaultVBuckets = 128

// VBucketForKey maps key to one of n vbuckets, n being a power of two.
//
// The hash is the first four bytes of the key's MD5 digest read as a
// little-endian integer, which is how libmemcached assigns vbuckets, so keys
// land where other clients of the same cluster put them.
func VBucketForKey(key []byte, n int) uint16 {
	if n <= 0 {
		n = DefaultVBuckets
	}
	sum := md5.Sum(key)
	return uint16(binary.LittleEndian.Uint32(sum[:4]) & uint32(n-1))
}
