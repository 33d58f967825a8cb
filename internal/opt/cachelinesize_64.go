//go:build shardmap_cachelinesize_64

package opt

// CacheLineSize_ forced to 64 bytes via the shardmap_cachelinesize_64 tag.
const CacheLineSize_ = 64
