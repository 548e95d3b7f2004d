package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"otp-service/internal/config"
)

// BucketingManager assigns stable shard buckets to string identifiers.
// Rate-limit keys and attempt-log rows are prefixed with a bucket so hot
// addresses spread across partitions instead of piling onto one.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hash states to avoid per-call allocation
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetEventBucket returns a consistent bucket in [0, eventBuckets) for an
// identifier such as a normalized address.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(identifier))
	return int(hasher.Sum64() % uint64(bm.eventBuckets))
}

// GetTimeBucket truncates now to the start of its window, in unix seconds.
func (bm *BucketingManager) GetTimeBucket(now time.Time, window time.Duration) int64 {
	w := int64(window.Seconds())
	if w <= 0 {
		return now.Unix()
	}
	return now.Unix() / w * w
}

// GetEventBuckets returns the configured bucket count
func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}
