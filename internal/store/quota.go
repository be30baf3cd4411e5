package store

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Quota reports local store usage against the capacity of the volume holding it.
type Quota struct {
	UsedBytes   int64   `json:"usedBytes"`
	TotalBytes  int64   `json:"totalBytes"`
	PercentUsed float64 `json:"percentUsed"`
}

// Quota never fails: when the platform offers no capacity introspection, or the store
// cannot be read, it reports zeros.
func (s *Store) Quota(ctx context.Context) (quota Quota) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Warn("storage quota probe panicked", zap.Any("panic", recovered))
			quota = Quota{}
		}
	}()

	total, err := s.capacity(filepath.Dir(s.path))
	if err != nil || total == 0 {
		return Quota{}
	}

	db, err := s.Open(ctx)
	if err != nil {
		return Quota{}
	}
	var pageCount, pageSize int64
	if err := db.Raw("PRAGMA page_count").Scan(&pageCount).Error; err != nil {
		return Quota{}
	}
	if err := db.Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
		return Quota{}
	}

	used := pageCount*pageSize + s.walBytes()
	return Quota{
		UsedBytes:   used,
		TotalBytes:  int64(total),
		PercentUsed: float64(used) / float64(total) * 100,
	}
}

// walBytes is the size of the write-ahead log; committed pages not yet checkpointed live there.
func (s *Store) walBytes() int64 {
	info, err := os.Stat(s.path + "-wal")
	if err != nil {
		return 0
	}
	return info.Size()
}
