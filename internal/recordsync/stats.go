package recordsync

import (
	"sync"
	"time"
)

// SyncStats are process-lifetime counters: monotonically non-decreasing,
// reset only on restart.
type SyncStats struct {
	SyncsAttempted    uint64 `json:"syncsAttempted"`
	SyncsSucceeded    uint64 `json:"syncsSucceeded"`
	SyncsFailed       uint64 `json:"syncsFailed"`
	RecordsAdded      uint64 `json:"recordsAdded"`
	RecordsUpdated    uint64 `json:"recordsUpdated"`
	RecordsRemoved    uint64 `json:"recordsRemoved"`
	MutationsEnqueued uint64 `json:"mutationsEnqueued"`
	MutationsApplied  uint64 `json:"mutationsApplied"`
	MutationsFailed   uint64 `json:"mutationsFailed"`
	QuotaDeferrals    uint64 `json:"quotaDeferrals"`
}

type engineStats struct {
	mu    sync.Mutex
	stats SyncStats
}

func newEngineStats() *engineStats {
	return &engineStats{}
}

func (s *engineStats) syncAttempted() {
	s.mu.Lock()
	s.stats.SyncsAttempted++
	s.mu.Unlock()
}

func (s *engineStats) syncSucceeded() {
	s.mu.Lock()
	s.stats.SyncsSucceeded++
	s.mu.Unlock()
}

func (s *engineStats) syncFailed() {
	s.mu.Lock()
	s.stats.SyncsFailed++
	s.mu.Unlock()
}

func (s *engineStats) recordReconcile(result ReconcileResult) {
	s.mu.Lock()
	s.stats.RecordsAdded += uint64(result.Added)
	s.stats.RecordsUpdated += uint64(result.Updated)
	s.stats.RecordsRemoved += uint64(result.Removed)
	s.mu.Unlock()
}

func (s *engineStats) snapshot() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

type ConfigSnapshot struct {
	SyncInterval        time.Duration `json:"syncInterval"`
	DrainInterval       time.Duration `json:"drainInterval"`
	BatchSize           int           `json:"batchSize"`
	MaxRetries          int           `json:"maxRetries"`
	SyncWorkers         int           `json:"syncWorkers"`
	AutoSync            bool          `json:"autoSync"`
	DetectDiscrepancies bool          `json:"detectDiscrepancies"`
	FreshnessWindow     time.Duration `json:"freshnessWindow"`
}

type StatusSnapshot struct {
	IsRunning      bool           `json:"isRunning"`
	Config         ConfigSnapshot `json:"config"`
	Stats          SyncStats      `json:"stats"`
	LastSyncTime   time.Time      `json:"lastSyncTime"`
	QuotaRemaining int            `json:"quotaRemaining"`
	QuotaWindowEnd time.Time      `json:"quotaWindowEnd,omitempty"`
}
