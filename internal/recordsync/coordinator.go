package recordsync

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type CoordinatorOptions struct {
	Store            *RecordStore
	Remote           RemoteSource
	Detector         *DiscrepancyDetector
	Buffer           *WriteBuffer
	Publisher        ChangePublisher
	Quota            *QuotaAccountant
	Logger           Logger
	BatchSize        int
	SyncInterval     time.Duration
	DrainInterval    time.Duration
	SyncWorkers      int
	SyncJitter       float64
	DisableDetection bool
	AutoSync         bool
	SeedCollections  []string
	FreshnessWindow  time.Duration
}

// SyncCoordinator orchestrates full, incremental, and forced reconciliation
// and drives the two periodic activities (incremental sync and buffer
// drain). At most one reconciliation is in flight per collection; a full
// pass never runs concurrently with itself.
type SyncCoordinator struct {
	store     *RecordStore
	remote    RemoteSource
	detector  *DiscrepancyDetector
	buffer    *WriteBuffer
	publisher ChangePublisher
	quota     *QuotaAccountant
	logger    Logger
	stats     *engineStats
	now       func() time.Time
	rng       *rand.Rand

	batchSize        int
	syncInterval     time.Duration
	drainInterval    time.Duration
	syncWorkers      int
	syncJitter       float64
	disableDetection bool
	autoSync         bool
	freshnessWindow  time.Duration

	mu           sync.Mutex
	inflight     map[string]struct{}
	fullRunning  bool
	lastSyncTime time.Time
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

func NewSyncCoordinator(opts CoordinatorOptions) (*SyncCoordinator, error) {
	if opts.Store == nil || opts.Remote == nil || opts.Detector == nil || opts.Buffer == nil {
		return nil, ErrInvalidInput
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	syncInterval := opts.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 5 * time.Minute
	}
	drainInterval := opts.DrainInterval
	if drainInterval <= 0 {
		drainInterval = 5 * time.Second
	}
	syncWorkers := opts.SyncWorkers
	if syncWorkers <= 0 {
		syncWorkers = 4
	}
	jitter := clampJitterRatio(opts.SyncJitter)
	freshnessWindow := opts.FreshnessWindow
	if freshnessWindow <= 0 {
		freshnessWindow = 10 * time.Minute
	}
	for _, collectionID := range opts.SeedCollections {
		opts.Store.EnsureCollection(collectionID)
	}
	return &SyncCoordinator{
		store:            opts.Store,
		remote:           opts.Remote,
		detector:         opts.Detector,
		buffer:           opts.Buffer,
		publisher:        opts.Publisher,
		quota:            opts.Quota,
		logger:           opts.Logger,
		stats:            newEngineStats(),
		now:              time.Now,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		batchSize:        batchSize,
		syncInterval:     syncInterval,
		drainInterval:    drainInterval,
		syncWorkers:      syncWorkers,
		syncJitter:       jitter,
		disableDetection: opts.DisableDetection,
		autoSync:         opts.AutoSync,
		freshnessWindow:  freshnessWindow,
		inflight:         map[string]struct{}{},
	}, nil
}

// RunFull reconciles every known collection. A second concurrent caller
// gets ErrSyncAlreadyRunning without touching state. Quota exhaustion halts
// the pass; unfetched collections keep their previous contents.
func (c *SyncCoordinator) RunFull(ctx context.Context) error {
	c.mu.Lock()
	if c.fullRunning {
		c.mu.Unlock()
		return ErrSyncAlreadyRunning
	}
	c.fullRunning = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.fullRunning = false
		c.mu.Unlock()
	}()

	c.stats.syncAttempted()
	var firstErr error
	for _, collectionID := range c.store.Collections() {
		err := c.syncCollection(ctx, collectionID)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrSyncAlreadyRunning) {
			// A forced sync owns this collection right now; its result
			// supersedes ours.
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if errors.Is(err, ErrQuotaExhausted) {
			c.logf("full sync halted by quota exhaustion at %s", collectionID)
			break
		}
		c.logf("full sync of %s failed: %v", collectionID, err)
	}
	return c.finishPass(firstErr)
}

// RunIncremental reconciles the collections the detector marks STALE,
// DIVERGENT, or UNKNOWN; FRESH collections are skipped. With detection
// disabled every known collection is reconciled. Collections proceed in
// parallel up to the worker pool size.
func (c *SyncCoordinator) RunIncremental(ctx context.Context) error {
	c.stats.syncAttempted()

	targets := make([]string, 0)
	for _, collectionID := range c.store.Collections() {
		if c.disableDetection {
			targets = append(targets, collectionID)
			continue
		}
		status, err := c.detector.Evaluate(ctx, collectionID)
		if err != nil {
			c.logf("evaluate %s: %v", collectionID, err)
		}
		if status != FreshnessFresh {
			targets = append(targets, collectionID)
		}
	}
	sort.Strings(targets)

	var (
		wg             sync.WaitGroup
		errMu          sync.Mutex
		firstErr       error
		quotaExhausted atomic.Bool
	)
	sem := make(chan struct{}, c.syncWorkers)
	for _, collectionID := range targets {
		if quotaExhausted.Load() {
			break
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return c.finishPass(ctx.Err())
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			err := c.syncCollection(ctx, id)
			if err == nil || errors.Is(err, ErrSyncAlreadyRunning) {
				return
			}
			if errors.Is(err, ErrQuotaExhausted) {
				quotaExhausted.Store(true)
			}
			c.logf("incremental sync of %s failed: %v", id, err)
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
		}(collectionID)
	}
	wg.Wait()
	return c.finishPass(firstErr)
}

// ForceSync reconciles one collection regardless of freshness. The
// collection must have been seen before (seeded or discovered by a sync).
func (c *SyncCoordinator) ForceSync(ctx context.Context, collectionID string) error {
	if _, known := c.store.Index(collectionID); !known {
		return ErrUnknownCollection
	}
	c.stats.syncAttempted()
	return c.finishPass(c.syncCollection(ctx, collectionID))
}

func (c *SyncCoordinator) finishPass(err error) error {
	if err != nil {
		c.stats.syncFailed()
		return err
	}
	c.stats.syncSucceeded()
	c.mu.Lock()
	c.lastSyncTime = c.now()
	c.mu.Unlock()
	return nil
}

// syncCollection is the shared reconciliation core: fetch every page, then
// replace the collection atomically. A fetch failure leaves the previous
// contents intact.
func (c *SyncCoordinator) syncCollection(ctx context.Context, collectionID string) error {
	c.mu.Lock()
	if _, busy := c.inflight[collectionID]; busy {
		c.mu.Unlock()
		return ErrSyncAlreadyRunning
	}
	c.inflight[collectionID] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, collectionID)
		c.mu.Unlock()
	}()

	var remote []RemoteRecord
	cursor := ""
	for {
		page, err := c.remote.ListRecords(ctx, collectionID, cursor, c.batchSize)
		if err != nil {
			return err
		}
		remote = append(remote, page.Records...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	result, err := c.store.Reconcile(collectionID, remote, c.now())
	if err != nil {
		return err
	}
	c.stats.recordReconcile(result)
	if c.publisher != nil {
		for _, event := range result.Events {
			c.publisher.Publish(event)
		}
	}
	if result.Added+result.Updated+result.Removed > 0 {
		c.logf("reconciled %s: +%d ~%d -%d", collectionID, result.Added, result.Updated, result.Removed)
	}
	return nil
}

func (c *SyncCoordinator) Status() StatusSnapshot {
	c.mu.Lock()
	running := c.running
	lastSync := c.lastSyncTime
	c.mu.Unlock()

	stats := c.stats.snapshot()
	bufferStats := c.buffer.Stats()
	stats.MutationsEnqueued = bufferStats.Enqueued
	stats.MutationsApplied = bufferStats.Applied
	stats.MutationsFailed = bufferStats.Failed
	stats.QuotaDeferrals += bufferStats.QuotaDeferrals

	remaining, windowEnd := c.quota.Remaining()
	return StatusSnapshot{
		IsRunning: running,
		Config: ConfigSnapshot{
			SyncInterval:        c.syncInterval,
			DrainInterval:       c.drainInterval,
			BatchSize:           c.batchSize,
			MaxRetries:          c.buffer.maxRetries,
			SyncWorkers:         c.syncWorkers,
			AutoSync:            c.autoSync,
			DetectDiscrepancies: !c.disableDetection,
			FreshnessWindow:     c.freshnessWindow,
		},
		Stats:          stats,
		LastSyncTime:   lastSync,
		QuotaRemaining: remaining,
		QuotaWindowEnd: windowEnd,
	}
}

// Start launches the incremental-sync and buffer-drain loops. Idempotent.
func (c *SyncCoordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.wg.Add(2)
	go c.incrementalLoop(c.stopCh)
	go c.drainLoop(c.stopCh)
}

// Stop prevents new passes and drains from starting and waits for any
// in-flight pass to finish. Idempotent and safe from any goroutine.
func (c *SyncCoordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *SyncCoordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *SyncCoordinator) incrementalLoop(stopCh <-chan struct{}) {
	defer c.wg.Done()
	timer := time.NewTimer(c.jitteredInterval())
	defer timer.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			if err := c.RunIncremental(context.Background()); err != nil {
				c.logf("scheduled incremental sync failed: %v", err)
			}
			timer.Reset(c.jitteredInterval())
		}
	}
}

func (c *SyncCoordinator) drainLoop(stopCh <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := c.buffer.Drain(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
				c.logf("scheduled drain failed: %v", err)
			}
		}
	}
}

func (c *SyncCoordinator) jitteredInterval() time.Duration {
	c.mu.Lock()
	sample := c.rng.Float64()
	c.mu.Unlock()
	return jitteredIntervalWithSample(c.syncInterval, c.syncJitter, sample)
}

func (c *SyncCoordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
