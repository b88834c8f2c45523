package recordsync

import (
	"context"
	"errors"
	"time"
)

type Freshness string

const (
	FreshnessFresh     Freshness = "FRESH"
	FreshnessStale     Freshness = "STALE"
	FreshnessDivergent Freshness = "DIVERGENT"
	FreshnessUnknown   Freshness = "UNKNOWN"
)

type DiscrepancyEntry struct {
	CollectionID string    `json:"collectionId"`
	CachedCount  int       `json:"cachedCount"`
	RemoteCount  int       `json:"remoteCount"`
	Status       Freshness `json:"status"`
}

type DetectorOptions struct {
	Store           *RecordStore
	Remote          RemoteSource
	FreshnessWindow time.Duration
	Logger          Logger
}

// DiscrepancyDetector classifies collections by comparing cache metadata
// against a cheap remote count probe. Pure read: it mutates nothing, and the
// probe is its only remote call.
type DiscrepancyDetector struct {
	store           *RecordStore
	remote          RemoteSource
	freshnessWindow time.Duration
	logger          Logger
	now             func() time.Time
}

func NewDiscrepancyDetector(opts DetectorOptions) *DiscrepancyDetector {
	window := opts.FreshnessWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &DiscrepancyDetector{
		store:           opts.Store,
		remote:          opts.Remote,
		freshnessWindow: window,
		logger:          opts.Logger,
		now:             time.Now,
	}
}

func (d *DiscrepancyDetector) Evaluate(ctx context.Context, collectionID string) (Freshness, error) {
	status, _, err := d.evaluate(ctx, collectionID)
	return status, err
}

func (d *DiscrepancyDetector) evaluate(ctx context.Context, collectionID string) (Freshness, int, error) {
	index, known := d.store.Index(collectionID)
	if !known || index.IndexUpdatedAt.IsZero() {
		return FreshnessUnknown, -1, nil
	}
	cachedCount := d.store.Count(collectionID)
	age := d.now().Sub(index.IndexUpdatedAt)
	withinWindow := age < d.freshnessWindow

	if withinWindow && cachedCount == index.ExpectedCount {
		return FreshnessFresh, -1, nil
	}

	page, err := d.remote.ListRecords(ctx, collectionID, "", 1)
	if err != nil {
		// Quota exhaustion downgrades to the time-based classification
		// rather than spending attention we don't have.
		if errors.Is(err, ErrQuotaExhausted) {
			if withinWindow {
				return FreshnessFresh, -1, nil
			}
			return FreshnessStale, -1, nil
		}
		d.logf("count probe failed for %s: %v", collectionID, err)
		return FreshnessStale, -1, err
	}

	if page.TotalCount != cachedCount {
		return FreshnessDivergent, page.TotalCount, nil
	}
	if withinWindow {
		return FreshnessFresh, page.TotalCount, nil
	}
	return FreshnessStale, page.TotalCount, nil
}

// Report evaluates every known collection for the operator discrepancy
// endpoint. Probe failures surface as STALE entries, never as a failed
// report.
func (d *DiscrepancyDetector) Report(ctx context.Context) []DiscrepancyEntry {
	collections := d.store.Collections()
	entries := make([]DiscrepancyEntry, 0, len(collections))
	for _, collectionID := range collections {
		status, remoteCount, err := d.evaluate(ctx, collectionID)
		if err != nil {
			d.logf("discrepancy evaluation for %s: %v", collectionID, err)
		}
		entries = append(entries, DiscrepancyEntry{
			CollectionID: collectionID,
			CachedCount:  d.store.Count(collectionID),
			RemoteCount:  remoteCount,
			Status:       status,
		})
	}
	return entries
}

func (d *DiscrepancyDetector) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
