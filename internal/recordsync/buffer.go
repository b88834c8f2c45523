package recordsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type BufferStats struct {
	Enqueued       uint64 `json:"enqueued"`
	Applied        uint64 `json:"applied"`
	Failed         uint64 `json:"failed"`
	QuotaDeferrals uint64 `json:"quotaDeferrals"`
}

type MutationRequest struct {
	MutationID   string         `json:"mutationId,omitempty"`
	CollectionID string         `json:"collectionId"`
	RecordID     string         `json:"recordId,omitempty"`
	Payload      map[string]any `json:"payload"`
}

type WriteBufferOptions struct {
	Store       *RecordStore
	Remote      RemoteSource
	Schemas     *SchemaRegistry
	Quota       *QuotaAccountant
	Publisher   ChangePublisher
	Logger      Logger
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Concurrency int
}

// WriteBuffer queues locally-originated mutations for the remote source.
// Each mutation is applied to the cache optimistically at enqueue time and
// replayed against the remote source by Drain until accepted, rejected, or
// out of retries. A mutation is never silently dropped: the terminal state
// stays observable until acknowledged.
//
// Accepted race: a reconciliation pass may overwrite the optimistic value
// of a mutation that is still in flight; the next successful drain-apply
// re-asserts it, and remote state dominates once the mutation is APPLIED.
type WriteBuffer struct {
	store       *RecordStore
	remote      RemoteSource
	schemas     *SchemaRegistry
	quota       *QuotaAccountant
	publisher   ChangePublisher
	logger      Logger
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	concurrency int
	now         func() time.Time

	statsMu sync.Mutex
	stats   BufferStats

	// appliedIndex remembers mutation ids already applied this process so a
	// re-submission after cleanup still has at most one logical effect.
	appliedMu    sync.Mutex
	appliedIndex map[string]time.Time
}

func NewWriteBuffer(opts WriteBufferOptions) (*WriteBuffer, error) {
	if opts.Store == nil || opts.Remote == nil {
		return nil, ErrInvalidInput
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &WriteBuffer{
		store:        opts.Store,
		remote:       opts.Remote,
		schemas:      opts.Schemas,
		quota:        opts.Quota,
		publisher:    opts.Publisher,
		logger:       opts.Logger,
		maxRetries:   maxRetries,
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		concurrency:  concurrency,
		now:          time.Now,
		appliedIndex: map[string]time.Time{},
	}, nil
}

// Enqueue validates, dedupes, optimistically applies, and persists a
// mutation. Re-submitting an identical request (same caller id, or same
// derived id) returns the existing mutation without a second effect.
func (b *WriteBuffer) Enqueue(req MutationRequest) (BufferedMutation, error) {
	collectionID := strings.TrimSpace(req.CollectionID)
	if collectionID == "" || req.Payload == nil {
		return BufferedMutation{}, ErrInvalidInput
	}
	if err := b.schemas.Validate(collectionID, req.Payload); err != nil {
		return BufferedMutation{}, err
	}

	mutationID := strings.TrimSpace(req.MutationID)
	if mutationID == "" {
		derived, err := deriveMutationID(collectionID, req.RecordID, req.Payload)
		if err != nil {
			return BufferedMutation{}, err
		}
		mutationID = derived
	}

	if existing, ok := b.store.mutationByID(mutationID); ok {
		return existing, nil
	}
	b.appliedMu.Lock()
	_, alreadyApplied := b.appliedIndex[mutationID]
	b.appliedMu.Unlock()
	if alreadyApplied {
		return BufferedMutation{MutationID: mutationID, CollectionID: collectionID, RecordID: req.RecordID, Status: MutationApplied}, nil
	}

	now := b.now()
	mutation := BufferedMutation{
		MutationID:    mutationID,
		CollectionID:  collectionID,
		RecordID:      strings.TrimSpace(req.RecordID),
		Payload:       req.Payload,
		Status:        MutationPending,
		NextAttemptAt: now,
		EnqueuedAt:    now,
	}
	targetID := mutation.RecordID
	if targetID == "" {
		mutation.ProvisionalRecordID = "pending_" + strings.TrimPrefix(mutationID, "mut_")
		targetID = mutation.ProvisionalRecordID
	}

	record, err := b.store.applyOptimistic(collectionID, targetID, req.Payload)
	if err != nil {
		return BufferedMutation{}, err
	}
	if err := b.store.appendMutation(mutation); err != nil {
		if errors.Is(err, ErrInvalidState) {
			if existing, ok := b.store.mutationByID(mutationID); ok {
				return existing, nil
			}
		}
		return BufferedMutation{}, err
	}

	b.statsMu.Lock()
	b.stats.Enqueued++
	b.statsMu.Unlock()
	b.publish(ChangeEvent{
		Type:         ChangeRecordUpdated,
		CollectionID: collectionID,
		RecordID:     targetID,
		Version:      record.Version,
		Origin:       ChangeOriginMutation,
		Timestamp:    now,
	})
	return mutation, nil
}

// Drain attempts every due PENDING mutation. Mutations for the same record
// apply strictly in enqueue order; distinct records proceed in parallel up
// to the configured concurrency. Quota exhaustion defers the remainder of
// the pass to the window end without consuming attempts.
func (b *WriteBuffer) Drain(ctx context.Context) error {
	now := b.now()
	due := b.dueMutations(now)
	if len(due) == 0 {
		return nil
	}

	var quotaExhausted atomic.Bool
	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	attempted := make(map[string]struct{}, len(due))

	for _, mutation := range due {
		if quotaExhausted.Load() {
			break
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		attempted[mutation.MutationID] = struct{}{}
		wg.Add(1)
		go func(m BufferedMutation) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := b.attempt(ctx, m); errors.Is(err, ErrQuotaExhausted) {
				quotaExhausted.Store(true)
			}
		}(mutation)
	}
	wg.Wait()

	if quotaExhausted.Load() {
		b.deferRemaining(due, attempted)
	}
	return nil
}

func (b *WriteBuffer) dueMutations(now time.Time) []BufferedMutation {
	all := b.store.listMutations("")
	blocked := map[string]struct{}{}
	due := make([]BufferedMutation, 0, len(all))
	for _, mutation := range all {
		key := mutationKey(mutation)
		_, isBlocked := blocked[key]
		switch {
		case mutation.Status == MutationInFlight:
			blocked[key] = struct{}{}
		case mutation.Status != MutationPending:
			// applied or terminal: never blocks later work
		case isBlocked:
			// an earlier mutation for this record must land first
		case mutation.NextAttemptAt.After(now):
			blocked[key] = struct{}{}
		default:
			due = append(due, mutation)
			blocked[key] = struct{}{}
		}
	}
	return due
}

func (b *WriteBuffer) attempt(ctx context.Context, mutation BufferedMutation) error {
	mutation.Status = MutationInFlight
	if err := b.store.updateMutation(mutation); err != nil {
		return err
	}

	applyErr := b.apply(ctx, &mutation)
	now := b.now()

	switch {
	case applyErr == nil:
		b.appliedMu.Lock()
		b.appliedIndex[mutation.MutationID] = now
		b.appliedMu.Unlock()
		if err := b.store.removeMutation(mutation.MutationID); err != nil {
			b.logf("applied mutation %s cleanup failed: %v", mutation.MutationID, err)
		}
		b.statsMu.Lock()
		b.stats.Applied++
		b.statsMu.Unlock()
		return nil

	case errors.Is(applyErr, ErrQuotaExhausted):
		// Deferred, not failed: the attempt does not count.
		mutation.Status = MutationPending
		mutation.NextAttemptAt = b.deferUntil(now)
		if err := b.store.updateMutation(mutation); err != nil {
			b.logf("quota deferral persist failed for %s: %v", mutation.MutationID, err)
		}
		b.statsMu.Lock()
		b.stats.QuotaDeferrals++
		b.statsMu.Unlock()
		return applyErr

	case errors.Is(applyErr, context.Canceled):
		mutation.Status = MutationPending
		if err := b.store.updateMutation(mutation); err != nil {
			b.logf("cancel revert persist failed for %s: %v", mutation.MutationID, err)
		}
		return applyErr

	case errors.Is(applyErr, ErrRemoteRejected):
		mutation.Status = MutationFailedTerminal
		mutation.LastError = applyErr.Error()
		if err := b.store.updateMutation(mutation); err != nil {
			b.logf("terminal persist failed for %s: %v", mutation.MutationID, err)
		}
		b.statsMu.Lock()
		b.stats.Failed++
		b.statsMu.Unlock()
		b.logf("mutation %s rejected by remote: %v", mutation.MutationID, applyErr)
		return applyErr

	default:
		mutation.Attempts++
		mutation.LastError = applyErr.Error()
		if mutation.Attempts >= b.maxRetries {
			mutation.Status = MutationFailedTerminal
			b.statsMu.Lock()
			b.stats.Failed++
			b.statsMu.Unlock()
			b.logf("mutation %s exhausted %d attempts: %v", mutation.MutationID, mutation.Attempts, applyErr)
		} else {
			mutation.Status = MutationPending
			mutation.NextAttemptAt = now.Add(b.backoff(mutation.Attempts))
		}
		if err := b.store.updateMutation(mutation); err != nil {
			b.logf("retry persist failed for %s: %v", mutation.MutationID, err)
		}
		return applyErr
	}
}

func (b *WriteBuffer) apply(ctx context.Context, mutation *BufferedMutation) error {
	now := b.now()
	if mutation.ProvisionalRecordID != "" {
		created, err := b.remote.CreateRecord(ctx, mutation.CollectionID, mutation.Payload)
		if err != nil {
			return err
		}
		promoted, err := b.store.promoteProvisional(mutation.CollectionID, mutation.ProvisionalRecordID, created, now)
		if err != nil {
			return err
		}
		b.publish(ChangeEvent{
			Type:         ChangeRecordAdded,
			CollectionID: mutation.CollectionID,
			RecordID:     promoted.RecordID,
			Version:      promoted.Version,
			Origin:       ChangeOriginMutation,
			Timestamp:    now,
		})
		return nil
	}

	if _, err := b.remote.UpdateRecord(ctx, mutation.CollectionID, mutation.RecordID, mutation.Payload); err != nil {
		return err
	}
	// Drain-apply wins over any interleaved reconciliation overwrite.
	record, err := b.store.applyOptimistic(mutation.CollectionID, mutation.RecordID, mutation.Payload)
	if err != nil {
		return err
	}
	b.store.confirmSynced(mutation.CollectionID, mutation.RecordID, now)
	b.publish(ChangeEvent{
		Type:         ChangeRecordUpdated,
		CollectionID: mutation.CollectionID,
		RecordID:     mutation.RecordID,
		Version:      record.Version,
		Origin:       ChangeOriginMutation,
		Timestamp:    now,
	})
	return nil
}

func (b *WriteBuffer) deferRemaining(due []BufferedMutation, attempted map[string]struct{}) {
	deadline := b.deferUntil(b.now())
	for _, mutation := range due {
		if _, ok := attempted[mutation.MutationID]; ok {
			continue
		}
		current, ok := b.store.mutationByID(mutation.MutationID)
		if !ok || current.Status != MutationPending {
			continue
		}
		current.NextAttemptAt = deadline
		if err := b.store.updateMutation(current); err != nil {
			b.logf("quota deferral persist failed for %s: %v", current.MutationID, err)
		}
		b.statsMu.Lock()
		b.stats.QuotaDeferrals++
		b.statsMu.Unlock()
	}
}

func (b *WriteBuffer) deferUntil(now time.Time) time.Time {
	if end := b.quota.WindowEnd(); end.After(now) {
		return end
	}
	return now.Add(b.maxBackoff)
}

func (b *WriteBuffer) backoff(attempts int) time.Duration {
	delay := b.baseBackoff
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= b.maxBackoff {
			return b.maxBackoff
		}
	}
	return delay
}

// Acknowledge removes a terminal mutation from the persisted list.
func (b *WriteBuffer) Acknowledge(mutationID string) error {
	mutation, ok := b.store.mutationByID(mutationID)
	if !ok {
		return ErrNotFound
	}
	if mutation.Status != MutationFailedTerminal && mutation.Status != MutationApplied {
		return fmt.Errorf("%w: mutation %s is %s", ErrInvalidState, mutationID, mutation.Status)
	}
	return b.store.removeMutation(mutationID)
}

func (b *WriteBuffer) List(status MutationStatus) []BufferedMutation {
	return b.store.listMutations(status)
}

func (b *WriteBuffer) Get(mutationID string) (BufferedMutation, error) {
	mutation, ok := b.store.mutationByID(mutationID)
	if !ok {
		return BufferedMutation{}, ErrNotFound
	}
	return mutation, nil
}

func (b *WriteBuffer) Stats() BufferStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

func (b *WriteBuffer) publish(event ChangeEvent) {
	if b.publisher == nil {
		return
	}
	b.publisher.Publish(event)
}

func (b *WriteBuffer) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}

func mutationKey(mutation BufferedMutation) string {
	recordID := mutation.RecordID
	if recordID == "" {
		recordID = mutation.ProvisionalRecordID
	}
	return mutation.CollectionID + "\x00" + recordID
}
