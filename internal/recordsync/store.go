package recordsync

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrUnknownCollection  = errors.New("unknown collection")
	ErrSyncAlreadyRunning = errors.New("sync already running")
	ErrRemoteUnavailable  = errors.New("remote unavailable")
	ErrRemoteRejected     = errors.New("remote rejected")
	ErrQuotaExhausted     = errors.New("quota exhausted")
	ErrTimeout            = errors.New("timeout")
	ErrStoreIO            = errors.New("store io failure")
	ErrNotImplemented     = errors.New("not implemented")
)

type Logger interface {
	Printf(format string, args ...any)
}

type MutationStatus string

const (
	MutationPending        MutationStatus = "PENDING"
	MutationInFlight       MutationStatus = "IN_FLIGHT"
	MutationApplied        MutationStatus = "APPLIED"
	MutationFailedTerminal MutationStatus = "FAILED_TERMINAL"
)

// Record is one cached remote entity. Version is bumped on every write,
// local or remote; callers never set it directly. LastSyncedAt is the last
// time the cache and the remote source were confirmed to agree on it.
type Record struct {
	CollectionID string         `json:"collectionId"`
	RecordID     string         `json:"recordId"`
	Fields       map[string]any `json:"fields"`
	Version      int64          `json:"version"`
	LastSyncedAt time.Time      `json:"lastSyncedAt"`
}

type CollectionIndex struct {
	CollectionID   string    `json:"collectionId"`
	RecordIDs      []string  `json:"recordIds"`
	ExpectedCount  int       `json:"expectedCount"`
	IndexUpdatedAt time.Time `json:"indexUpdatedAt"`
}

type BufferedMutation struct {
	MutationID    string         `json:"mutationId"`
	CollectionID  string         `json:"collectionId"`
	RecordID      string         `json:"recordId,omitempty"`
	Payload       map[string]any `json:"payload"`
	Status        MutationStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"nextAttemptAt"`
	EnqueuedAt    time.Time      `json:"enqueuedAt"`
	LastError     string         `json:"lastError,omitempty"`

	// ProvisionalRecordID names the optimistic cache entry created for a
	// mutation that targets a record the remote source has not assigned an
	// id to yet. Replaced by the remote id once the create is applied.
	ProvisionalRecordID string `json:"provisionalRecordId,omitempty"`
}

type ChangeEvent struct {
	Type         string    `json:"type"`
	CollectionID string    `json:"collectionId"`
	RecordID     string    `json:"recordId"`
	Version      int64     `json:"version"`
	Origin       string    `json:"origin"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	ChangeRecordAdded   = "record.added"
	ChangeRecordUpdated = "record.updated"
	ChangeRecordRemoved = "record.removed"

	ChangeOriginSync     = "sync"
	ChangeOriginMutation = "mutation"
)

// ChangePublisher receives cache change notifications. Publishing is
// fire-and-forget: a failed or slow publisher never rolls back the cache
// mutation that produced the event.
type ChangePublisher interface {
	Publish(event ChangeEvent)
}

type persistedState struct {
	Records     map[string]map[string]Record `json:"records"`
	Collections map[string]CollectionIndex   `json:"collections"`
	Mutations   []BufferedMutation           `json:"mutations"`
}

type RecordStoreOptions struct {
	Backend StateBackend
	Logger  Logger
	OnSave  func()
}

// RecordStore is the local cache: one entry per remote record plus one
// index per collection, and the persisted buffered-mutation list (owned by
// the WriteBuffer; accessed here only through the mutation helpers).
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
	indexes map[string]CollectionIndex

	mutations     map[string]BufferedMutation
	mutationOrder []string

	backend StateBackend
	logger  Logger
	onSave  func()
	now     func() time.Time
}

func NewRecordStore(opts RecordStoreOptions) (*RecordStore, error) {
	s := &RecordStore{
		records:   map[string]map[string]Record{},
		indexes:   map[string]CollectionIndex{},
		mutations: map[string]BufferedMutation{},
		backend:   opts.Backend,
		logger:    opts.Logger,
		onSave:    opts.OnSave,
		now:       time.Now,
	}
	if err := s.loadFromBackend(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RecordStore) Get(collectionID, recordID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.records[collectionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	record, ok := byID[recordID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(record), nil
}

// ListByCollection returns records in index order. Index ids with no
// backing record are skipped; they are repaired on the next load.
func (s *RecordStore) ListByCollection(collectionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index, ok := s.indexes[collectionID]
	if !ok {
		return nil, ErrUnknownCollection
	}
	byID := s.records[collectionID]
	out := make([]Record, 0, len(index.RecordIDs))
	for _, id := range index.RecordIDs {
		if record, ok := byID[id]; ok {
			out = append(out, cloneRecord(record))
		}
	}
	return out, nil
}

func (s *RecordStore) Count(collectionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[collectionID])
}

func (s *RecordStore) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.indexes))
	for id := range s.indexes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *RecordStore) Index(collectionID string) (CollectionIndex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index, ok := s.indexes[collectionID]
	if !ok {
		return CollectionIndex{}, false
	}
	return cloneIndex(index), true
}

// Upsert writes a record and bumps its version. The stored version always
// wins over whatever the caller set on the argument.
func (s *RecordStore) Upsert(record Record) (Record, error) {
	if record.CollectionID == "" || record.RecordID == "" {
		return Record{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.upsertLocked(record)
	if err := s.saveLocked(); err != nil {
		return Record{}, err
	}
	return cloneRecord(stored), nil
}

func (s *RecordStore) upsertLocked(record Record) Record {
	byID, ok := s.records[record.CollectionID]
	if !ok {
		byID = map[string]Record{}
		s.records[record.CollectionID] = byID
	}
	previous, exists := byID[record.RecordID]
	if exists {
		record.Version = previous.Version + 1
	} else {
		record.Version = 1
	}
	record.Fields = cloneFields(record.Fields)
	byID[record.RecordID] = record

	index, ok := s.indexes[record.CollectionID]
	if !ok {
		index = CollectionIndex{CollectionID: record.CollectionID}
	}
	if !exists {
		index.RecordIDs = append(index.RecordIDs, record.RecordID)
	}
	s.indexes[record.CollectionID] = index
	return record
}

func (s *RecordStore) Remove(collectionID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.records[collectionID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byID[recordID]; !ok {
		return ErrNotFound
	}
	delete(byID, recordID)
	s.removeFromIndexLocked(collectionID, recordID)
	return s.saveLocked()
}

func (s *RecordStore) removeFromIndexLocked(collectionID, recordID string) {
	index, ok := s.indexes[collectionID]
	if !ok {
		return
	}
	ids := index.RecordIDs[:0]
	for _, id := range index.RecordIDs {
		if id != recordID {
			ids = append(ids, id)
		}
	}
	index.RecordIDs = ids
	s.indexes[collectionID] = index
}

// EnsureCollection registers an empty index for a collection the engine has
// been told about but not yet synced. Evaluates as UNKNOWN until a sync
// stamps IndexUpdatedAt.
func (s *RecordStore) EnsureCollection(collectionID string) {
	if collectionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[collectionID]; ok {
		return
	}
	s.indexes[collectionID] = CollectionIndex{CollectionID: collectionID}
}

type ReconcileResult struct {
	Added   int
	Updated int
	Removed int
	Events  []ChangeEvent
}

// Reconcile replaces a collection's contents with the freshly fetched
// remote list under one lock and one save. Remote state wins: payload
// differences overwrite the cached fields, ids absent from the remote list
// are removed. Records carrying the optimistic value of an unapplied local
// mutation may be overwritten here; the next successful drain re-asserts
// the mutation's value (accepted race, see WriteBuffer.Drain).
func (s *RecordStore) Reconcile(collectionID string, remote []RemoteRecord, now time.Time) (ReconcileResult, error) {
	if collectionID == "" {
		return ReconcileResult{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result ReconcileResult
	byID, ok := s.records[collectionID]
	if !ok {
		byID = map[string]Record{}
		s.records[collectionID] = byID
	}

	remoteIDs := make(map[string]struct{}, len(remote))
	orderedIDs := make([]string, 0, len(remote))
	for _, remoteRecord := range remote {
		if remoteRecord.RecordID == "" {
			continue
		}
		remoteIDs[remoteRecord.RecordID] = struct{}{}
		orderedIDs = append(orderedIDs, remoteRecord.RecordID)

		existing, exists := byID[remoteRecord.RecordID]
		switch {
		case !exists:
			byID[remoteRecord.RecordID] = Record{
				CollectionID: collectionID,
				RecordID:     remoteRecord.RecordID,
				Fields:       cloneFields(remoteRecord.Fields),
				Version:      1,
				LastSyncedAt: now,
			}
			result.Added++
			result.Events = append(result.Events, ChangeEvent{
				Type:         ChangeRecordAdded,
				CollectionID: collectionID,
				RecordID:     remoteRecord.RecordID,
				Version:      1,
				Origin:       ChangeOriginSync,
				Timestamp:    now,
			})
		case !fieldsEqual(existing.Fields, remoteRecord.Fields):
			existing.Fields = cloneFields(remoteRecord.Fields)
			existing.Version++
			existing.LastSyncedAt = now
			byID[remoteRecord.RecordID] = existing
			result.Updated++
			result.Events = append(result.Events, ChangeEvent{
				Type:         ChangeRecordUpdated,
				CollectionID: collectionID,
				RecordID:     remoteRecord.RecordID,
				Version:      existing.Version,
				Origin:       ChangeOriginSync,
				Timestamp:    now,
			})
		default:
			existing.LastSyncedAt = now
			byID[remoteRecord.RecordID] = existing
		}
	}

	for id, record := range byID {
		if _, ok := remoteIDs[id]; ok {
			continue
		}
		delete(byID, id)
		result.Removed++
		result.Events = append(result.Events, ChangeEvent{
			Type:         ChangeRecordRemoved,
			CollectionID: collectionID,
			RecordID:     id,
			Version:      record.Version,
			Origin:       ChangeOriginSync,
			Timestamp:    now,
		})
	}

	s.indexes[collectionID] = CollectionIndex{
		CollectionID:   collectionID,
		RecordIDs:      orderedIDs,
		ExpectedCount:  len(orderedIDs),
		IndexUpdatedAt: now,
	}

	if err := s.saveLocked(); err != nil {
		return ReconcileResult{}, err
	}
	sortEventsByRecordID(result.Events)
	return result, nil
}

// MarkUnverified zeroes every index timestamp so the next incremental pass
// re-evaluates all collections. Used when the persisted state is modified
// outside the process.
func (s *RecordStore) MarkUnverified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, index := range s.indexes {
		index.IndexUpdatedAt = time.Time{}
		s.indexes[id] = index
	}
}

// ReloadFromBackend discards in-memory state and reloads the backend
// snapshot. Callers coordinate with in-flight activity; the watcher only
// invokes this between passes.
func (s *RecordStore) ReloadFromBackend() error {
	return s.loadFromBackend()
}

func (s *RecordStore) mutationByID(mutationID string) (BufferedMutation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mutation, ok := s.mutations[mutationID]
	if !ok {
		return BufferedMutation{}, false
	}
	return cloneMutation(mutation), true
}

func (s *RecordStore) listMutations(status MutationStatus) []BufferedMutation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BufferedMutation, 0, len(s.mutationOrder))
	for _, id := range s.mutationOrder {
		mutation, ok := s.mutations[id]
		if !ok {
			continue
		}
		if status != "" && mutation.Status != status {
			continue
		}
		out = append(out, cloneMutation(mutation))
	}
	return out
}

func (s *RecordStore) appendMutation(mutation BufferedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mutations[mutation.MutationID]; exists {
		return ErrInvalidState
	}
	s.mutations[mutation.MutationID] = cloneMutation(mutation)
	s.mutationOrder = append(s.mutationOrder, mutation.MutationID)
	return s.saveLocked()
}

func (s *RecordStore) updateMutation(mutation BufferedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mutations[mutation.MutationID]; !exists {
		return ErrNotFound
	}
	s.mutations[mutation.MutationID] = cloneMutation(mutation)
	return s.saveLocked()
}

func (s *RecordStore) removeMutation(mutationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mutations[mutationID]; !exists {
		return ErrNotFound
	}
	delete(s.mutations, mutationID)
	order := s.mutationOrder[:0]
	for _, id := range s.mutationOrder {
		if id != mutationID {
			order = append(order, id)
		}
	}
	s.mutationOrder = order
	return s.saveLocked()
}

// applyOptimistic merges a mutation payload into the cached record (or
// creates it) so readers see the write before the remote round trip.
func (s *RecordStore) applyOptimistic(collectionID, recordID string, payload map[string]any) (Record, error) {
	if collectionID == "" || recordID == "" {
		return Record{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.getLocked(collectionID, recordID)
	merged := Record{
		CollectionID: collectionID,
		RecordID:     recordID,
		Fields:       map[string]any{},
	}
	if err == nil {
		merged.Fields = cloneFields(existing.Fields)
		merged.LastSyncedAt = existing.LastSyncedAt
	}
	for key, value := range payload {
		merged.Fields[key] = value
	}
	stored := s.upsertLocked(merged)
	if saveErr := s.saveLocked(); saveErr != nil {
		return Record{}, saveErr
	}
	return cloneRecord(stored), nil
}

// confirmSynced stamps LastSyncedAt after the remote source accepted a
// buffered mutation for the record.
func (s *RecordStore) confirmSynced(collectionID, recordID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.records[collectionID]
	if !ok {
		return
	}
	record, ok := byID[recordID]
	if !ok {
		return
	}
	record.LastSyncedAt = now
	byID[recordID] = record
	if err := s.saveLocked(); err != nil {
		s.logf("confirm sync persist failed for %s/%s: %v", collectionID, recordID, err)
	}
}

// promoteProvisional replaces an optimistic provisional record with the
// remote-assigned identity once a buffered create is accepted.
func (s *RecordStore) promoteProvisional(collectionID, provisionalID string, remote RemoteRecord, now time.Time) (Record, error) {
	if collectionID == "" || remote.RecordID == "" {
		return Record{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID, ok := s.records[collectionID]; ok {
		if _, exists := byID[provisionalID]; exists {
			delete(byID, provisionalID)
			s.removeFromIndexLocked(collectionID, provisionalID)
		}
	}
	stored := s.upsertLocked(Record{
		CollectionID: collectionID,
		RecordID:     remote.RecordID,
		Fields:       cloneFields(remote.Fields),
		LastSyncedAt: now,
	})
	if err := s.saveLocked(); err != nil {
		return Record{}, err
	}
	return cloneRecord(stored), nil
}

func (s *RecordStore) getLocked(collectionID, recordID string) (Record, error) {
	byID, ok := s.records[collectionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	record, ok := byID[recordID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (s *RecordStore) loadFromBackend() error {
	if s.backend == nil {
		return nil
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("%w: load state: %v", ErrStoreIO, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]map[string]Record{}
	s.indexes = map[string]CollectionIndex{}
	s.mutations = map[string]BufferedMutation{}
	s.mutationOrder = nil
	if snapshot == nil {
		return nil
	}
	for collectionID, byID := range snapshot.Records {
		clone := make(map[string]Record, len(byID))
		for id, record := range byID {
			clone[id] = cloneRecord(record)
		}
		s.records[collectionID] = clone
	}
	for collectionID, index := range snapshot.Collections {
		s.indexes[collectionID] = s.repairIndexLocked(collectionID, cloneIndex(index))
	}
	for _, mutation := range snapshot.Mutations {
		if mutation.MutationID == "" {
			continue
		}
		s.mutations[mutation.MutationID] = cloneMutation(mutation)
		s.mutationOrder = append(s.mutationOrder, mutation.MutationID)
	}
	return nil
}

// repairIndexLocked drops index ids that no longer resolve to a record.
// Orphaned ids are an anomaly to repair, not a crash condition.
func (s *RecordStore) repairIndexLocked(collectionID string, index CollectionIndex) CollectionIndex {
	byID := s.records[collectionID]
	repaired := index.RecordIDs[:0]
	orphans := 0
	for _, id := range index.RecordIDs {
		if _, ok := byID[id]; ok {
			repaired = append(repaired, id)
		} else {
			orphans++
		}
	}
	if orphans > 0 {
		s.logf("repaired %d orphaned index ids in collection %s", orphans, collectionID)
	}
	index.RecordIDs = repaired
	return index
}

func (s *RecordStore) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	snapshot := persistedState{
		Records:     map[string]map[string]Record{},
		Collections: map[string]CollectionIndex{},
	}
	for collectionID, byID := range s.records {
		clone := make(map[string]Record, len(byID))
		for id, record := range byID {
			clone[id] = cloneRecord(record)
		}
		snapshot.Records[collectionID] = clone
	}
	for collectionID, index := range s.indexes {
		snapshot.Collections[collectionID] = cloneIndex(index)
	}
	for _, id := range s.mutationOrder {
		if mutation, ok := s.mutations[id]; ok {
			snapshot.Mutations = append(snapshot.Mutations, cloneMutation(mutation))
		}
	}
	if err := s.backend.Save(&snapshot); err != nil {
		return fmt.Errorf("%w: save state: %v", ErrStoreIO, err)
	}
	if s.onSave != nil {
		s.onSave()
	}
	return nil
}

func (s *RecordStore) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *RecordStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func cloneRecord(record Record) Record {
	record.Fields = cloneFields(record.Fields)
	return record
}

func cloneIndex(index CollectionIndex) CollectionIndex {
	index.RecordIDs = append([]string(nil), index.RecordIDs...)
	return index
}

func cloneMutation(mutation BufferedMutation) BufferedMutation {
	mutation.Payload = cloneFields(mutation.Payload)
	return mutation
}

// cloneFields copies nested maps and slices too, so callers can mutate a
// returned record's Fields without reaching into the store's copy.
func cloneFields(fields map[string]any) map[string]any {
	clone := make(map[string]any, len(fields))
	for key, value := range fields {
		clone[key] = cloneFieldValue(value)
	}
	return clone
}

func cloneFieldValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneFields(typed)
	case []any:
		clone := make([]any, len(typed))
		for i, element := range typed {
			clone[i] = cloneFieldValue(element)
		}
		return clone
	default:
		return typed
	}
}

func sortEventsByRecordID(events []ChangeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Type != events[j].Type {
			return events[i].Type < events[j].Type
		}
		return events[i].RecordID < events[j].RecordID
	})
}
