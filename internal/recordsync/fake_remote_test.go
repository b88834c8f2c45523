package recordsync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// fakeRemote is the in-memory stand-in for the remote record store used
// across the package tests. Hooks override individual calls; otherwise it
// serves and mutates its own data.
type fakeRemote struct {
	mu          sync.Mutex
	collections map[string][]RemoteRecord
	nextID      int

	listFn   func(ctx context.Context, collectionID, cursor string, pageSize int) (RemotePage, error)
	createFn func(ctx context.Context, collectionID string, fields map[string]any) (RemoteRecord, error)
	updateFn func(ctx context.Context, collectionID, recordID string, fields map[string]any) (RemoteRecord, error)

	listCalls   int
	createCalls int
	updateCalls int
	updatedIDs  []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{collections: map[string][]RemoteRecord{}}
}

func (f *fakeRemote) seed(collectionID string, records ...RemoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[collectionID] = append([]RemoteRecord(nil), records...)
}

func (f *fakeRemote) ListRecords(ctx context.Context, collectionID, cursor string, pageSize int) (RemotePage, error) {
	f.mu.Lock()
	f.listCalls++
	hook := f.listFn
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, collectionID, cursor, pageSize)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	records := f.collections[collectionID]
	start := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return RemotePage{}, fmt.Errorf("bad cursor %q", cursor)
		}
		start = parsed
	}
	if pageSize <= 0 {
		pageSize = len(records)
	}
	end := start + pageSize
	if end > len(records) {
		end = len(records)
	}
	page := RemotePage{
		Records:    append([]RemoteRecord(nil), records[start:end]...),
		TotalCount: len(records),
	}
	if end < len(records) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeRemote) GetRecord(ctx context.Context, collectionID, recordID string) (RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.collections[collectionID] {
		if record.RecordID == recordID {
			return record, nil
		}
	}
	return RemoteRecord{}, ErrNotFound
}

func (f *fakeRemote) CreateRecord(ctx context.Context, collectionID string, fields map[string]any) (RemoteRecord, error) {
	f.mu.Lock()
	f.createCalls++
	hook := f.createFn
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, collectionID, fields)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	created := RemoteRecord{
		RecordID: fmt.Sprintf("rem_%d", f.nextID),
		Fields:   fields,
	}
	f.collections[collectionID] = append(f.collections[collectionID], created)
	return created, nil
}

func (f *fakeRemote) UpdateRecord(ctx context.Context, collectionID, recordID string, fields map[string]any) (RemoteRecord, error) {
	f.mu.Lock()
	f.updateCalls++
	hook := f.updateFn
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, collectionID, recordID, fields)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatedIDs = append(f.updatedIDs, recordID)
	records := f.collections[collectionID]
	for i, record := range records {
		if record.RecordID == recordID {
			records[i].Fields = fields
			return records[i], nil
		}
	}
	return RemoteRecord{}, &RemoteError{StatusCode: 404, Code: "not_found", Message: "record not found"}
}

// capturePublisher records change events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (p *capturePublisher) Publish(event ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) byType(eventType string) []ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChangeEvent, 0, len(p.events))
	for _, event := range p.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
