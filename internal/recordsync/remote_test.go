package recordsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRemote(t *testing.T, handler http.Handler) (*HTTPRemoteSource, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	source := NewHTTPRemoteSource(HTTPRemoteSourceOptions{
		BaseURL:    server.URL,
		Token:      "secret-token",
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	return source, server
}

func TestListRecordsRequestShape(t *testing.T) {
	var gotPath, gotAuth, gotCursor, gotPageSize string
	source, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCursor = r.URL.Query().Get("cursor")
		gotPageSize = r.URL.Query().Get("pageSize")
		_ = json.NewEncoder(w).Encode(RemotePage{
			Records:    []RemoteRecord{{RecordID: "t1"}},
			NextCursor: "abc",
			TotalCount: 10,
		})
	}))

	page, err := source.ListRecords(context.Background(), "tasks", "cur", 25)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if gotPath != "/v1/collections/tasks/records" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotCursor != "cur" || gotPageSize != "25" {
		t.Fatalf("query not forwarded: cursor=%q pageSize=%q", gotCursor, gotPageSize)
	}
	if len(page.Records) != 1 || page.NextCursor != "abc" || page.TotalCount != 10 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestDoJSONRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	source, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(RemoteRecord{RecordID: "t1"})
	}))

	record, err := source.GetRecord(context.Background(), "tasks", "t1")
	if err != nil {
		t.Fatalf("GetRecord should succeed after retries: %v", err)
	}
	if record.RecordID != "t1" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestDoJSONServerErrorExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	source, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := source.GetRecord(context.Background(), "tasks", "t1")
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected maxRetries+1 attempts, got %d", hits.Load())
	}
}

func TestDoJSONThrottleMapsToQuotaExhausted(t *testing.T) {
	source, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := source.GetRecord(context.Background(), "tasks", "t1")
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted, got %v", err)
	}
}

func TestDoJSONRejectionCarriesRemoteError(t *testing.T) {
	source, _ := newTestRemote(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "bad_field", "message": "title required"})
	}))

	_, err := source.CreateRecord(context.Background(), "tasks", map[string]any{})
	if !errors.Is(err, ErrRemoteRejected) {
		t.Fatalf("expected ErrRemoteRejected, got %v", err)
	}
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	if remoteErr.StatusCode != http.StatusUnprocessableEntity || remoteErr.Code != "bad_field" {
		t.Fatalf("unexpected remote error: %+v", remoteErr)
	}
}

func TestDoJSONQuotaReserveShortCircuits(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(RemotePage{})
	}))
	t.Cleanup(server.Close)
	quota := NewQuotaAccountant(1, time.Hour)
	source := NewHTTPRemoteSource(HTTPRemoteSourceOptions{
		BaseURL: server.URL,
		Quota:   quota,
	})

	if _, err := source.ListRecords(context.Background(), "tasks", "", 1); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if _, err := source.ListRecords(context.Background(), "tasks", "", 1); !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted before the wire, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("exhausted call must not hit the remote, got %d hits", hits.Load())
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if got := parseRetryAfter("7"); got != 7*time.Second {
		t.Fatalf("expected 7s, got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("empty header should be 0, got %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Fatalf("unparseable header should be 0, got %v", got)
	}
}

func TestRetryDelayHonorsCapAndHeader(t *testing.T) {
	source := NewHTTPRemoteSource(HTTPRemoteSourceOptions{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	})
	if got := source.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("first delay should be the base, got %v", got)
	}
	if got := source.retryDelay(2, ""); got != 200*time.Millisecond {
		t.Fatalf("second delay should double, got %v", got)
	}
	if got := source.retryDelay(10, ""); got != time.Second {
		t.Fatalf("delay should cap at max, got %v", got)
	}
	if got := source.retryDelay(1, "30"); got != time.Second {
		t.Fatalf("Retry-After should also cap at max, got %v", got)
	}
}
