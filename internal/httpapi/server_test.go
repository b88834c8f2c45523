package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/recordsync/internal/recordsync"
)

// fakeRemoteServer serves the remote record store API the engine syncs
// against. Records are keyed by collection and served in insertion order.
type fakeRemoteServer struct {
	records map[string][]recordsync.RemoteRecord
	nextID  int
}

func (f *fakeRemoteServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
		// /v1/collections/{id}/records[/{recordId}]
		if len(parts) < 4 || parts[0] != "v1" || parts[1] != "collections" || parts[3] != "records" {
			http.NotFound(w, r)
			return
		}
		collectionID := parts[2]
		switch {
		case len(parts) == 4 && r.Method == http.MethodGet:
			records := f.records[collectionID]
			_ = json.NewEncoder(w).Encode(recordsync.RemotePage{
				Records:    records,
				TotalCount: len(records),
			})
		case len(parts) == 4 && r.Method == http.MethodPost:
			var body struct {
				Fields map[string]any `json:"fields"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.nextID++
			created := recordsync.RemoteRecord{
				RecordID: "rem_" + strconv.Itoa(f.nextID),
				Fields:   body.Fields,
			}
			f.records[collectionID] = append(f.records[collectionID], created)
			_ = json.NewEncoder(w).Encode(created)
		case len(parts) == 5 && r.Method == http.MethodPatch:
			var body struct {
				Fields map[string]any `json:"fields"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			for i, record := range f.records[collectionID] {
				if record.RecordID == parts[4] {
					f.records[collectionID][i].Fields = body.Fields
					_ = json.NewEncoder(w).Encode(f.records[collectionID][i])
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "not_found", "message": "no such record"})
		default:
			http.NotFound(w, r)
		}
	})
}

type testEnv struct {
	api    *httptest.Server
	store  *recordsync.RecordStore
	remote *fakeRemoteServer
	hub    *ChangeHub
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	fake := &fakeRemoteServer{records: map[string][]recordsync.RemoteRecord{
		"tasks": {
			{RecordID: "t1", Fields: map[string]any{"title": "one"}},
			{RecordID: "t2", Fields: map[string]any{"title": "two"}},
		},
	}}
	remoteServer := httptest.NewServer(fake.handler())
	t.Cleanup(remoteServer.Close)

	store, err := recordsync.NewRecordStore(recordsync.RecordStoreOptions{
		Backend: recordsync.NewInMemoryStateBackend(),
	})
	if err != nil {
		t.Fatalf("NewRecordStore failed: %v", err)
	}
	remote := recordsync.NewHTTPRemoteSource(recordsync.HTTPRemoteSourceOptions{
		BaseURL: remoteServer.URL,
	})
	hub := NewChangeHub(nil)
	t.Cleanup(hub.Close)
	detector := recordsync.NewDiscrepancyDetector(recordsync.DetectorOptions{
		Store:  store,
		Remote: remote,
	})
	buffer, err := recordsync.NewWriteBuffer(recordsync.WriteBufferOptions{
		Store:     store,
		Remote:    remote,
		Publisher: hub,
	})
	if err != nil {
		t.Fatalf("NewWriteBuffer failed: %v", err)
	}
	coordinator, err := recordsync.NewSyncCoordinator(recordsync.CoordinatorOptions{
		Store:           store,
		Remote:          remote,
		Detector:        detector,
		Buffer:          buffer,
		Publisher:       hub,
		SeedCollections: []string{"tasks"},
	})
	if err != nil {
		t.Fatalf("NewSyncCoordinator failed: %v", err)
	}
	t.Cleanup(coordinator.Stop)

	server := NewServer(ServerOptions{
		Store:       store,
		Coordinator: coordinator,
		Buffer:      buffer,
		Detector:    detector,
		Hub:         hub,
		Config:      cfg,
	})
	api := httptest.NewServer(server)
	t.Cleanup(api.Close)
	return &testEnv{api: api, store: store, remote: fake, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.api.URL+path, reader)
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	env := newTestEnv(t, ServerConfig{APIToken: "hunter2"})

	resp := env.do(t, http.MethodGet, "/v1/status", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.api.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed request failed: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", authed.StatusCode)
	}
	// Health stays open.
	if resp := env.do(t, http.MethodGet, "/health", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", resp.StatusCode)
	}
}

func TestSyncFullPopulatesRecords(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	resp := env.do(t, http.MethodPost, "/v1/sync/full", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync full failed with %d", resp.StatusCode)
	}
	status := decodeBody[recordsync.StatusSnapshot](t, resp)
	if status.Stats.RecordsAdded != 2 {
		t.Fatalf("expected 2 added, got %+v", status.Stats)
	}

	listResp := env.do(t, http.MethodGet, "/v1/collections/tasks/records", nil)
	list := decodeBody[struct {
		Records []recordsync.Record `json:"records"`
		Count   int                 `json:"count"`
	}](t, listResp)
	if list.Count != 2 || len(list.Records) != 2 {
		t.Fatalf("unexpected listing: %+v", list)
	}

	recordResp := env.do(t, http.MethodGet, "/v1/records/tasks/t1", nil)
	record := decodeBody[recordsync.Record](t, recordResp)
	if record.Fields["title"] != "one" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestForceSyncUnknownCollectionMapsTo404(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodPost, "/v1/sync/collections/never-seen", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["code"] != "unknown_collection" {
		t.Fatalf("unexpected error code: %v", body)
	}
}

func TestMutationLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.do(t, http.MethodPost, "/v1/sync/full", nil)

	enqueueResp := env.do(t, http.MethodPost, "/v1/mutations", recordsync.MutationRequest{
		CollectionID: "tasks",
		RecordID:     "t1",
		Payload:      map[string]any{"title": "renamed"},
	})
	if enqueueResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", enqueueResp.StatusCode)
	}
	mutation := decodeBody[recordsync.BufferedMutation](t, enqueueResp)
	if mutation.MutationID == "" || mutation.Status != recordsync.MutationPending {
		t.Fatalf("unexpected mutation: %+v", mutation)
	}

	// Optimistically visible before any drain.
	record, err := env.store.Get("tasks", "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Fields["title"] != "renamed" {
		t.Fatalf("optimistic apply missing: %v", record.Fields)
	}

	listResp := env.do(t, http.MethodGet, "/v1/mutations?status=PENDING", nil)
	pending := decodeBody[struct {
		Mutations []recordsync.BufferedMutation `json:"mutations"`
	}](t, listResp)
	if len(pending.Mutations) != 1 {
		t.Fatalf("expected 1 pending mutation, got %d", len(pending.Mutations))
	}

	getResp := env.do(t, http.MethodGet, "/v1/mutations/"+mutation.MutationID, nil)
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get mutation failed with %d", getResp.StatusCode)
	}

	ackResp := env.do(t, http.MethodPost, "/v1/mutations/"+mutation.MutationID+"/ack", nil)
	if ackResp.StatusCode != http.StatusConflict {
		t.Fatalf("pending ack should be 409, got %d", ackResp.StatusCode)
	}
}

func TestEnqueueInvalidBody(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	req, _ := http.NewRequest(http.MethodPost, env.api.URL+"/v1/mutations", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	missing := env.do(t, http.MethodPost, "/v1/mutations", recordsync.MutationRequest{RecordID: "t1"})
	if missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing collection should be 400, got %d", missing.StatusCode)
	}
}

func TestDiscrepanciesEndpoint(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.do(t, http.MethodPost, "/v1/sync/full", nil)

	resp := env.do(t, http.MethodGet, "/v1/discrepancies", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discrepancies failed with %d", resp.StatusCode)
	}
	report := decodeBody[struct {
		Collections []recordsync.DiscrepancyEntry `json:"collections"`
	}](t, resp)
	if len(report.Collections) != 1 {
		t.Fatalf("expected 1 entry, got %+v", report)
	}
	if report.Collections[0].Status != recordsync.FreshnessFresh {
		t.Fatalf("just-synced collection should be FRESH, got %s", report.Collections[0].Status)
	}
}

func TestControlStartStop(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	start := env.do(t, http.MethodPost, "/v1/control/start", nil)
	if start.StatusCode != http.StatusOK {
		t.Fatalf("start failed with %d", start.StatusCode)
	}
	status := decodeBody[recordsync.StatusSnapshot](t, env.do(t, http.MethodGet, "/v1/status", nil))
	if !status.IsRunning {
		t.Fatal("status should report running after start")
	}

	stop := env.do(t, http.MethodPost, "/v1/control/stop", nil)
	if stop.StatusCode != http.StatusOK {
		t.Fatalf("stop failed with %d", stop.StatusCode)
	}
	status = decodeBody[recordsync.StatusSnapshot](t, env.do(t, http.MethodGet, "/v1/status", nil))
	if status.IsRunning {
		t.Fatal("status should report stopped after stop")
	}
}

func TestRateLimiter(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		if resp := env.do(t, http.MethodGet, "/v1/status", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i, resp.StatusCode)
		}
	}
	limited := env.do(t, http.MethodGet, "/v1/status", nil)
	if limited.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.StatusCode)
	}
	if limited.Header.Get("Retry-After") == "" {
		t.Fatal("429 should carry Retry-After")
	}
}

func TestRouteNotFound(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodGet, "/v1/bogus", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
