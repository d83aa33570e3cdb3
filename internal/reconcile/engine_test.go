package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"emporia-collector/internal/emporia"
	"emporia-collector/internal/store"
	"go.uber.org/zap"
)

type fakeSource struct {
	records []emporia.UsageRecord
	err     error
	calls   int
}

func (f *fakeSource) DailyUsage(ctx context.Context, daysBack int) ([]emporia.UsageRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type fakeStore struct {
	searchRecords []store.Record
	searchErr     error
	failDeletes   map[int64]bool
	failInserts   int

	searches int
	deletes  []int64
	inserted []emporia.UsageRecord
}

func (f *fakeStore) Search(ctx context.Context, start time.Time) ([]store.Record, error) {
	f.searches++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchRecords, nil
}

func (f *fakeStore) Delete(ctx context.Context, id int64) error {
	if f.failDeletes[id] {
		return &store.RequestError{StatusCode: http.StatusInternalServerError}
	}
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeStore) Insert(ctx context.Context, record emporia.UsageRecord) error {
	if f.failInserts > 0 {
		f.failInserts--
		return &store.RequestError{StatusCode: http.StatusInternalServerError}
	}
	f.inserted = append(f.inserted, record)
	return nil
}

func usageRecords(n int) []emporia.UsageRecord {
	records := make([]emporia.UsageRecord, n)
	for i := range records {
		records[i] = emporia.UsageRecord{
			DeviceGid:  int64(i + 1),
			ChannelNum: "1",
			Name:       fmt.Sprintf("circuit-%d", i+1),
			Usage:      float64(i),
		}
	}
	return records
}

func newTestEngine(source UsageSource, usageStore UsageStore) *Engine {
	engine := NewEngine(source, usageStore, zap.NewNop())
	engine.now = func() time.Time {
		return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	}
	return engine
}

func TestReconcileHappyPath(t *testing.T) {
	source := &fakeSource{records: usageRecords(5)}
	st := &fakeStore{searchRecords: []store.Record{{ID: 1}, {ID: 2}}}
	engine := newTestEngine(source, st)

	result := engine.Reconcile(context.Background(), 0)

	if result.Status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", result.Status)
	}
	if result.Fetched != 5 || result.Inserted != 5 {
		t.Errorf("Expected 5 fetched and inserted, got %d/%d", result.Fetched, result.Inserted)
	}
	if result.Deleted != 2 {
		t.Errorf("Expected 2 deleted, got %d", result.Deleted)
	}
	if result.Errors != 0 {
		t.Errorf("Expected 0 errors, got %d", result.Errors)
	}
	if result.Failed() {
		t.Error("Expected successful window")
	}
}

func TestReconcileFetchFailureLeavesStoreUntouched(t *testing.T) {
	source := &fakeSource{err: &emporia.APIError{StatusCode: http.StatusInternalServerError}}
	st := &fakeStore{searchRecords: []store.Record{{ID: 1}}}
	engine := newTestEngine(source, st)

	result := engine.Reconcile(context.Background(), 0)

	if result.Status != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", result.Status)
	}
	if result.Fetched != 0 || result.Deleted != 0 || result.Inserted != 0 || result.Errors != 0 {
		t.Errorf("Expected all-zero counts, got %+v", result)
	}
	if st.searches != 0 {
		t.Errorf("Expected no local search after fetch failure, got %d", st.searches)
	}
}

func TestReconcileZeroRecordsSkipsLocalStore(t *testing.T) {
	source := &fakeSource{}
	st := &fakeStore{searchRecords: []store.Record{{ID: 1}}}
	engine := newTestEngine(source, st)

	result := engine.Reconcile(context.Background(), 1)

	if result.Status != http.StatusOK {
		t.Errorf("Expected status 200 for an empty window, got %d", result.Status)
	}
	if st.searches != 0 || len(st.deletes) != 0 {
		t.Error("Expected no local store access when nothing was fetched")
	}
}

func TestReconcileSearchFailureAbortsBeforeDeletion(t *testing.T) {
	source := &fakeSource{records: usageRecords(3)}
	st := &fakeStore{
		searchErr:     &store.RequestError{StatusCode: http.StatusServiceUnavailable},
		searchRecords: []store.Record{{ID: 1}},
	}
	engine := newTestEngine(source, st)

	result := engine.Reconcile(context.Background(), 0)

	if result.Status != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", result.Status)
	}
	if len(st.deletes) != 0 || len(st.inserted) != 0 {
		t.Error("Expected no deletes or inserts after search failure")
	}
}

func TestReconcilePartialDeleteFailuresStillInsert(t *testing.T) {
	var existing []store.Record
	for id := int64(1); id <= 10; id++ {
		existing = append(existing, store.Record{ID: id})
	}
	source := &fakeSource{records: usageRecords(4)}
	st := &fakeStore{
		searchRecords: existing,
		failDeletes:   map[int64]bool{3: true, 6: true, 9: true},
	}
	engine := newTestEngine(source, st)

	result := engine.Reconcile(context.Background(), 0)

	if result.Deleted != 7 {
		t.Errorf("Expected 7 deleted, got %d", result.Deleted)
	}
	if result.Errors != 3 {
		t.Errorf("Expected 3 errors, got %d", result.Errors)
	}
	if result.Inserted != 4 {
		t.Errorf("Expected insert phase to proceed, got %d inserted", result.Inserted)
	}
	if result.Status != http.StatusOK {
		t.Errorf("Expected per-record failures to leave status 200, got %d", result.Status)
	}
}

func TestReconcileCountsInsertFailuresPerRecord(t *testing.T) {
	source := &fakeSource{records: usageRecords(5)}
	st := &fakeStore{failInserts: 2}
	engine := newTestEngine(source, st)

	result := engine.Reconcile(context.Background(), 0)

	if result.Inserted != 3 {
		t.Errorf("Expected 3 inserted, got %d", result.Inserted)
	}
	if result.Errors != 2 {
		t.Errorf("Expected 2 errors, got %d", result.Errors)
	}
}

// memoryStore keeps real state so that repeated reconciliations can be
// checked for convergence
type memoryStore struct {
	nextID  int64
	records map[int64]emporia.UsageRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{nextID: 1, records: make(map[int64]emporia.UsageRecord)}
}

func (m *memoryStore) Search(ctx context.Context, start time.Time) ([]store.Record, error) {
	var out []store.Record
	for id := range m.records {
		out = append(out, store.Record{ID: id})
	}
	return out, nil
}

func (m *memoryStore) Delete(ctx context.Context, id int64) error {
	if _, ok := m.records[id]; !ok {
		return &store.RequestError{StatusCode: http.StatusNotFound}
	}
	delete(m.records, id)
	return nil
}

func (m *memoryStore) Insert(ctx context.Context, record emporia.UsageRecord) error {
	m.records[m.nextID] = record
	m.nextID++
	return nil
}

func TestReconcileIsIdempotent(t *testing.T) {
	source := &fakeSource{records: usageRecords(3)}
	st := newMemoryStore()
	engine := newTestEngine(source, st)

	first := engine.Reconcile(context.Background(), 0)
	second := engine.Reconcile(context.Background(), 0)

	if first.Inserted != 3 || second.Inserted != 3 {
		t.Errorf("Expected both runs to insert 3, got %d and %d", first.Inserted, second.Inserted)
	}
	if second.Deleted != 3 {
		t.Errorf("Expected second run to delete the first run's 3 records, got %d", second.Deleted)
	}
	if len(st.records) != 3 {
		t.Errorf("Expected local state to converge at 3 records, got %d", len(st.records))
	}
}

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"provider 5xx passes through", &emporia.APIError{StatusCode: 502}, 502},
		{"provider 4xx folds to 500", &emporia.APIError{StatusCode: 403}, 500},
		{"store 5xx passes through", &store.RequestError{StatusCode: 503}, 503},
		{"transport error folds to 500", errors.New("connection refused"), 500},
	}
	for _, tc := range cases {
		if got := statusFromError(tc.err); got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}
