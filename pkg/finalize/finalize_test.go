package finalize

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/admin"
	"github.com/filemesh/ingester/pkg/se"
)

type memStore struct {
	mu    sync.Mutex
	txns  map[string]model.FinalizeTransaction
	order []string
}

func newMemStore() *memStore { return &memStore{txns: make(map[string]model.FinalizeTransaction)} }

func (m *memStore) Create(ctx context.Context, txn model.FinalizeTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[txn.TransactionID]; ok {
		return nil
	}
	m.txns[txn.TransactionID] = txn
	m.order = append(m.order, txn.TransactionID)
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (model.FinalizeTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return model.FinalizeTransaction{}, ErrNotFound
	}
	return txn, nil
}

func (m *memStore) Update(ctx context.Context, txn model.FinalizeTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[txn.TransactionID] = txn
	return nil
}

func (m *memStore) ListByStates(ctx context.Context, states ...model.FinalizeState) ([]model.FinalizeTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[model.FinalizeState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}
	var out []model.FinalizeTransaction
	for _, id := range m.order {
		if txn, ok := m.txns[id]; ok && wanted[txn.State] {
			out = append(out, txn)
		}
	}
	return out, nil
}

type fakeAdmin struct {
	record        admin.FileRecord
	locationCalls int
	mu            sync.Mutex
}

func (f *fakeAdmin) GetFile(ctx context.Context, fileID string) (admin.FileRecord, error) {
	return f.record, nil
}

func (f *fakeAdmin) UpdateFileLocation(ctx context.Context, fileID, targetElementID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locationCalls++
	return nil
}

type fakeSEMap struct{ elements map[string]model.StorageElement }

func (f fakeSEMap) Current() map[string]model.StorageElement { return f.elements }

type fakeSelector struct{ target model.SelectedSE }

func (f fakeSelector) Select(ctx context.Context, fileSize int64, rp model.RetentionPolicy, target string, excludeElementIDs ...string) (model.SelectedSE, error) {
	return f.target, nil
}

type fakeSE struct {
	mu            sync.Mutex
	digests       map[string]string // endpoint -> digest
	deleteCalls   []string
	uploadFails   bool
	downloadFails bool
}

func (f *fakeSE) Download(ctx context.Context, endpoint, fileID string) (io.ReadCloser, error) {
	if f.downloadFails {
		return nil, errors.New("download failed")
	}
	return io.NopCloser(strings.NewReader("file-bytes")), nil
}

func (f *fakeSE) Upload(ctx context.Context, endpoint, filename string, body io.Reader, fields map[string]string) (*se.UploadResult, int, error) {
	if f.uploadFails {
		return nil, 500, nil
	}
	io.Copy(io.Discard, body)
	return &se.UploadResult{StorageFilename: filename, Checksum: f.digests[endpoint]}, 201, nil
}

func (f *fakeSE) Digest(ctx context.Context, endpoint, fileID string) (string, error) {
	return f.digests[endpoint], nil
}

func (f *fakeSE) Delete(ctx context.Context, endpoint, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, endpoint)
	return nil
}

func waitForState(t *testing.T, store Store, id string, want model.FinalizeState, timeout time.Duration) model.FinalizeTransaction {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		txn, err := store.Get(context.Background(), id)
		if err == nil && txn.State == want {
			return txn
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("transaction %s did not reach state %s in time", id, want)
	return model.FinalizeTransaction{}
}

func TestFinalizeSuccessfulCommit(t *testing.T) {
	store := newMemStore()
	adminClient := &fakeAdmin{record: admin.FileRecord{FileID: "f1", RetentionPolicy: "temporary", StorageElementID: "se-edit"}}
	seMap := fakeSEMap{elements: map[string]model.StorageElement{
		"se-edit": {ElementID: "se-edit", Endpoint: "http://edit", Mode: model.ModeEdit},
		"se-rw":   {ElementID: "se-rw", Endpoint: "http://rw", Mode: model.ModeRW},
	}}
	seClient := &fakeSE{digests: map[string]string{"http://edit": "abc", "http://rw": "abc"}}

	coord := New(context.Background(), Config{}, store, adminClient, nil, seMap, seClient, nil, nil, nil, nil)

	txn, err := coord.Start(context.Background(), "f1", "se-rw")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if txn.State != model.StateCopying {
		t.Fatalf("expected initial state copying, got %s", txn.State)
	}

	final := waitForState(t, store, txn.TransactionID, model.StateCompleted, time.Second)
	if !final.ChecksumVerified {
		t.Fatalf("expected checksum verified")
	}
	if final.CleanupScheduledAt == nil {
		t.Fatalf("expected cleanup_scheduled_at to be set")
	}
	if adminClient.locationCalls != 1 {
		t.Fatalf("expected exactly one UpdateFileLocation call, got %d", adminClient.locationCalls)
	}
}

func TestFinalizeChecksumMismatchRollsBack(t *testing.T) {
	store := newMemStore()
	adminClient := &fakeAdmin{record: admin.FileRecord{FileID: "f1", RetentionPolicy: "temporary", StorageElementID: "se-edit"}}
	seMap := fakeSEMap{elements: map[string]model.StorageElement{
		"se-edit": {ElementID: "se-edit", Endpoint: "http://edit", Mode: model.ModeEdit},
		"se-rw":   {ElementID: "se-rw", Endpoint: "http://rw", Mode: model.ModeRW},
	}}
	seClient := &fakeSE{digests: map[string]string{"http://edit": "abc", "http://rw": "different"}}

	coord := New(context.Background(), Config{PhaseMaxAttempts: 1}, store, adminClient, nil, seMap, seClient, nil, nil, nil, nil)

	txn, err := coord.Start(context.Background(), "f1", "se-rw")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForState(t, store, txn.TransactionID, model.StateRolledBack, time.Second)
	if final.Error == "" {
		t.Fatalf("expected error recorded on rollback")
	}
	seClient.mu.Lock()
	defer seClient.mu.Unlock()
	if len(seClient.deleteCalls) != 1 || seClient.deleteCalls[0] != "http://rw" {
		t.Fatalf("expected compensating delete against target, got %v", seClient.deleteCalls)
	}
}

func TestFinalizeRejectsAlreadyPermanent(t *testing.T) {
	store := newMemStore()
	adminClient := &fakeAdmin{record: admin.FileRecord{FileID: "f1", RetentionPolicy: "permanent", StorageElementID: "se-rw"}}
	coord := New(context.Background(), Config{}, store, adminClient, nil, fakeSEMap{elements: map[string]model.StorageElement{}}, &fakeSE{}, nil, nil, nil, nil)

	_, err := coord.Start(context.Background(), "f1", "se-rw")
	if !errors.Is(err, ErrAlreadyPermanent) {
		t.Fatalf("expected ErrAlreadyPermanent, got %v", err)
	}
}

func TestFinalizeRejectsNonRWTarget(t *testing.T) {
	store := newMemStore()
	adminClient := &fakeAdmin{record: admin.FileRecord{FileID: "f1", RetentionPolicy: "temporary", StorageElementID: "se-edit"}}
	seMap := fakeSEMap{elements: map[string]model.StorageElement{
		"se-edit": {ElementID: "se-edit", Endpoint: "http://edit", Mode: model.ModeEdit},
	}}
	coord := New(context.Background(), Config{}, store, adminClient, nil, seMap, &fakeSE{}, nil, nil, nil, nil)

	_, err := coord.Start(context.Background(), "f1", "se-edit")
	if err == nil {
		t.Fatalf("expected rejection of non-rw target")
	}
}

func TestRecoverStaleMovesOldTransactionsToRolledBack(t *testing.T) {
	store := newMemStore()
	seMap := fakeSEMap{elements: map[string]model.StorageElement{
		"se-rw": {ElementID: "se-rw", Endpoint: "http://rw", Mode: model.ModeRW},
	}}
	seClient := &fakeSE{}
	coord := New(context.Background(), Config{RecoveryTimeout: time.Millisecond}, store, nil, nil, seMap, seClient, nil, nil, nil, nil)

	stuck := model.FinalizeTransaction{TransactionID: "t1", FileID: "f1", TargetElementID: "se-rw", State: model.StateCopying, CreatedAt: time.Now().Add(-time.Hour)}
	if err := store.Create(context.Background(), stuck); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	if err := coord.RecoverStale(context.Background()); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}

	got, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != model.StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", got.State)
	}
}

func TestGCDeletesSourceAfterCleanupScheduled(t *testing.T) {
	store := newMemStore()
	seMap := fakeSEMap{elements: map[string]model.StorageElement{
		"se-edit": {ElementID: "se-edit", Endpoint: "http://edit", Mode: model.ModeEdit},
	}}
	seClient := &fakeSE{}
	past := time.Now().Add(-time.Minute)
	done := model.FinalizeTransaction{TransactionID: "t1", FileID: "f1", SourceElementID: "se-edit", State: model.StateCompleted, CleanupScheduledAt: &past}
	if err := store.Create(context.Background(), done); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	gc := NewGC(store, seMap, seClient, time.Hour, nil, nil)
	if err := gc.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	seClient.mu.Lock()
	defer seClient.mu.Unlock()
	if len(seClient.deleteCalls) != 1 || seClient.deleteCalls[0] != "http://edit" {
		t.Fatalf("expected source delete, got %v", seClient.deleteCalls)
	}

	got, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CleanupScheduledAt != nil {
		t.Fatalf("expected cleanup_scheduled_at cleared after purge")
	}
}
