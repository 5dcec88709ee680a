package upload

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/se"
)

type fakeSelector struct {
	results []model.SelectedSE // consumed in order; last one repeats
	idx     int
	invalidated int32
	excludeCalls [][]string // excludeElementIDs passed on each Select call, in order
}

func (f *fakeSelector) Select(ctx context.Context, fileSize int64, rp model.RetentionPolicy, target string, excludeElementIDs ...string) (model.SelectedSE, error) {
	f.excludeCalls = append(f.excludeCalls, excludeElementIDs)
	if f.idx >= len(f.results) {
		return f.results[len(f.results)-1], nil
	}
	r := f.results[f.idx]
	f.idx++
	return r, nil
}

func (f *fakeSelector) InvalidateCache() { atomic.AddInt32(&f.invalidated, 1) }

type fakeReloader struct{ triggered int32 }

func (f *fakeReloader) TriggerLazyReload(ctx context.Context, reason string) error {
	atomic.AddInt32(&f.triggered, 1)
	return nil
}

type fakeSE struct {
	// statusByElement maps element id to the status code returned for that element.
	statusByElement map[string]int
	calls           []string
}

func (f *fakeSE) Upload(ctx context.Context, endpoint, filename string, body io.Reader, fields map[string]string) (*se.UploadResult, int, error) {
	f.calls = append(f.calls, endpoint)
	status := http.StatusCreated
	for elementEndpoint, s := range f.statusByElement {
		if elementEndpoint == endpoint {
			status = s
		}
	}
	if status >= 200 && status < 300 {
		return &se.UploadResult{StorageFilename: "stored.bin", Checksum: "abc", FileSize: 10}, status, nil
	}
	return nil, status, nil
}

func TestUploadS1SimpleSuccess(t *testing.T) {
	sel := &fakeSelector{results: []model.SelectedSE{{ElementID: "se-A", Endpoint: "http://a", Mode: model.ModeEdit}}}
	seClient := &fakeSE{statusByElement: map[string]int{}}
	c := New(sel, &fakeReloader{}, nil, seClient, nil, nil)

	res, err := c.Upload(context.Background(), nil, 10<<20, model.RetentionTemporary, "", Metadata{OriginalFilename: "f.bin"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.ElementID != "se-A" {
		t.Fatalf("expected se-A, got %s", res.ElementID)
	}
}

func TestUploadS2InsufficientStorageTriggersReselect(t *testing.T) {
	sel := &fakeSelector{results: []model.SelectedSE{
		{ElementID: "se-A", Endpoint: "http://a", Mode: model.ModeEdit},
		{ElementID: "se-B", Endpoint: "http://b", Mode: model.ModeEdit},
	}}
	reloader := &fakeReloader{}
	seClient := &fakeSE{statusByElement: map[string]int{"http://a": http.StatusInsufficientStorage}}
	c := New(sel, reloader, nil, seClient, nil, nil)

	res, err := c.Upload(context.Background(), nil, 10<<20, model.RetentionTemporary, "", Metadata{OriginalFilename: "f.bin"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.ElementID != "se-B" {
		t.Fatalf("expected reselection to se-B, got %s", res.ElementID)
	}
	if atomic.LoadInt32(&reloader.triggered) != 1 {
		t.Fatalf("expected exactly one lazy reload trigger, got %d", reloader.triggered)
	}
	if len(seClient.calls) != 2 {
		t.Fatalf("expected exactly two SE attempts, got %d", len(seClient.calls))
	}
	if len(sel.excludeCalls) != 2 {
		t.Fatalf("expected exactly two Select calls, got %d", len(sel.excludeCalls))
	}
	if got := sel.excludeCalls[1]; len(got) != 1 || got[0] != "se-A" {
		t.Fatalf("expected reselection to exclude the failed se-A, got %v", got)
	}
}

func TestUploadServerErrorDoesNotReselect(t *testing.T) {
	sel := &fakeSelector{results: []model.SelectedSE{{ElementID: "se-A", Endpoint: "http://a", Mode: model.ModeEdit}}}
	seClient := &fakeSE{statusByElement: map[string]int{"http://a": http.StatusInternalServerError}}
	c := New(sel, &fakeReloader{}, nil, seClient, nil, nil)

	_, err := c.Upload(context.Background(), nil, 10<<20, model.RetentionTemporary, "", Metadata{OriginalFilename: "f.bin"})
	if err == nil {
		t.Fatalf("expected error for 5xx")
	}
	if len(seClient.calls) != 1 {
		t.Fatalf("expected exactly one SE attempt for 5xx (no auto-reselect), got %d", len(seClient.calls))
	}
}
