package files

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/faults"
)

func TestValidateDetectsMediaKind(t *testing.T) {
	service, _ := newTestService(t)

	testCases := []struct {
		name     string
		payload  []byte
		wantKind annotations.MediaKind
		wantMIME string
	}{
		{name: "pdf", payload: pdfPayload, wantKind: annotations.MediaDocument, wantMIME: "application/pdf"},
		{name: "mp4", payload: mp4Payload, wantKind: annotations.MediaVideo, wantMIME: "video/mp4"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			kind, mime, err := service.Validate(int64(len(testCase.payload)), testCase.payload)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if kind != testCase.wantKind {
				t.Fatalf("kind = %q, want %q", kind, testCase.wantKind)
			}
			if mime != testCase.wantMIME {
				t.Fatalf("mime = %q, want %q", mime, testCase.wantMIME)
			}
		})
	}
}

func TestValidateRejectsBadUploads(t *testing.T) {
	service, _ := newTestService(t)

	testCases := []struct {
		name    string
		size    int64
		payload []byte
	}{
		{name: "empty payload", size: 0, payload: nil},
		{name: "over the ceiling", size: (100 << 20) + 1, payload: pdfPayload},
		{name: "unsupported type", size: 4, payload: []byte("GIF8")},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, _, err := service.Validate(testCase.size, testCase.payload)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if faults.KindOf(err) != faults.KindValidation {
				t.Fatalf("fault kind = %q, want %q", faults.KindOf(err), faults.KindValidation)
			}
		})
	}
}

func TestUploadStoresObjectAndRecord(t *testing.T) {
	service, store := newTestService(t)

	record := mustUpload(t, service, "user-1", "lecture.pdf", pdfPayload)

	if record.Status != StatusUploaded {
		t.Fatalf("status = %q, want %q", record.Status, StatusUploaded)
	}
	if record.Kind != annotations.MediaDocument {
		t.Fatalf("kind = %q, want %q", record.Kind, annotations.MediaDocument)
	}
	wantKey := "user-1/1700000000000_file-1.pdf"
	if record.RawKey != wantKey {
		t.Fatalf("raw key = %q, want %q", record.RawKey, wantKey)
	}
	stored, ok := store.rawUploads[wantKey]
	if !ok {
		t.Fatalf("object %q not uploaded", wantKey)
	}
	if !bytes.Equal(stored, pdfPayload) {
		t.Fatalf("stored payload differs from upload")
	}

	fetched, err := service.Get(context.Background(), "user-1", record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.Filename != "lecture.pdf" {
		t.Fatalf("filename = %q", fetched.Filename)
	}
}

func TestUploadKeysStayDistinctWithinOneMillisecond(t *testing.T) {
	service, store := newTestService(t)

	first := mustUpload(t, service, "user-1", "a.pdf", pdfPayload)
	second := mustUpload(t, service, "user-1", "b.pdf", pdfPayload)

	if first.RawKey == second.RawKey {
		t.Fatalf("raw keys collide: %q", first.RawKey)
	}
	if len(store.rawUploads) != 2 {
		t.Fatalf("stored objects = %d, want 2", len(store.rawUploads))
	}
}

func TestUploadStoreFailureLeavesNoRecord(t *testing.T) {
	service, store := newTestService(t)
	store.uploadErr = errors.New("bucket offline")

	if _, err := service.Upload(context.Background(), "user-1", "clip.mp4", mp4Payload); err == nil {
		t.Fatalf("expected upload failure")
	}
	records, err := service.List(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	service, _ := newTestService(t)
	record := mustUpload(t, service, "user-1", "clip.mp4", mp4Payload)

	_, err := service.Get(context.Background(), "user-2", record.ID)
	if faults.KindOf(err) != faults.KindNotFound {
		t.Fatalf("fault kind = %q, want %q", faults.KindOf(err), faults.KindNotFound)
	}
}

func TestListReturnsOnlyOwnedRecords(t *testing.T) {
	service, _ := newTestService(t)
	mustUpload(t, service, "user-1", "a.pdf", pdfPayload)
	mustUpload(t, service, "user-1", "b.mp4", mp4Payload)
	mustUpload(t, service, "user-2", "c.pdf", pdfPayload)

	records, err := service.List(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, record := range records {
		if record.UserID != "user-1" {
			t.Fatalf("leaked record owned by %q", record.UserID)
		}
	}
}

func TestDeleteRemovesRecordAndObjects(t *testing.T) {
	service, store := newTestService(t)
	record := mustUpload(t, service, "user-1", "clip.mp4", mp4Payload)
	if err := service.MarkCompleted(context.Background(), record.ID, "derived/clip.mp4"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	if err := service.Delete(context.Background(), "user-1", record.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(store.removedRaw) != 1 || store.removedRaw[0] != record.RawKey {
		t.Fatalf("raw removals = %v", store.removedRaw)
	}
	if len(store.removedDerived) != 1 || store.removedDerived[0] != "derived/clip.mp4" {
		t.Fatalf("derived removals = %v", store.removedDerived)
	}
	if _, err := service.Get(context.Background(), "user-1", record.ID); faults.KindOf(err) != faults.KindNotFound {
		t.Fatalf("record still readable after delete")
	}
}

func TestSaveAnnotationsRoundTrips(t *testing.T) {
	service, _ := newTestService(t)
	record := mustUpload(t, service, "user-1", "clip.mp4", mp4Payload)

	list := sampleAnnotations()
	if err := service.SaveAnnotations(context.Background(), record.ID, list); err != nil {
		t.Fatalf("save annotations: %v", err)
	}

	fetched, err := service.Get(context.Background(), "user-1", record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	loaded, err := fetched.Annotations()
	if err != nil {
		t.Fatalf("decode annotations: %v", err)
	}
	if !reflect.DeepEqual(loaded, list) {
		t.Fatalf("annotations = %+v, want %+v", loaded, list)
	}
}

func TestSaveAnnotationsUnknownFile(t *testing.T) {
	service, _ := newTestService(t)
	err := service.SaveAnnotations(context.Background(), "missing", sampleAnnotations())
	if faults.KindOf(err) != faults.KindNotFound {
		t.Fatalf("fault kind = %q, want %q", faults.KindOf(err), faults.KindNotFound)
	}
}

func TestStatusLifecycle(t *testing.T) {
	service, _ := newTestService(t)
	record := mustUpload(t, service, "user-1", "clip.mp4", mp4Payload)
	ctx := context.Background()

	if err := service.MarkProcessing(ctx, record.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := service.SetProgress(ctx, record.ID, 140); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	current, err := service.Get(ctx, "user-1", record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != StatusProcessing {
		t.Fatalf("status = %q, want %q", current.Status, StatusProcessing)
	}
	if current.Progress != 100 {
		t.Fatalf("progress = %d, want clamped 100", current.Progress)
	}

	if err := service.MarkFailed(ctx, record.ID, "encoder crashed"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	current, err = service.Get(ctx, "user-1", record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != StatusFailed || current.ErrorMessage != "encoder crashed" {
		t.Fatalf("status = %q message = %q", current.Status, current.ErrorMessage)
	}

	if err := service.MarkCompleted(ctx, record.ID, "derived/key"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	current, err = service.Get(ctx, "user-1", record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != StatusCompleted || current.Progress != 100 {
		t.Fatalf("status = %q progress = %d", current.Status, current.Progress)
	}
	if current.DerivedKey == nil || *current.DerivedKey != "derived/key" {
		t.Fatalf("derived key not recorded")
	}
}
