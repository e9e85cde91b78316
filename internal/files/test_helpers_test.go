package files

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/overmarklabs/overmark/internal/annotations"
)

// pdfPayload carries a valid PDF signature for content sniffing.
var pdfPayload = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<<>>\n%%EOF\n")

// mp4Payload carries a minimal ftyp box with the isom major brand.
var mp4Payload = []byte{
	0x00, 0x00, 0x00, 0x1c, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'i', 's', 'o', '2',
	'a', 'v', 'c', '1', 'm', 'p', '4', '1',
}

type fakeObjectStore struct {
	rawUploads     map[string][]byte
	removedRaw     []string
	removedDerived []string
	uploadErr      error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{rawUploads: map[string][]byte{}}
}

func (f *fakeObjectStore) UploadRaw(_ context.Context, key string, data []byte, _ string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.rawUploads[key] = data
	return nil
}

func (f *fakeObjectStore) RemoveRaw(_ context.Context, key string) error {
	f.removedRaw = append(f.removedRaw, key)
	return nil
}

func (f *fakeObjectStore) RemoveDerived(_ context.Context, key string) error {
	f.removedDerived = append(f.removedDerived, key)
	return nil
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("file-%d", p.next), nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:files_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *fakeObjectStore) {
	t.Helper()
	store := newFakeObjectStore()
	service, err := NewService(ServiceConfig{
		Database:       openTestDatabase(t),
		Store:          store,
		IDProvider:     &sequenceIDProvider{},
		Clock:          func() time.Time { return time.Unix(1700000000, 0) },
		MaxUploadBytes: 100 << 20,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, store
}

func mustUpload(t *testing.T, service *Service, userID, filename string, payload []byte) *Record {
	t.Helper()
	record, err := service.Upload(context.Background(), userID, filename, payload)
	if err != nil {
		t.Fatalf("upload %s: %v", filename, err)
	}
	return record
}

func sampleAnnotations() []annotations.Annotation {
	return []annotations.Annotation{
		{
			ID:       "ann-1",
			Content:  "First take",
			Position: annotations.Position{X: 25, Y: 40},
			Style: annotations.Style{
				FontSize:   24,
				FontFamily: "Arial",
				Color:      "#ff0000",
				FontWeight: annotations.WeightNormal,
				FontSlant:  annotations.SlantNormal,
				TextAlign:  annotations.AlignLeft,
			},
			Timestamp: 1.5,
			Duration:  3,
		},
	}
}
