package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/auth"
	"github.com/overmarklabs/overmark/internal/export"
	"github.com/overmarklabs/overmark/internal/faults"
	"github.com/overmarklabs/overmark/internal/files"
	"github.com/overmarklabs/overmark/internal/notify"
	"github.com/overmarklabs/overmark/internal/payments"
	"github.com/overmarklabs/overmark/internal/queue"
	"github.com/overmarklabs/overmark/internal/users"
)

type stubVerifier struct {
	claims auth.ProviderClaims
	err    error
}

func (s stubVerifier) Verify(context.Context, string) (auth.ProviderClaims, error) {
	return s.claims, s.err
}

type stubTokenManager struct {
	subject     string
	validateErr error
}

func (s stubTokenManager) IssueBackendToken(_ context.Context, userID string) (string, int64, error) {
	return "issued-for-" + userID, 1800, nil
}

func (s stubTokenManager) ValidateToken(string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.subject, nil
}

type fakeFileService struct {
	records map[string]*files.Record
	uploads int
	saved   map[string][]annotations.Annotation
	saveErr error
}

func newFakeFileService() *fakeFileService {
	return &fakeFileService{
		records: map[string]*files.Record{},
		saved:   map[string][]annotations.Annotation{},
	}
}

func (f *fakeFileService) Upload(_ context.Context, userID, filename string, payload []byte) (*files.Record, error) {
	f.uploads++
	record := &files.Record{
		ID:              fmt.Sprintf("file-%d", f.uploads),
		UserID:          userID,
		Filename:        filename,
		Kind:            annotations.MediaDocument,
		Size:            int64(len(payload)),
		RawKey:          userID + "/raw",
		Status:          files.StatusUploaded,
		AnnotationsJSON: "[]",
	}
	f.records[record.ID] = record
	return record, nil
}

func (f *fakeFileService) Get(_ context.Context, userID, fileID string) (*files.Record, error) {
	record, ok := f.records[fileID]
	if !ok || record.UserID != userID {
		return nil, faults.New(faults.KindNotFound, "files.get", "not_found", errors.New("missing"))
	}
	return record, nil
}

func (f *fakeFileService) List(_ context.Context, userID string) ([]files.Record, error) {
	var owned []files.Record
	for _, record := range f.records {
		if record.UserID == userID {
			owned = append(owned, *record)
		}
	}
	return owned, nil
}

func (f *fakeFileService) Delete(_ context.Context, userID, fileID string) error {
	record, ok := f.records[fileID]
	if !ok || record.UserID != userID {
		return faults.New(faults.KindNotFound, "files.delete", "not_found", errors.New("missing"))
	}
	delete(f.records, fileID)
	return nil
}

func (f *fakeFileService) SaveAnnotations(_ context.Context, fileID string, list []annotations.Annotation) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	record, ok := f.records[fileID]
	if !ok {
		return faults.New(faults.KindNotFound, "files.save_annotations", "not_found", errors.New("missing"))
	}
	f.saved[fileID] = list
	return record.SetAnnotations(list)
}

type fakeAccountService struct {
	users     map[string]*users.User
	exportErr error
	attached  map[string]string
}

func newFakeAccountService() *fakeAccountService {
	return &fakeAccountService{
		users:    map[string]*users.User{},
		attached: map[string]string{},
	}
}

func (f *fakeAccountService) Resolve(_ context.Context, identity users.Identity) (*users.User, error) {
	for _, user := range f.users {
		if user.Provider == identity.Provider && user.Subject == identity.Subject {
			return user, nil
		}
	}
	user := &users.User{
		ID:          fmt.Sprintf("user-%d", len(f.users)+1),
		Provider:    identity.Provider,
		Subject:     identity.Subject,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeAccountService) Get(_ context.Context, userID string) (*users.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "users.get", "not_found", errors.New("missing"))
	}
	return user, nil
}

func (f *fakeAccountService) CheckExportAllowed(context.Context, string) error {
	return f.exportErr
}

func (f *fakeAccountService) RemainingExports(user *users.User) int {
	if user.IsPremium {
		return -1
	}
	return 3 - user.ExportCount
}

func (f *fakeAccountService) AttachWhatsApp(_ context.Context, userID, number string) error {
	f.attached[userID] = number
	return nil
}

type fakePaymentService struct {
	confirmErr error
}

func (f *fakePaymentService) CreateIntent(context.Context, string) (string, string, error) {
	return "pi_1", "pi_1_secret", nil
}

func (f *fakePaymentService) Confirm(_ context.Context, userID, intentID string) (*payments.Payment, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &payments.Payment{ID: "payment-1", UserID: userID, IntentID: intentID, AmountCents: 999, Currency: "usd"}, nil
}

type fakeNotifyService struct {
	otpCode  string
	otpPhone string
	sent     []notify.Template
}

func (f *fakeNotifyService) RequestOTP(_ context.Context, _, number string) (*notify.WhatsAppSession, error) {
	f.otpPhone = number
	f.otpCode = "123456"
	return &notify.WhatsAppSession{Number: number, Code: f.otpCode}, nil
}

func (f *fakeNotifyService) VerifyOTP(_ context.Context, _, code string) (string, error) {
	if code != f.otpCode {
		return "", faults.New(faults.KindValidation, "notify.otp.verify", "code_mismatch", errors.New("mismatch"))
	}
	return f.otpPhone, nil
}

func (f *fakeNotifyService) Notify(_ string, template notify.Template, _ map[string]string) error {
	f.sent = append(f.sent, template)
	return nil
}

type fakeDownloader struct {
	objects map[string][]byte
}

func (f *fakeDownloader) DownloadRaw(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object missing")
	}
	return data, nil
}

type fakePreviewRenderer struct {
	output []byte
}

func (f *fakePreviewRenderer) RenderPreview(_ context.Context, _ []byte, _ []annotations.Annotation, page int, _ float64) ([]byte, error) {
	if page > 1 {
		return nil, faults.New(faults.KindValidation, "export.document.preview", "page_out_of_range", errors.New("range"))
	}
	return f.output, nil
}

type fakeSigner struct {
	rawSigned     []string
	derivedSigned []string
}

func (f *fakeSigner) PresignRaw(_ context.Context, key string) (string, error) {
	f.rawSigned = append(f.rawSigned, key)
	return "https://storage.test/signed/raw/" + key, nil
}

func (f *fakeSigner) PresignDerived(_ context.Context, key string) (string, error) {
	f.derivedSigned = append(f.derivedSigned, key)
	return "https://storage.test/signed/derived/" + key, nil
}

type fakeEnqueuer struct {
	enqueued []string
	payloads []queue.ExportPayload
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, taskType string, payload queue.ExportPayload) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, taskType)
	f.payloads = append(f.payloads, payload)
	return nil
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("ann-%d", p.next), nil
}

type routerFixture struct {
	handler       http.Handler
	fileService   *fakeFileService
	accounts      *fakeAccountService
	notifications *fakeNotifyService
	enqueuer      *fakeEnqueuer
	downloader    *fakeDownloader
	signer        *fakeSigner
	progress      *export.ProgressDispatcher
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fileService := newFakeFileService()
	accounts := newFakeAccountService()
	accounts.users["user-1"] = &users.User{
		ID:          "user-1",
		Provider:    "google",
		Subject:     "subject-1",
		Email:       "reviewer@example.com",
		DisplayName: "Reviewer",
	}
	notifications := &fakeNotifyService{}
	enqueuer := &fakeEnqueuer{}
	downloader := &fakeDownloader{objects: map[string][]byte{}}
	signer := &fakeSigner{}
	progress := export.NewProgressDispatcher()

	handler, err := NewHTTPHandler(Dependencies{
		Verifier:       stubVerifier{claims: auth.ProviderClaims{Provider: "google", Subject: "subject-1", Email: "reviewer@example.com"}},
		TokenManager:   stubTokenManager{subject: "user-1"},
		FileService:    fileService,
		Accounts:       accounts,
		Payments:       &fakePaymentService{},
		Notifications:  notifications,
		Downloader:     downloader,
		Signer:         signer,
		Previews:       &fakePreviewRenderer{output: []byte("png-bytes")},
		Exports:        enqueuer,
		Progress:       progress,
		AnnotationIDs:  &sequenceIDProvider{},
		MaxUploadBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &routerFixture{
		handler:       handler,
		fileService:   fileService,
		accounts:      accounts,
		notifications: notifications,
		enqueuer:      enqueuer,
		downloader:    downloader,
		signer:        signer,
		progress:      progress,
	}
}

func (f *routerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer test-token")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) uploadDocument(t *testing.T) *files.Record {
	t.Helper()
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	part, err := writer.CreateFormFile("file", "lecture.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("%PDF-1.4")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/files", &buffer)
	request.Header.Set("Authorization", "Bearer test-token")
	request.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	var record files.Record
	if err := json.Unmarshal(recorder.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return f.fileService.records[record.ID]
}

func mustJSONReader(t *testing.T, body interface{}) io.Reader {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return bytes.NewReader(encoded)
}

func documentDraftBody() map[string]interface{} {
	return map[string]interface{}{
		"content":  "Important",
		"position": map[string]float64{"x": 40, "y": 60},
		"style": map[string]interface{}{
			"fontSize":   18,
			"fontFamily": "Georgia",
			"color":      "#112233",
			"fontWeight": "bold",
			"fontStyle":  "normal",
			"textAlign":  "center",
		},
		"page": 1,
	}
}
