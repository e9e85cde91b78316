package files

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/faults"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("object store is required")
	errMissingProvider = errors.New("id provider is required")
	errMissingUserID   = errors.New("user identifier is required")
	errEmptyUpload     = errors.New("upload payload is empty")
	errTooLarge        = errors.New("file exceeds the size ceiling")
	errUnsupportedType = errors.New("unsupported file type")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "files.service.new"
	opValidate   = "files.validate"
	opUpload     = "files.upload"
	opGet        = "files.get"
	opList       = "files.list"
	opDelete     = "files.delete"
	opSaveAnns   = "files.save_annotations"
	opSetStatus  = "files.set_status"
)

// kindByMIME maps sniffed MIME types onto media kinds. The set mirrors the
// upload surface: MP4/MOV/AVI video and PDF documents.
var kindByMIME = map[string]annotations.MediaKind{
	"video/mp4":       annotations.MediaVideo,
	"video/quicktime": annotations.MediaVideo,
	"video/x-msvideo": annotations.MediaVideo,
	"application/pdf": annotations.MediaDocument,
}

// ObjectStore is the slice of the object-storage client the file service
// needs: raw uploads and cleanup. The export pipelines never see it.
type ObjectStore interface {
	UploadRaw(ctx context.Context, key string, data []byte, contentType string) error
	RemoveRaw(ctx context.Context, key string) error
	RemoveDerived(ctx context.Context, key string) error
}

// IDProvider issues record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the file service.
type ServiceConfig struct {
	Database       *gorm.DB
	Store          ObjectStore
	IDProvider     IDProvider
	Clock          func() time.Time
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// Service manages file records and their stored objects.
type Service struct {
	db       *gorm.DB
	store    ObjectStore
	ids      IDProvider
	clock    func() time.Time
	maxBytes int64
	logger   *zap.Logger
}

// NewService constructs the file service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_id_provider", errMissingProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	return &Service{
		db:       cfg.Database,
		store:    cfg.Store,
		ids:      cfg.IDProvider,
		clock:    clock,
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

// Validate checks the upload against the size ceiling and the allowed MIME
// set. The content type is sniffed from the payload, never trusted from
// request headers. It returns the detected media kind and MIME type.
func (s *Service) Validate(size int64, payload []byte) (annotations.MediaKind, string, error) {
	if size <= 0 || len(payload) == 0 {
		return "", "", faults.New(faults.KindValidation, opValidate, "empty_payload", errEmptyUpload)
	}
	if size > s.maxBytes {
		return "", "", faults.New(faults.KindValidation, opValidate, "too_large",
			fmt.Errorf("%w: %d > %d bytes", errTooLarge, size, s.maxBytes))
	}
	detected := mimetype.Detect(payload)
	for mime, kind := range kindByMIME {
		if detected.Is(mime) {
			return kind, mime, nil
		}
	}
	return "", "", faults.New(faults.KindValidation, opValidate, "unsupported_type",
		fmt.Errorf("%w: %s", errUnsupportedType, detected.String()))
}

// Upload validates the payload, stores the original bytes and creates the
// file record with status uploaded.
func (s *Service) Upload(ctx context.Context, userID, filename string, payload []byte) (*Record, error) {
	if userID == "" {
		return nil, faults.New(faults.KindValidation, opUpload, "missing_user_id", errMissingUserID)
	}
	kind, mime, err := s.Validate(int64(len(payload)), payload)
	if err != nil {
		return nil, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return nil, faults.New(faults.KindInternal, opUpload, "id_generation_failed", err)
	}

	// The record id in the key keeps two uploads landing in the same
	// millisecond from overwriting each other.
	key := fmt.Sprintf("%s/%d_%s%s", userID, s.clock().UTC().UnixMilli(), id, filepath.Ext(filename))
	if err := s.store.UploadRaw(ctx, key, payload, mime); err != nil {
		s.logError(opUpload, "store_upload_failed", err, zap.String("user_id", userID))
		return nil, faults.New(faults.KindInternal, opUpload, "store_upload_failed", err)
	}

	record := &Record{
		ID:              id,
		UserID:          userID,
		Filename:        filename,
		Kind:            kind,
		Size:            int64(len(payload)),
		RawKey:          key,
		Status:          StatusUploaded,
		AnnotationsJSON: "[]",
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.logError(opUpload, "record_insert_failed", err, zap.String("user_id", userID))
		return nil, faults.New(faults.KindInternal, opUpload, "record_insert_failed", err)
	}
	return record, nil
}

// Get returns the record with the given id when it is owned by userID.
func (s *Service) Get(ctx context.Context, userID, fileID string) (*Record, error) {
	if userID == "" {
		return nil, faults.New(faults.KindValidation, opGet, "missing_user_id", errMissingUserID)
	}
	var record Record
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", fileID, userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.New(faults.KindNotFound, opGet, "not_found", err)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("file_id", fileID))
		return nil, faults.New(faults.KindInternal, opGet, "query_failed", err)
	}
	return &record, nil
}

// List returns all records owned by userID, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Record, error) {
	if userID == "" {
		return nil, faults.New(faults.KindValidation, opList, "missing_user_id", errMissingUserID)
	}
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, faults.New(faults.KindInternal, opList, "query_failed", err)
	}
	return records, nil
}

// Delete removes the record and both of its stored objects.
func (s *Service) Delete(ctx context.Context, userID, fileID string) error {
	record, err := s.Get(ctx, userID, fileID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveRaw(ctx, record.RawKey); err != nil {
		s.logError(opDelete, "remove_raw_failed", err, zap.String("file_id", fileID))
		return faults.New(faults.KindInternal, opDelete, "remove_raw_failed", err)
	}
	if record.DerivedKey != nil {
		if err := s.store.RemoveDerived(ctx, *record.DerivedKey); err != nil {
			s.logError(opDelete, "remove_derived_failed", err, zap.String("file_id", fileID))
			return faults.New(faults.KindInternal, opDelete, "remove_derived_failed", err)
		}
	}
	if err := s.db.WithContext(ctx).Delete(&Record{}, "id = ?", fileID).Error; err != nil {
		s.logError(opDelete, "record_delete_failed", err, zap.String("file_id", fileID))
		return faults.New(faults.KindInternal, opDelete, "record_delete_failed", err)
	}
	return nil
}

// SaveAnnotations writes the full annotation list of the file. It
// implements annotations.Persister; the write is an unconditional
// overwrite, last writer wins.
func (s *Service) SaveAnnotations(ctx context.Context, fileID string, list []annotations.Annotation) error {
	carrier := &Record{}
	if err := carrier.SetAnnotations(list); err != nil {
		return faults.New(faults.KindInternal, opSaveAnns, "encode_failed", err)
	}
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ?", fileID).
		Update("annotations", carrier.AnnotationsJSON)
	if result.Error != nil {
		s.logError(opSaveAnns, "update_failed", result.Error, zap.String("file_id", fileID))
		return faults.New(faults.KindInternal, opSaveAnns, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return faults.New(faults.KindNotFound, opSaveAnns, "not_found", gorm.ErrRecordNotFound)
	}
	return nil
}

// MarkProcessing moves the record into the processing state and resets
// progress.
func (s *Service) MarkProcessing(ctx context.Context, fileID string) error {
	return s.update(ctx, fileID, map[string]interface{}{
		"status":        StatusProcessing,
		"progress":      0,
		"error_message": "",
	})
}

// MarkCompleted records the derived artifact key and completes the export.
func (s *Service) MarkCompleted(ctx context.Context, fileID, derivedKey string) error {
	return s.update(ctx, fileID, map[string]interface{}{
		"status":      StatusCompleted,
		"progress":    100,
		"derived_key": derivedKey,
	})
}

// MarkFailed records the failure message.
func (s *Service) MarkFailed(ctx context.Context, fileID, message string) error {
	return s.update(ctx, fileID, map[string]interface{}{
		"status":        StatusFailed,
		"error_message": message,
	})
}

// SetProgress stores a best-effort export progress percentage.
func (s *Service) SetProgress(ctx context.Context, fileID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return s.update(ctx, fileID, map[string]interface{}{"progress": percent})
}

func (s *Service) update(ctx context.Context, fileID string, values map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", fileID).Updates(values)
	if result.Error != nil {
		s.logError(opSetStatus, "update_failed", result.Error, zap.String("file_id", fileID))
		return faults.New(faults.KindInternal, opSetStatus, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return faults.New(faults.KindNotFound, opSetStatus, "not_found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("file service error", attrs...)
}
