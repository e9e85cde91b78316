// Package worker consumes export jobs: it pulls the original object,
// renders the annotated artifact, stores it and settles quota and
// notifications.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/export"
	"github.com/overmarklabs/overmark/internal/faults"
	"github.com/overmarklabs/overmark/internal/files"
	"github.com/overmarklabs/overmark/internal/notify"
	"github.com/overmarklabs/overmark/internal/queue"
	"github.com/overmarklabs/overmark/internal/users"
)

// FileStore is the slice of the file service the worker drives.
type FileStore interface {
	Get(ctx context.Context, userID, fileID string) (*files.Record, error)
	MarkProcessing(ctx context.Context, fileID string) error
	MarkCompleted(ctx context.Context, fileID, derivedKey string) error
	MarkFailed(ctx context.Context, fileID, message string) error
	SetProgress(ctx context.Context, fileID string, percent int) error
}

// ObjectStore moves original and derived bytes and signs download links
// for outbound notifications.
type ObjectStore interface {
	DownloadRaw(ctx context.Context, key string) ([]byte, error)
	UploadDerived(ctx context.Context, key string, data []byte, contentType string) error
	PresignDerived(ctx context.Context, key string) (string, error)
}

// DocumentRenderer flattens a PDF.
type DocumentRenderer interface {
	Render(ctx context.Context, data []byte, list []annotations.Annotation, onProgress func(percent int)) ([]byte, error)
}

// VideoRenderer re-encodes a video with annotations burned in.
type VideoRenderer interface {
	Render(ctx context.Context, data []byte, filename string, list []annotations.Annotation, onProgress func(percent int)) ([]byte, error)
}

// Accounts settles quota and resolves notification targets.
type Accounts interface {
	Get(ctx context.Context, userID string) (*users.User, error)
	IncrementUsage(ctx context.Context, userID string) error
}

// Notifier sends WhatsApp messages.
type Notifier interface {
	Notify(number string, template notify.Template, data map[string]string) error
}

// ProgressSink receives export progress events. In production this is the
// Redis publisher carrying events over to the API process for fan-out to
// connected watchers.
type ProgressSink interface {
	Publish(message export.ProgressMessage)
}

var errMissingDependency = errors.New("processor dependency is missing")

// ProcessorConfig wires the worker's collaborators.
type ProcessorConfig struct {
	Files     FileStore
	Store     ObjectStore
	Documents DocumentRenderer
	Videos    VideoRenderer
	Accounts  Accounts
	Notifier  Notifier
	Progress  ProgressSink
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Processor handles export tasks.
type Processor struct {
	files     FileStore
	store     ObjectStore
	documents DocumentRenderer
	videos    VideoRenderer
	accounts  Accounts
	notifier  Notifier
	progress  ProgressSink
	clock     func() time.Time
	logger    *zap.Logger
}

// NewProcessor constructs the processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Files == nil || cfg.Store == nil || cfg.Documents == nil || cfg.Videos == nil || cfg.Accounts == nil {
		return nil, faults.New(faults.KindInternal, "worker.processor.new", "missing_dependency", errMissingDependency)
	}
	progress := cfg.Progress
	if progress == nil {
		progress = export.NewProgressDispatcher()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		files:     cfg.Files,
		store:     cfg.Store,
		documents: cfg.Documents,
		videos:    cfg.Videos,
		accounts:  cfg.Accounts,
		notifier:  cfg.Notifier,
		progress:  progress,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Handler registers the export task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ExportDocumentTask, p.handleExport)
	mux.HandleFunc(queue.ExportVideoTask, p.handleExport)
	return mux
}

func (p *Processor) handleExport(ctx context.Context, task *asynq.Task) error {
	var payload queue.ExportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return faults.New(faults.KindInternal, "worker.export", "decode_payload_failed", err)
	}
	return p.Export(ctx, payload)
}

// Export runs one export end to end. The free-tier counter moves only
// after the derived artifact is durably stored; a failed export never
// consumes quota.
func (p *Processor) Export(ctx context.Context, payload queue.ExportPayload) error {
	record, err := p.files.Get(ctx, payload.UserID, payload.FileID)
	if err != nil {
		return err
	}
	if err := p.files.MarkProcessing(ctx, record.ID); err != nil {
		return err
	}

	derivedKey, err := p.run(ctx, record)
	if err != nil {
		p.logger.Error("export failed",
			zap.String("file_id", record.ID),
			zap.String("media_kind", string(record.Kind)),
			zap.Error(err))
		if markErr := p.files.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			p.logger.Error("mark failed did not stick", zap.String("file_id", record.ID), zap.Error(markErr))
		}
		p.progress.Publish(export.ProgressMessage{
			FileID:    record.ID,
			EventType: export.ProgressEventFailed,
			Timestamp: p.clock(),
		})
		p.sendNotification(ctx, record.UserID, notify.TemplateExportFailed, map[string]string{
			"filename": record.Filename,
			"reason":   faults.CodeOf(err),
		})
		return err
	}

	if err := p.accounts.IncrementUsage(ctx, record.UserID); err != nil {
		p.logger.Error("usage increment failed", zap.String("user_id", record.UserID), zap.Error(err))
	}
	p.progress.Publish(export.ProgressMessage{
		FileID:    record.ID,
		EventType: export.ProgressEventFinished,
		Percent:   100,
		Timestamp: p.clock(),
	})
	link, linkErr := p.store.PresignDerived(ctx, derivedKey)
	if linkErr != nil {
		p.logger.Warn("download link signing failed", zap.String("file_id", record.ID), zap.Error(linkErr))
	}
	p.sendNotification(ctx, record.UserID, notify.TemplateExportComplete, map[string]string{
		"filename": record.Filename,
		"url":      link,
	})
	return nil
}

func (p *Processor) run(ctx context.Context, record *files.Record) (string, error) {
	source, err := p.store.DownloadRaw(ctx, record.RawKey)
	if err != nil {
		return "", err
	}
	list, err := record.Annotations()
	if err != nil {
		return "", faults.New(faults.KindInternal, "worker.export", "annotations_decode_failed", err)
	}

	onProgress := func(percent int) {
		if err := p.files.SetProgress(ctx, record.ID, percent); err != nil {
			p.logger.Debug("progress write failed", zap.String("file_id", record.ID), zap.Error(err))
		}
		p.progress.Publish(export.ProgressMessage{
			FileID:    record.ID,
			EventType: export.ProgressEventUpdate,
			Percent:   percent,
			Timestamp: p.clock(),
		})
	}

	var rendered []byte
	var contentType string
	switch record.Kind {
	case annotations.MediaDocument:
		rendered, err = p.documents.Render(ctx, source, list, onProgress)
		contentType = "application/pdf"
	case annotations.MediaVideo:
		rendered, err = p.videos.Render(ctx, source, record.Filename, list, onProgress)
		contentType = "video/mp4"
	default:
		return "", faults.New(faults.KindInternal, "worker.export", "unknown_media_kind",
			fmt.Errorf("media kind %q", record.Kind))
	}
	if err != nil {
		return "", err
	}

	derivedKey := derivedObjectKey(record)
	if err := p.store.UploadDerived(ctx, derivedKey, rendered, contentType); err != nil {
		return "", err
	}
	if err := p.files.MarkCompleted(ctx, record.ID, derivedKey); err != nil {
		return "", err
	}
	return derivedKey, nil
}

func (p *Processor) sendNotification(ctx context.Context, userID string, template notify.Template, data map[string]string) {
	if p.notifier == nil {
		return
	}
	user, err := p.accounts.Get(ctx, userID)
	if err != nil || user.WhatsAppNumber == "" {
		return
	}
	if err := p.notifier.Notify(user.WhatsAppNumber, template, data); err != nil {
		p.logger.Warn("notification failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func derivedObjectKey(record *files.Record) string {
	base := strings.TrimSuffix(record.RawKey, filepath.Ext(record.RawKey))
	if record.Kind == annotations.MediaDocument {
		return base + "_annotated.pdf"
	}
	return base + "_annotated.mp4"
}
