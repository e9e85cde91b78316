// Package queue defines the export task types shared by the API, which
// enqueues, and the worker, which consumes.
package queue

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/overmarklabs/overmark/internal/faults"
)

const (
	// ExportDocumentTask flattens annotations into a new PDF.
	ExportDocumentTask = "export:document"
	// ExportVideoTask burns annotations into a re-encoded video.
	ExportVideoTask = "export:video"
)

// ExportPayload tells the worker which file to export and for whom.
type ExportPayload struct {
	FileID string `json:"file_id"`
	UserID string `json:"user_id"`
}

// EnqueueExport schedules an export job. Jobs never retry: a failed export
// is reported to the user, who decides whether to start another.
func EnqueueExport(ctx context.Context, client *asynq.Client, taskType string, payload ExportPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return faults.New(faults.KindInternal, "queue.enqueue", "marshal_failed", err)
	}
	task := asynq.NewTask(taskType, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return faults.New(faults.KindInternal, "queue.enqueue", "enqueue_failed", err)
	}
	return nil
}
