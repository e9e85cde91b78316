// Package files owns the source file records: metadata for every uploaded
// video or document, its stored objects, its embedded annotation list and
// its export lifecycle.
package files

import (
	"encoding/json"
	"time"

	"github.com/overmarklabs/overmark/internal/annotations"
)

// Status is the export lifecycle of a file record.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is one uploaded source file. Annotations are embedded as a JSON
// column, not a separate table: every mutation rewrites the full list.
type Record struct {
	ID       string                `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID   string                `gorm:"column:user_id;size:190;not null;index" json:"user_id"`
	Filename string                `gorm:"column:filename;size:512;not null" json:"filename"`
	Kind     annotations.MediaKind `gorm:"column:media_kind;size:16;not null" json:"file_type"`
	Size     int64                 `gorm:"column:file_size;not null" json:"file_size"`

	// Only the object keys are persisted. Download links are signed
	// fresh on every read; a stored presigned URL would expire.
	RawKey     string  `gorm:"column:raw_key;size:512;not null" json:"-"`
	DerivedKey *string `gorm:"column:derived_key;size:512" json:"-"`

	Status       Status `gorm:"column:status;size:16;not null" json:"status"`
	Progress     int    `gorm:"column:progress;not null;default:0" json:"progress"`
	ErrorMessage string `gorm:"column:error_message;size:1024" json:"error_message,omitempty"`

	AnnotationsJSON string `gorm:"column:annotations;type:text" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing file records.
func (Record) TableName() string {
	return "files"
}

// Annotations decodes the embedded annotation list. A missing or empty
// column decodes to an empty list.
func (r *Record) Annotations() ([]annotations.Annotation, error) {
	if r.AnnotationsJSON == "" {
		return nil, nil
	}
	var list []annotations.Annotation
	if err := json.Unmarshal([]byte(r.AnnotationsJSON), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SetAnnotations encodes the list into the embedded column.
func (r *Record) SetAnnotations(list []annotations.Annotation) error {
	if len(list) == 0 {
		r.AnnotationsJSON = "[]"
		return nil
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return err
	}
	r.AnnotationsJSON = string(encoded)
	return nil
}
