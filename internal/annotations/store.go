package annotations

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/faults"
)

var (
	errMissingFileID    = errors.New("file identifier is required")
	errMissingPersister = errors.New("persister is required")
	errMissingProvider  = errors.New("id provider is required")
	errUnknownID        = errors.New("no annotation with that id")
	noOpLogger          = zap.NewNop()
)

const (
	opStoreNew    = "annotations.store.new"
	opStoreAdd    = "annotations.add"
	opStoreRemove = "annotations.remove"
)

// Persister durably stores the full annotation list of a file. Every
// mutation writes the whole list; there is no partial-field patch.
type Persister interface {
	SaveAnnotations(ctx context.Context, fileID string, list []Annotation) error
}

// IDProvider issues opaque unique identifiers for new annotations.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies of a session store.
type StoreConfig struct {
	FileID     string
	Kind       MediaKind
	Initial    []Annotation
	Persister  Persister
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the in-memory annotation list of one editing session, backed by
// full-list writes through the Persister. It is safe for use from a single
// session; queries never touch I/O.
type Store struct {
	mu        sync.Mutex
	fileID    string
	kind      MediaKind
	items     []Annotation
	persister Persister
	ids       IDProvider
	logger    *zap.Logger
}

// NewStore constructs a session store seeded with the file's current list.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.FileID == "" {
		return nil, faults.New(faults.KindValidation, opStoreNew, "missing_file_id", errMissingFileID)
	}
	if cfg.Persister == nil {
		return nil, faults.New(faults.KindInternal, opStoreNew, "missing_persister", errMissingPersister)
	}
	if cfg.IDProvider == nil {
		return nil, faults.New(faults.KindInternal, opStoreNew, "missing_id_provider", errMissingProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	items := make([]Annotation, len(cfg.Initial))
	copy(items, cfg.Initial)
	return &Store{
		fileID:    cfg.FileID,
		kind:      cfg.Kind,
		items:     items,
		persister: cfg.Persister,
		ids:       cfg.IDProvider,
		logger:    logger,
	}, nil
}

// Add validates the draft, assigns an id, appends to the in-memory list and
// persists the full updated list. On persistence failure the in-memory
// mutation is kept and the returned error carries the sync fault kind; the
// session and the backing store have diverged but the session stays usable.
func (s *Store) Add(ctx context.Context, draft Draft) (Annotation, error) {
	if err := draft.Validate(s.kind); err != nil {
		return Annotation{}, faults.New(faults.KindValidation, opStoreAdd, "invalid_draft", err)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return Annotation{}, faults.New(faults.KindInternal, opStoreAdd, "id_generation_failed", err)
	}

	annotation := Annotation{
		ID:        id,
		Content:   draft.Content,
		Position:  draft.Position,
		Style:     draft.Style,
		Timestamp: draft.Timestamp,
		Duration:  draft.Duration,
		Page:      draft.Page,
	}

	s.mu.Lock()
	s.items = append(s.items, annotation)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persister.SaveAnnotations(ctx, s.fileID, snapshot); err != nil {
		s.logger.Error("annotation list persistence failed",
			zap.String("file_id", s.fileID),
			zap.String("annotation_id", id),
			zap.Error(err))
		return annotation, faults.New(faults.KindSync, opStoreAdd, "persist_failed", err)
	}
	return annotation, nil
}

// Remove filters the id out of the in-memory list and persists. Removing an
// unknown id is a validation failure and leaves the list untouched.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	index := -1
	for i, item := range s.items {
		if item.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return faults.New(faults.KindValidation, opStoreRemove, "unknown_id", errUnknownID)
	}
	s.items = append(s.items[:index], s.items[index+1:]...)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persister.SaveAnnotations(ctx, s.fileID, snapshot); err != nil {
		s.logger.Error("annotation list persistence failed",
			zap.String("file_id", s.fileID),
			zap.String("annotation_id", id),
			zap.Error(err))
		return faults.New(faults.KindSync, opStoreRemove, "persist_failed", err)
	}
	return nil
}

// ListForPage returns the annotations bound to the given 1-based page.
func (s *Store) ListForPage(page int) []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Annotation
	for _, item := range s.items {
		if item.OnPage(page) {
			out = append(out, item)
		}
	}
	return out
}

// ListVisibleAt returns the annotations whose visibility window contains
// the given playback time.
func (s *Store) ListVisibleAt(seconds float64) []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Annotation
	for _, item := range s.items {
		if item.VisibleAt(seconds) {
			out = append(out, item)
		}
	}
	return out
}

// Snapshot returns an immutable copy of the current list. Export pipelines
// work from a snapshot taken at export start so later edits cannot race the
// compositing pass.
func (s *Store) Snapshot() []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Annotation {
	out := make([]Annotation, len(s.items))
	copy(out, s.items)
	return out
}
