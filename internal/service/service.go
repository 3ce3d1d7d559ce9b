// Package service wires a memory store to backups. Every outer surface (HTTP,
// MCP, CLI) goes through it.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rcliao/memory-api/internal/backup"
	"github.com/rcliao/memory-api/internal/model"
	"github.com/rcliao/memory-api/internal/store"
)

// ErrBackupsDisabled is returned by Export when no backup directory is set.
var ErrBackupsDisabled = errors.New("backup directory is not configured")

// Service runs memory operations against one store.
type Service struct {
	store      store.Store
	backups    *backup.Writer
	autoBackup bool
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBackups enables Export into w. With auto set, every successful write
// is followed by a backup.
func WithBackups(w *backup.Writer, auto bool) Option {
	return func(s *Service) {
		s.backups = w
		s.autoBackup = auto && w != nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for export timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Service over st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() store.Store { return s.store }

// Remember upserts a memory.
func (s *Service) Remember(ctx context.Context, p store.UpsertParams) (*model.Memory, error) {
	m, err := s.store.Upsert(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("remembered", "key", m.Key, "id", m.ID)
	s.afterWrite(ctx, "remember")
	return m, nil
}

// Get returns the most recent memory matching key case-insensitively.
func (s *Service) Get(ctx context.Context, key string) (*model.Memory, error) {
	return s.store.GetExact(ctx, key)
}

// Recall runs the exact-then-scan lookup.
func (s *Service) Recall(ctx context.Context, p store.RecallParams) (*store.RecallResult, error) {
	return store.Recall(ctx, s.store, p)
}

// List returns memories newest first.
func (s *Service) List(ctx context.Context, p store.ListParams) ([]model.Memory, error) {
	return s.store.ListRecent(ctx, p)
}

// Delete removes one memory and reports whether anything matched.
func (s *Service) Delete(ctx context.Context, p store.DeleteParams) (bool, error) {
	ok, err := s.store.Delete(ctx, p)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Debug("deleted", "key", p.Key)
		s.afterWrite(ctx, "delete")
	}
	return ok, nil
}

// Edit applies a partial update. An empty patch is rejected.
func (s *Service) Edit(ctx context.Context, p store.EditParams) (*model.Memory, error) {
	if p.Patch.Empty() {
		return nil, &store.ValidationError{Field: "patch", Reason: "nothing to change"}
	}
	m, err := s.store.Edit(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("edited", "key", m.Key, "id", m.ID)
	s.afterWrite(ctx, "edit")
	return m, nil
}

// Snapshot builds a backup document without writing it.
func (s *Service) Snapshot(ctx context.Context) (*backup.Document, error) {
	mems, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return backup.NewDocument(mems, s.now().UTC()), nil
}

// Export writes a backup document and returns it with its path.
func (s *Service) Export(ctx context.Context) (*backup.Document, string, error) {
	if s.backups == nil {
		return nil, "", ErrBackupsDisabled
	}
	doc, err := s.Snapshot(ctx)
	if err != nil {
		return nil, "", err
	}
	path, err := s.backups.Write(doc)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("backup written", "path", path, "count", doc.Count)
	return doc, path, nil
}

// Restore inserts every record of doc, all or nothing.
func (s *Service) Restore(ctx context.Context, doc *backup.Document) (int, error) {
	mems, err := doc.Memories()
	if err != nil {
		return 0, err
	}
	n, err := s.store.Restore(ctx, mems)
	if err != nil {
		return 0, err
	}
	s.logger.Info("restored", "count", n)
	return n, nil
}

// RestoreFile reads a backup file and restores it.
func (s *Service) RestoreFile(ctx context.Context, path string) (int, error) {
	doc, err := backup.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return s.Restore(ctx, doc)
}

// Stats summarizes the store.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}

// Category pairs a vocabulary entry with its description.
type Category struct {
	Name        model.Category `json:"name"`
	Description string         `json:"description"`
}

// Categories lists the closed vocabulary in name order.
func (s *Service) Categories() []Category {
	out := make([]Category, 0, len(model.CategoryDescription))
	for _, c := range model.Categories() {
		out = append(out, Category{Name: c, Description: model.CategoryDescription[c]})
	}
	return out
}

// TagMode reports how the store validates tags.
func (s *Service) TagMode() model.TagMode { return s.store.TagMode() }

// afterWrite runs the automatic backup. Its failure is only logged.
func (s *Service) afterWrite(ctx context.Context, op string) {
	if !s.autoBackup {
		return
	}
	if _, _, err := s.Export(ctx); err != nil {
		s.logger.Warn("automatic backup failed", "op", op, "error", err)
	}
}
