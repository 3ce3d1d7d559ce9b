// Package store provides the memory storage interface and its SQLite,
// Postgres and Badger implementations.
package store

import (
	"context"
	"time"

	"github.com/rcliao/memory-api/internal/model"
)

// UpsertParams holds parameters for storing a memory.
type UpsertParams struct {
	Key  string
	Body model.Body
	Tags []string
}

// ListParams holds parameters for listing memories.
type ListParams struct {
	Tag   string
	Limit int // <= 0 means unbounded
}

// ScanParams holds parameters for the substring fallback scan.
type ScanParams struct {
	Query string
	Tag   string
	Limit int // <= 0 means unbounded
}

// DeleteParams identifies the record to delete.
type DeleteParams struct {
	Key       string
	CreatedAt *time.Time // nil targets the most recent record for Key
}

// Patch lists the fields an edit changes. Nil fields are left alone.
type Patch struct {
	Key       *string
	Body      model.Body
	Tags      *[]string
	CreatedAt *time.Time
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Key == nil && p.Body == nil && p.Tags == nil && p.CreatedAt == nil
}

// EditParams identifies the record to edit and the changes to apply.
type EditParams struct {
	Key       string
	CreatedAt *time.Time // nil targets the most recent record for Key
	Patch     Patch
}

// Store defines the memory storage interface.
type Store interface {
	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// SchemaVersion returns the applied schema version, 0 for a fresh store.
	SchemaVersion(ctx context.Context) (int, error)

	// Upsert creates the record for Key or replaces its body, tags and
	// timestamp.
	Upsert(ctx context.Context, p UpsertParams) (*model.Memory, error)

	// GetExact returns the most recent record whose key matches
	// case-insensitively, or ErrNotFound.
	GetExact(ctx context.Context, key string) (*model.Memory, error)

	// ListRecent returns records newest first.
	ListRecent(ctx context.Context, p ListParams) ([]model.Memory, error)

	// Scan returns records whose key, body text or encoded body contains the
	// query case-insensitively, newest first.
	Scan(ctx context.Context, p ScanParams) ([]model.Memory, error)

	// Delete removes one record. It reports false when nothing matched.
	Delete(ctx context.Context, p DeleteParams) (bool, error)

	// Edit applies a partial update to one record, or returns ErrNotFound.
	Edit(ctx context.Context, p EditParams) (*model.Memory, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Snapshot returns every record newest first.
	Snapshot(ctx context.Context) ([]model.Memory, error)

	// Restore inserts records without upserting, all or nothing.
	Restore(ctx context.Context, records []model.Memory) (int, error)

	// Stats summarizes the store.
	Stats(ctx context.Context) (*Stats, error)

	// TagMode reports how tags are validated.
	TagMode() model.TagMode

	// Close releases the store's resources.
	Close() error
}

// Stats holds store statistics.
type Stats struct {
	Backend    string     `json:"backend"`
	Total      int        `json:"total"`
	Oldest     *time.Time `json:"oldest,omitempty"`
	Newest     *time.Time `json:"newest,omitempty"`
	Tags       []TagCount `json:"tags"`
	SchemaVers int        `json:"schema_version"`
}

// TagCount holds the number of records carrying a tag.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}
