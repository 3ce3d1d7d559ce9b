// Package backup converts memories to and from portable JSON documents and
// writes them to uniquely named files.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/memory-api/internal/model"
	"github.com/rcliao/memory-api/internal/store"
)

// FormatVersion is the document version this package writes.
const FormatVersion = 1

const fileStamp = "20060102T150405.000000000Z"

// Document is a point-in-time copy of a store.
type Document struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Records    []Record  `json:"records"`
}

// Record is one memory in portable form. Ids are not carried.
type Record struct {
	Key       string     `json:"key"`
	Body      model.Body `json:"body"`
	Tags      []string   `json:"tags"`
	CreatedAt string     `json:"created_at"`
}

// NewDocument builds a document from a snapshot.
func NewDocument(mems []model.Memory, exportedAt time.Time) *Document {
	doc := &Document{
		Version:    FormatVersion,
		ExportedAt: exportedAt,
		Count:      len(mems),
		Records:    make([]Record, 0, len(mems)),
	}
	for _, m := range mems {
		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}
		doc.Records = append(doc.Records, Record{
			Key:       m.Key,
			Body:      m.Body,
			Tags:      tags,
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return doc
}

// Memories converts the records back to memories. A record that cannot be
// parsed yields a *store.RestoreError naming it.
func (d *Document) Memories() ([]model.Memory, error) {
	mems := make([]model.Memory, 0, len(d.Records))
	for i, r := range d.Records {
		at, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
		if err != nil {
			return nil, &store.RestoreError{Index: i, Key: r.Key, Err: &model.ValidationError{
				Field: "created_at", Reason: fmt.Sprintf("%q is not RFC 3339", r.CreatedAt),
			}}
		}
		mems = append(mems, model.Memory{Key: r.Key, Body: r.Body, Tags: r.Tags, CreatedAt: at})
	}
	return mems, nil
}

// Decode parses a document.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &store.RestoreError{Index: -1, Err: fmt.Errorf("parse backup: %w", err)}
	}
	if doc.Version < 1 || doc.Version > FormatVersion {
		return nil, &store.RestoreError{Index: -1, Err: fmt.Errorf("unsupported backup version %d", doc.Version)}
	}
	return &doc, nil
}

// ReadFile opens and decodes a backup file.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Writer writes documents into Dir.
type Writer struct {
	Dir string
	// Now overrides the clock used for file names.
	Now func() time.Time
}

// Write stores doc in a new file and returns its path. Existing files are
// never overwritten.
func (w *Writer) Write(doc *Document) (string, error) {
	if w.Dir == "" {
		return "", errors.New("backup directory is not configured")
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	stem := "memory-backup-" + now().UTC().Format(fileStamp)

	f, path, err := createExclusive(w.Dir, stem)
	if err != nil {
		return "", err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}

func createExclusive(dir, stem string) (*os.File, string, error) {
	name := stem + ".json"
	for attempts := 0; attempts < 8; attempts++ {
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create backup: %w", err)
		}
		name = stem + "-" + ulid.Make().String() + ".json"
	}
	return nil, "", fmt.Errorf("backup file collision under %s", dir)
}
