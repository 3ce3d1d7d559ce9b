package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/memory-api/internal/model"
)

// Options configures every engine.
type Options struct {
	// TagMode selects free or closed-vocabulary tags.
	TagMode model.TagMode
	// Location is the reference timezone for created_at. Defaults to UTC.
	Location *time.Location
	// Timeout bounds each operation. Zero means no bound beyond ctx.
	Timeout time.Duration
	// Now overrides the clock, for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// base carries what the engines share: validation, clock, ids and error
// wrapping.
type base struct {
	opts Options
}

func newBase(opts Options) base {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return base{opts: opts}
}

func (b *base) TagMode() model.TagMode { return b.opts.TagMode }

func (b *base) newID() string {
	return ulid.Make().String()
}

// now returns the write timestamp in the reference timezone, truncated to
// the precision every engine can hold.
func (b *base) now() time.Time {
	return b.opts.Now().In(b.opts.Location).Truncate(time.Microsecond)
}

func (b *base) localize(m *model.Memory) {
	m.CreatedAt = m.CreatedAt.In(b.opts.Location)
	if m.Tags == nil {
		m.Tags = []string{}
	}
}

func (b *base) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.Timeout > 0 {
		return context.WithTimeout(ctx, b.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (b *base) fail(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}

// prepare validates an upsert and returns the record to write, without id.
func (b *base) prepare(p UpsertParams) (model.Memory, error) {
	key, err := model.NormalizeKey(p.Key)
	if err != nil {
		return model.Memory{}, err
	}
	if err := model.ValidateBody(p.Body); err != nil {
		return model.Memory{}, err
	}
	tags, err := model.NormalizeTags(p.Tags, b.opts.TagMode)
	if err != nil {
		return model.Memory{}, err
	}
	return model.Memory{Key: key, Body: p.Body, Tags: tags, CreatedAt: b.now()}, nil
}

// applyPatch applies p to m and re-validates the result the way prepare does.
func (b *base) applyPatch(m *model.Memory, p Patch) error {
	if p.Key != nil {
		key, err := model.NormalizeKey(*p.Key)
		if err != nil {
			return err
		}
		m.Key = key
	}
	if p.Body != nil {
		if err := model.ValidateBody(p.Body); err != nil {
			return err
		}
		m.Body = p.Body
	}
	if p.Tags != nil {
		tags, err := model.NormalizeTags(*p.Tags, b.opts.TagMode)
		if err != nil {
			return err
		}
		m.Tags = tags
	}
	if p.CreatedAt != nil {
		if p.CreatedAt.IsZero() {
			return &ValidationError{Field: "created_at", Reason: "must be set"}
		}
		m.CreatedAt = p.CreatedAt.Truncate(time.Microsecond).In(b.opts.Location)
	}
	return nil
}

// checkRestore validates one restored record.
func (b *base) checkRestore(m model.Memory) (model.Memory, error) {
	key, err := model.NormalizeKey(m.Key)
	if err != nil {
		return m, err
	}
	if err := model.ValidateBody(m.Body); err != nil {
		return m, err
	}
	tags, err := model.NormalizeTags(m.Tags, b.opts.TagMode)
	if err != nil {
		return m, err
	}
	if m.CreatedAt.IsZero() {
		return m, &ValidationError{Field: "created_at", Reason: "must be set"}
	}
	return model.Memory{ID: b.newID(), Key: key, Body: m.Body, Tags: tags, CreatedAt: m.CreatedAt.Truncate(time.Microsecond)}, nil
}

func (b *base) lookupKey(key string) (string, error) {
	key, err := model.NormalizeKey(key)
	if err != nil {
		return "", err
	}
	return fold(key), nil
}

// fold is the case folding used for lookups and substring matching.
func fold(s string) string {
	return strings.ToLower(s)
}

// bodyFold is the searchable form of a body: its raw keys and values one
// per line, then its JSON encoding, folded.
func bodyFold(b model.Body) string {
	return fold(strings.Join(append(b.Strings(), b.Encode()), "\n"))
}

// matches applies the fallback scan predicate in Go.
func matches(m *model.Memory, query, tag string) bool {
	if tag != "" && !m.HasTag(tag) {
		return false
	}
	q := fold(query)
	return strings.Contains(fold(m.Key), q) || strings.Contains(bodyFold(m.Body), q)
}
